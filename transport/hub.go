// Package transport carries treecrdt.Operation frames over websocket
// connections, grounded on the teacher's Hub/Client (server/main.go):
// register/unregister/broadcast channels driving a single-goroutine run
// loop, with a read/write pump per connection.
package transport

import (
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/collabtree/treecrdt"
	"github.com/collabtree/treecrdt/wire"
)

// Client is a single connected peer (browser UI, agent, or relay).
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains the set of connected clients and broadcasts every locally
// applied operation to all of them, mirroring the teacher's Hub exactly
// except the payload is a treecrdt.Operation instead of a chat Op.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// OnRemoteOp is called for every operation received from a client
	// connection. Wire it to OpStore.Apply.
	OnRemoteOp func(op treecrdt.Operation)
}

// NewHub creates an unstarted Hub. Call Run in its own goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run drives the hub's register/unregister/broadcast loop. It never
// returns; call it with `go hub.Run()`.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			glog.Infof("[hub] client registered, total=%d", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				glog.Infof("[hub] client unregistered, total=%d", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast publishes op to every connected client. Wire it as an
// OpStore sink to forward every locally-applied op over the wire.
func (h *Hub) Broadcast(op treecrdt.Operation) {
	b, err := wire.Encode(op)
	if err != nil {
		glog.Errorf("[hub] encode op: %v", err)
		return
	}
	h.broadcast <- b
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a websocket connection and attaches
// it to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("[hub] upgrade: %v", err)
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 256), hub: h}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		op, err := wire.Decode(message)
		if err != nil {
			glog.Errorf("[hub] decode op: %v", err)
			continue
		}
		if c.hub.OnRemoteOp != nil {
			c.hub.OnRemoteOp(op)
		}
		c.hub.broadcast <- message
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		message, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
			return
		}
	}
}
