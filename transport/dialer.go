package transport

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/collabtree/treecrdt"
	"github.com/collabtree/treecrdt/wire"
)

// PeerDialer maintains outbound websocket connections to discovered peers,
// reconnecting with exponential backoff. The teacher's agent only ever
// accepted inbound connections; treecrdt's discovery package needs an
// outbound half too, since discovered peers must actually exchange
// operations rather than only being logged.
type PeerDialer struct {
	mu      sync.Mutex
	dialing map[string]chan struct{} // addr -> stop channel

	// OnRemoteOp is called for every operation received from an outbound
	// connection.
	OnRemoteOp func(op treecrdt.Operation)
}

// NewPeerDialer creates an empty dialer.
func NewPeerDialer() *PeerDialer {
	return &PeerDialer{dialing: make(map[string]chan struct{})}
}

// Dial starts (or no-ops if already dialing) a reconnecting outbound
// connection to the websocket URL addr.
func (d *PeerDialer) Dial(addr string) {
	d.mu.Lock()
	if _, ok := d.dialing[addr]; ok {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.dialing[addr] = stop
	d.mu.Unlock()

	go d.run(addr, stop)
}

// Stop closes the outbound connection to addr, if any, and stops
// reconnecting.
func (d *PeerDialer) Stop(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if stop, ok := d.dialing[addr]; ok {
		close(stop)
		delete(d.dialing, addr)
	}
}

func (d *PeerDialer) run(addr string, stop chan struct{}) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry forever until Stop is called

	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
		if err != nil {
			wait := b.NextBackOff()
			glog.Infof("[dialer] %s dial failed, retrying in %s: %v", addr, wait, err)
			select {
			case <-stop:
				return
			case <-time.After(wait):
			}
			continue
		}
		glog.Infof("[dialer] connected to %s", addr)
		b.Reset()
		d.readLoop(conn, addr, stop)
	}
}

func (d *PeerDialer) readLoop(conn *websocket.Conn, addr string, stop chan struct{}) {
	defer conn.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				glog.Infof("[dialer] %s disconnected: %v", addr, err)
				return
			}
			op, err := wire.Decode(message)
			if err != nil {
				glog.Errorf("[dialer] decode op from %s: %v", addr, err)
				continue
			}
			if d.OnRemoteOp != nil {
				d.OnRemoteOp(op)
			}
		}
	}()
	select {
	case <-stop:
	case <-done:
	}
}
