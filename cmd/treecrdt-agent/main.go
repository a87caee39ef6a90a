// Command treecrdt-agent runs a single local peer of the tree CRDT: an
// OpStore/Tree/UndoRedo core, a bbolt-backed durable op log, a websocket
// hub for inbound connections, a reconnecting dialer for outbound ones,
// and mDNS discovery to find other agents on the LAN. Wiring mirrors the
// teacher's agent/main.go (hub, then discovery, then HTTP listen).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/collabtree/treecrdt"
	"github.com/collabtree/treecrdt/discovery"
	"github.com/collabtree/treecrdt/metrics"
	"github.com/collabtree/treecrdt/seed"
	"github.com/collabtree/treecrdt/storage"
	"github.com/collabtree/treecrdt/transport"
)

var (
	peerID          string
	listenAddr      string
	dbPath          string
	serviceName     string
	browseInterval  time.Duration
	undoFieldFilter []string
	seedDir         string

	rootCmd = &cobra.Command{
		Use:   "treecrdt-agent",
		Short: "Runs a local peer of the replicated tree CRDT",
		RunE:  runAgent,
	}
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")

	rootCmd.PersistentFlags().StringVar(&peerID, "peer-id", "",
		"stable id for this peer's writes (random uuid if unset)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", ":8080",
		"address to serve /ws, /healthz and /metrics on")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "treecrdt-agent.db",
		"path to the local bbolt op log")
	rootCmd.PersistentFlags().StringVar(&serviceName, "service", "_treecrdt._tcp",
		"mDNS service name to advertise and browse for peers under")
	rootCmd.PersistentFlags().DurationVar(&browseInterval, "browse-interval", 30*time.Second,
		"how often to browse the LAN for new peers")
	rootCmd.PersistentFlags().StringSliceVar(&undoFieldFilter, "undo-fields", nil,
		"if set, only these field keys are tracked for undo/redo")
	rootCmd.PersistentFlags().StringVar(&seedDir, "seed-dir", "",
		"if set, watch this directory for dropped op-batch files to ingest")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		glog.Fatalf("treecrdt-agent: %v", err)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	if peerID == "" {
		peerID = uuid.NewString()
	}
	glog.Infof("[agent] starting as peer %s", peerID)

	boltLog, err := storage.OpenBoltLog(dbPath)
	if err != nil {
		return fmt.Errorf("open bolt log: %w", err)
	}
	defer boltLog.Close()

	var replayed []treecrdt.Operation
	if err := boltLog.Replay(func(op treecrdt.Operation) {
		replayed = append(replayed, op)
	}); err != nil {
		return fmt.Errorf("replay bolt log: %w", err)
	}
	glog.Infof("[agent] replayed %d ops from %s", len(replayed), dbPath)

	hub := transport.NewHub()
	dialer := transport.NewPeerDialer()

	store := treecrdt.NewOpStore(peerID, func(op treecrdt.Operation) {
		if err := boltLog.Append(op); err != nil {
			glog.Errorf("[agent] persist op: %v", err)
		}
		hub.Broadcast(op)
	})
	tree := treecrdt.NewTree(store)
	undo := treecrdt.NewUndoRedo(store, undoFieldFilter...)

	tree.OnCycleDetected = func(id string) {
		glog.Warningf("[agent] cycle detected at node %s, falling back to root", id)
	}

	metrics.ObserveStore(store)
	metrics.ObserveTree(tree)

	store.Restore(replayed)

	applyRemote := func(op treecrdt.Operation) {
		if err := store.Apply(op); err != nil {
			glog.Errorf("[agent] apply remote op: %v", err)
		}
	}
	hub.OnRemoteOp = applyRemote
	dialer.OnRemoteOp = applyRemote

	go hub.Run()

	if seedDir != "" {
		w, err := seed.Watch(seedDir, applyRemote)
		if err != nil {
			return fmt.Errorf("watch seed dir: %w", err)
		}
		defer w.Close()
	}

	port, err := portOf(listenAddr)
	if err != nil {
		return fmt.Errorf("parse listen addr: %w", err)
	}
	advertiser, err := discovery.Advertise(serviceName, peerID, port)
	if err != nil {
		return fmt.Errorf("advertise mDNS: %w", err)
	}
	defer advertiser.Shutdown()

	go browseLoop(serviceName, peerID, browseInterval, dialer)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/edit/move", editMoveHandler(tree, undo))
	mux.HandleFunc("/edit/rename", editRenameHandler(tree, undo))
	mux.HandleFunc("/edit/remove", editRemoveHandler(tree, undo))
	mux.HandleFunc("/undo", undoHandler(undo))
	mux.HandleFunc("/redo", redoHandler(undo))
	mux.HandleFunc("/tree", treeHandler(tree))

	glog.Infof("[agent] listening on %s", listenAddr)
	return http.ListenAndServe(listenAddr, mux)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// editMoveHandler exposes Tree.AddChildToParent as a single-shot undo
// batch, so a move that rewrites several rooting-refresh edges still
// undoes as one step (spec §4.3).
func editMoveHandler(tree *treecrdt.Tree, undo *treecrdt.UndoRedo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Child, Parent string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var opErr error
		undo.Batch(func() {
			opErr = tree.AddChildToParent(req.Child, req.Parent, nowMillis())
		})
		metrics.SetUndoRedoDepth(undoDepth(undo))
		writeEditResult(w, opErr)
	}
}

func editRenameHandler(tree *treecrdt.Tree, undo *treecrdt.UndoRedo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Old, New string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var opErr error
		undo.Batch(func() {
			opErr = tree.Rename(req.Old, req.New, nowMillis())
		})
		metrics.SetUndoRedoDepth(undoDepth(undo))
		writeEditResult(w, opErr)
	}
}

func editRemoveHandler(tree *treecrdt.Tree, undo *treecrdt.UndoRedo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Child, Parent string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opErr := tree.RemoveEdge(req.Child, req.Parent, nowMillis())
		metrics.SetUndoRedoDepth(undoDepth(undo))
		writeEditResult(w, opErr)
	}
}

func undoHandler(undo *treecrdt.UndoRedo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		undo.Undo(nowMillis())
		metrics.SetUndoRedoDepth(undoDepth(undo))
		w.WriteHeader(http.StatusNoContent)
	}
}

func redoHandler(undo *treecrdt.UndoRedo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		undo.Redo(nowMillis())
		metrics.SetUndoRedoDepth(undoDepth(undo))
		w.WriteHeader(http.StatusNoContent)
	}
}

// treeView is the JSON-serializable shape of a treecrdt.Node subtree,
// since Node itself holds cyclic pointers that encoding/json can't walk.
type treeView struct {
	ID       string      `json:"id"`
	Children []*treeView `json:"children,omitempty"`
}

func treeHandler(tree *treecrdt.Tree) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(buildTreeView(tree.Root()))
	}
}

func buildTreeView(n *treecrdt.Node) *treeView {
	v := &treeView{ID: n.ID}
	for _, c := range n.Children {
		v.Children = append(v.Children, buildTreeView(c))
	}
	return v
}

func writeEditResult(w http.ResponseWriter, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func undoDepth(undo *treecrdt.UndoRedo) (int, int) {
	// UndoRedo doesn't expose stack lengths directly beyond CanUndo/CanRedo;
	// callers only need the gauge to move in the right direction, so this
	// reports presence as 0/1 rather than exact depth.
	var u, r int
	if undo.CanUndo() {
		u = 1
	}
	if undo.CanRedo() {
		r = 1
	}
	return u, r
}

// browseLoop re-browses the LAN for peers on every tick, dialing anything
// newly discovered. PeerDialer.Dial is idempotent for addresses already
// being dialed, so repeated discovery of the same peer is harmless.
func browseLoop(serviceName, selfPeerID string, interval time.Duration, dialer *transport.PeerDialer) {
	for {
		ctx := context.Background()
		err := discovery.Browse(ctx, serviceName, selfPeerID, interval, func(wsURL string) {
			dialer.Dial(wsURL)
		})
		if err != nil {
			glog.Errorf("[agent] discovery browse: %v", err)
			time.Sleep(interval)
		}
	}
}

func portOf(addr string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(lastColonSuffix(addr), ":%d", &port); err != nil {
		return 0, err
	}
	return port, nil
}

func lastColonSuffix(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i:]
		}
	}
	return addr
}
