// Package metrics wires prometheus collectors onto the core's observer
// hooks. It is a thin shim: it subscribes to treecrdt.OpStore the same way
// any other observer would and never touches core state directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/collabtree/treecrdt"
)

var (
	opsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treecrdt_ops_applied_total",
		Help: "Total operations applied to the OpStore, by origin and outcome",
	}, []string{"origin", "outcome"})

	cyclesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treecrdt_cycles_detected_total",
		Help: "Total nodes flagged non-rooted due to a cycle during materialization",
	})

	materializations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treecrdt_materializations_total",
		Help: "Total Tree materialization passes run",
	})

	treeNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treecrdt_tree_nodes",
		Help: "Current number of known tree nodes",
	})

	undoStackDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treecrdt_undo_stack_depth",
		Help: "Current depth of the undo stack",
	})

	redoStackDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treecrdt_redo_stack_depth",
		Help: "Current depth of the redo stack",
	})
)

// ObserveStore subscribes a counter onto store that records every applied
// op by origin and whether it won the LWW comparison.
func ObserveStore(store *treecrdt.OpStore) {
	store.Subscribe(func(op treecrdt.Operation, origin treecrdt.Origin, oldValue *int64) {
		outcome := "lost"
		if cur, ok := store.GetOp(op.EntityID, op.FieldKey); ok && cur.Compare(op) == 0 {
			outcome = "won"
		}
		opsApplied.WithLabelValues(origin.String(), outcome).Inc()
	})
}

// ObserveTree wraps tr's cycle-detection and materialize hooks to also
// increment cyclesDetected and record each materialization pass,
// preserving any hooks already set.
func ObserveTree(tr *treecrdt.Tree) {
	prevCycleHook := tr.OnCycleDetected
	tr.OnCycleDetected = func(id string) {
		cyclesDetected.Inc()
		if prevCycleHook != nil {
			prevCycleHook(id)
		}
	}

	prevMaterializeHook := tr.OnMaterialize
	tr.OnMaterialize = func(nodeCount int) {
		materializations.Inc()
		treeNodes.Set(float64(nodeCount))
		if prevMaterializeHook != nil {
			prevMaterializeHook(nodeCount)
		}
	}
}

// SetUndoRedoDepth updates the undo/redo stack depth gauges. Call it after
// Undo/Redo/Batch.
func SetUndoRedoDepth(undo, redo int) {
	undoStackDepth.Set(float64(undo))
	redoStackDepth.Set(float64(redo))
}
