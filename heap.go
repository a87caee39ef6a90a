package treecrdt

import "container/heap"

// readyEdge is a candidate reattachment edge whose parent is already known
// to be rooted, queued for the priority-queue pass of materialize stage 3
// (spec §4.2).
type readyEdge struct {
	childID  string
	parentID string
	counter  int64
}

// edgeHeap orders readyEdge values by (counter desc, parent_id asc,
// child_id asc), per spec §4.2. Implemented with container/heap instead of
// the source's resort-on-every-push list, per spec §9.
type edgeHeap []readyEdge

func (h edgeHeap) Len() int { return len(h) }

func (h edgeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.counter != b.counter {
		return a.counter > b.counter
	}
	if a.parentID != b.parentID {
		return a.parentID < b.parentID
	}
	return a.childID < b.childID
}

func (h edgeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *edgeHeap) Push(x any) { *h = append(*h, x.(readyEdge)) }

func (h *edgeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*edgeHeap)(nil)
