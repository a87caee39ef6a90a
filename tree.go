package treecrdt

import (
	"container/heap"
	"sort"
)

// Node is the derived tree-node view of an entity described in spec §3.
// Parent and Children hold ids indirectly through pointers into Tree's own
// node registry (the "arena + index" pattern of spec §9: materialization
// only ever rewrites these fields, never reallocates nodes).
type Node struct {
	ID       string
	Edges    map[string]int64 // candidate parent id -> counter
	Parent   *Node
	Children []*Node
}

type edgeEdit struct {
	entity string
	field  string
}

// Tree is an observer on OpStore that maintains a rooted, acyclic,
// deterministic tree derived from the current edge set (spec §4.2). Per
// spec §5 the core is single-threaded cooperative, so Tree carries no lock
// of its own; it relies on OpStore serializing all calls into it.
type Tree struct {
	store      *OpStore
	nodes      map[string]*Node
	maxCounter map[string]int64

	// OnCycleDetected is invoked, non-fatally, for every node found to be a
	// member of (or downstream of) a cycle during materialization (spec
	// §7's CycleDetected: log for observability only). It is never set by
	// the core itself; callers such as cmd/ wire it to their logger.
	OnCycleDetected func(nodeID string)

	// OnMaterialize is invoked once at the end of every materialize() pass
	// with the current total node count. It is never set by the core
	// itself; callers such as cmd/ wire it to metrics.
	OnMaterialize func(nodeCount int)
}

// NewTree creates a Tree seeded with just the root node and subscribes it
// to store. store must not already have committed operations the caller
// wants reflected — call Restore after NewTree if replaying a snapshot.
func NewTree(store *OpStore) *Tree {
	tr := &Tree{
		store:      store,
		nodes:      make(map[string]*Node),
		maxCounter: make(map[string]int64),
	}
	tr.ensureNode(RootID)
	store.Subscribe(tr.onStoreNotify)
	return tr
}

// Root returns the tree's root node.
func (tr *Tree) Root() *Node { return tr.nodes[RootID] }

// Node looks up a node by id.
func (tr *Tree) Node(id string) (*Node, bool) {
	n, ok := tr.nodes[id]
	return n, ok
}

func (tr *Tree) ensureNode(id string) *Node {
	if n, ok := tr.nodes[id]; ok {
		return n
	}
	n := &Node{ID: id, Edges: make(map[string]int64)}
	tr.nodes[id] = n
	return n
}

// onStoreNotify is OpStore's observer callback (spec §4.1). It runs for
// every applied op regardless of whether it won the LWW comparison, tracks
// per-entity max counters (needed by structural edits), refreshes the
// touched edge from the store's current winner, and rematerializes.
func (tr *Tree) onStoreNotify(op Operation, _ Origin, _ *int64) {
	tr.ensureNode(op.EntityID)
	tr.ensureNode(op.FieldKey)

	if op.Value != nil && *op.Value > tr.maxCounter[op.EntityID] {
		tr.maxCounter[op.EntityID] = *op.Value
	}

	node := tr.nodes[op.EntityID]
	if winner, ok := tr.store.GetOp(op.EntityID, op.FieldKey); ok && !winner.Deleted {
		node.Edges[op.FieldKey] = *winner.Value
	} else {
		delete(node.Edges, op.FieldKey)
	}

	tr.materialize()
}

// preferredEdge implements spec §4.2's edge-selection primitive: argmax
// over n.edges of (counter, parent_id).
func (tr *Tree) preferredEdge(n *Node) (string, bool) {
	var bestParent string
	var bestCounter int64
	found := false
	for parent, counter := range n.Edges {
		if !found || counter > bestCounter || (counter == bestCounter && parent > bestParent) {
			bestParent, bestCounter, found = parent, counter, true
		}
	}
	return bestParent, found
}

// materialize runs the full four-stage algorithm of spec §4.2. It is a pure
// function of the current edge set (invariant 4).
func (tr *Tree) materialize() {
	root := tr.nodes[RootID]
	root.Parent = nil
	root.Children = nil

	// Stage 1: reset.
	for id, node := range tr.nodes {
		if id == RootID {
			continue
		}
		if parentID, ok := tr.preferredEdge(node); ok {
			node.Parent = tr.nodes[parentID]
		} else {
			node.Parent = nil
		}
		node.Children = nil
	}

	// Stage 2: classify rooted vs non-rooted.
	determined := map[string]bool{RootID: true}
	rooted := map[string]bool{RootID: true}
	for id := range tr.nodes {
		if !determined[id] {
			tr.classify(id, determined, rooted)
		}
	}

	// Stage 3: reattach non-rooted nodes.
	var nonRooted []string
	for id := range tr.nodes {
		if id != RootID && !rooted[id] {
			nonRooted = append(nonRooted, id)
		}
	}
	tr.reattach(nonRooted, rooted)

	// Stage 4: build children lists, sorted ascending by id.
	for id, node := range tr.nodes {
		if id == RootID || node.Parent == nil {
			continue
		}
		node.Parent.Children = append(node.Parent.Children, node)
	}
	for _, node := range tr.nodes {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].ID < node.Children[j].ID
		})
	}

	if tr.OnMaterialize != nil {
		tr.OnMaterialize(len(tr.nodes))
	}
}

// hasCycleAhead reports whether the parent-pointer chain starting at start
// contains a cycle, using Floyd's tortoise-and-hare as required by spec
// §4.2 (a naive single-pointer walk would loop forever on a cyclic chain).
func (tr *Tree) hasCycleAhead(start string) bool {
	slow, fast := start, start
	for {
		var ok bool
		fast, ok = tr.stepParent(fast)
		if !ok {
			return false
		}
		fast, ok = tr.stepParent(fast)
		if !ok {
			return false
		}
		slow, _ = tr.stepParent(slow)
		if slow == fast {
			return true
		}
	}
}

func (tr *Tree) stepParent(id string) (string, bool) {
	node, ok := tr.nodes[id]
	if !ok || node.Parent == nil {
		return "", false
	}
	return node.Parent.ID, true
}

// classify walks the parent chain from start, marking every node it visits
// as rooted (reaches root) or non-rooted (hits a cycle, a dead end, or a
// node already known to be one or the other), per spec §4.2 stage 2.
func (tr *Tree) classify(start string, determined, rooted map[string]bool) {
	cyclic := tr.hasCycleAhead(start)

	var path []string
	seen := make(map[string]bool)
	cur := start
	status := false
	for {
		if determined[cur] {
			status = rooted[cur]
			break
		}
		if seen[cur] {
			status = false
			break
		}
		seen[cur] = true
		path = append(path, cur)
		node := tr.nodes[cur]
		if node.Parent == nil {
			status = false
			break
		}
		cur = node.Parent.ID
	}

	for _, id := range path {
		determined[id] = true
		rooted[id] = status
	}

	if cyclic && !status && tr.OnCycleDetected != nil {
		for _, id := range path {
			tr.OnCycleDetected(id)
		}
	}
}

// reattach implements spec §4.2 stage 3. Non-rooted nodes with no edges at
// all are attached directly under root first (spec §9(c)), so edges that
// point at them are ready rather than deferred. A deterministic
// priority-queue pass then attaches the remaining non-rooted nodes to the
// best ready parent it can find, and anything still left with no ready edge
// (a cycle, or a chain feeding one) falls back to root.
func (tr *Tree) reattach(nonRooted []string, rooted map[string]bool) {
	if len(nonRooted) == 0 {
		return
	}

	root := tr.nodes[RootID]
	pending := make(map[string]bool, len(nonRooted))
	for _, id := range nonRooted {
		if len(tr.nodes[id].Edges) == 0 {
			tr.nodes[id].Parent = root
			rooted[id] = true
			continue
		}
		pending[id] = true
	}

	h := &edgeHeap{}
	heap.Init(h)
	deferred := make(map[string][]readyEdge)

	for _, id := range nonRooted {
		node := tr.nodes[id]
		for parentID, counter := range node.Edges {
			e := readyEdge{childID: id, parentID: parentID, counter: counter}
			if rooted[parentID] {
				heap.Push(h, e)
			} else {
				deferred[parentID] = append(deferred[parentID], e)
			}
		}
	}

	for h.Len() > 0 {
		e := heap.Pop(h).(readyEdge)
		if !pending[e.childID] {
			continue
		}
		tr.nodes[e.childID].Parent = tr.nodes[e.parentID]
		delete(pending, e.childID)
		rooted[e.childID] = true
		for _, de := range deferred[e.childID] {
			heap.Push(h, de)
		}
		delete(deferred, e.childID)
	}

	for id := range pending {
		tr.nodes[id].Parent = root
		rooted[id] = true
	}
}

// collectRefreshEdits walks upward from startID to root, returning a
// rooting-refresh edit for every ancestor whose preferred edge does not
// match its current tree parent (spec §4.2 AddChildToParent rationale).
func (tr *Tree) collectRefreshEdits(startID string) []edgeEdit {
	var edits []edgeEdit
	cur := startID
	for cur != "" && cur != RootID {
		node, ok := tr.nodes[cur]
		if !ok {
			break
		}
		preferred, hasEdge := tr.preferredEdge(node)
		currentParent := RootID
		if node.Parent != nil {
			currentParent = node.Parent.ID
		}
		if !hasEdge || preferred != currentParent {
			edits = append(edits, edgeEdit{entity: cur, field: currentParent})
		}
		if node.Parent == nil {
			break
		}
		cur = node.Parent.ID
	}
	return edits
}

// AddChildToParent moves childID to be a child of newParentID, per spec
// §4.2. It first republishes any ancestor (of either the child's old
// parent or the new parent) whose preferred edge has drifted from its tree
// position, then writes the primary edge with a fresh counter.
func (tr *Tree) AddChildToParent(childID, newParentID string, now int64) error {
	if childID == RootID {
		return newRootMutation("root cannot be moved")
	}
	tr.ensureNode(childID)
	tr.ensureNode(newParentID)

	var edits []edgeEdit
	if node := tr.nodes[childID]; node.Parent != nil {
		edits = append(edits, tr.collectRefreshEdits(node.Parent.ID)...)
	}
	edits = append(edits, tr.collectRefreshEdits(newParentID)...)

	for _, e := range edits {
		counter := tr.maxCounter[e.entity] + 1
		if _, err := tr.store.Set(e.entity, e.field, counter, now); err != nil {
			return err
		}
	}

	counter := tr.maxCounter[childID] + 1
	_, err := tr.store.Set(childID, newParentID, counter, now)
	return err
}

// Rename creates newID as a copy of oldID's current parent edge and
// rewrites every existing child of oldID to point at newID. oldID is kept
// as an orphan, per spec §9(a),(d) — this is explicitly provisional.
func (tr *Tree) Rename(oldID, newID string, now int64) error {
	if oldID == RootID || newID == RootID {
		return newRootMutation("root cannot be renamed")
	}
	tr.ensureNode(oldID)
	tr.ensureNode(newID)

	old := tr.nodes[oldID]
	parentID := RootID
	if old.Parent != nil {
		parentID = old.Parent.ID
	}
	counter := tr.maxCounter[newID] + 1
	if _, err := tr.store.Set(newID, parentID, counter, now); err != nil {
		return err
	}

	children := append([]*Node(nil), old.Children...)
	for _, child := range children {
		c := tr.maxCounter[child.ID] + 1
		if _, err := tr.store.Set(child.ID, newID, c, now); err != nil {
			return err
		}
	}
	return nil
}

// RemoveEdge tombstones the (childID, parentID) edge candidate.
func (tr *Tree) RemoveEdge(childID, parentID string, now int64) error {
	if childID == RootID {
		return newRootMutation("root has no removable edge")
	}
	_, err := tr.store.Delete(childID, parentID, now)
	return err
}
