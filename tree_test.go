package treecrdt

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func setupTree() (*OpStore, *Tree) {
	store := NewOpStore("A", nil)
	tr := NewTree(store)
	return store, tr
}

func TestNewNodeAttachesUnderRootByDefault(t *testing.T) {
	store, tr := setupTree()
	_, err := store.Set("x", "y", 1, 1)
	assert.Equal(t, err, nil)

	x, ok := tr.Node("x")
	assert.Equal(t, ok, true)
	y, ok := tr.Node("y")
	assert.Equal(t, ok, true)

	assert.Equal(t, x.Parent.ID, "y")
	// y has no edges of its own, falls back under root.
	assert.Equal(t, y.Parent.ID, RootID)
}

// TestCycleResolution is scenario S2 from spec §8: A sets x->y, B sets
// y->x, forming a cycle. Both x and y must end up rooted under root.
func TestCycleResolution(t *testing.T) {
	store, tr := setupTree()
	_, err := store.Set("x", "y", 1, 1)
	assert.Equal(t, err, nil)
	_, err = store.Set("y", "x", 1, 1)
	assert.Equal(t, err, nil)

	x, _ := tr.Node("x")
	y, _ := tr.Node("y")
	assert.Equal(t, x.Parent.ID, RootID)
	assert.Equal(t, y.Parent.ID, RootID)

	root := tr.Root()
	assert.Equal(t, len(root.Children), 2)
	assert.Equal(t, root.Children[0].ID, "x")
	assert.Equal(t, root.Children[1].ID, "y")
}

func TestTreeIsAcyclicAfterCycleInjection(t *testing.T) {
	store, tr := setupTree()
	_, _ = store.Set("a", "b", 1, 1)
	_, _ = store.Set("b", "c", 1, 1)
	_, _ = store.Set("c", "a", 1, 1) // closes a cycle a->b->c->a

	for _, id := range []string{"a", "b", "c"} {
		n, ok := tr.Node(id)
		assert.Equal(t, ok, true)
		seen := map[string]bool{}
		cur := n
		reachedRoot := false
		for steps := 0; steps < 10; steps++ {
			if cur.ID == RootID {
				reachedRoot = true
				break
			}
			assert.Equal(t, seen[cur.ID], false)
			seen[cur.ID] = true
			if cur.Parent == nil {
				break
			}
			cur = cur.Parent
		}
		assert.Equal(t, reachedRoot, true)
	}
}

func TestAddChildToParentMoves(t *testing.T) {
	store, tr := setupTree()
	_, _ = store.Set("src", RootID, 1, 1)
	_, _ = store.Set("app", "src", 1, 2)

	err := tr.AddChildToParent("app", RootID, 10)
	assert.Equal(t, err, nil)

	app, _ := tr.Node("app")
	assert.Equal(t, app.Parent.ID, RootID)
}

// TestMovePreservesOtherSubtree is scenario S3 from spec §8.
func TestMovePreservesOtherSubtree(t *testing.T) {
	store, tr := setupTree()
	_, _ = store.Set("src", RootID, 1, 1)
	_, _ = store.Set("app", "src", 1, 2)
	_, _ = store.Set("test", RootID, 1, 3)

	err := tr.AddChildToParent("app", "test", 10)
	assert.Equal(t, err, nil)
	err = tr.AddChildToParent("src", "test", 11)
	assert.Equal(t, err, nil)

	app, _ := tr.Node("app")
	src, _ := tr.Node("src")
	test, _ := tr.Node("test")

	assert.Equal(t, src.Parent.ID, "test")
	assert.Equal(t, app.Parent.ID, "test")
	assert.Equal(t, test.Parent.ID, RootID)

	// No node should be detached.
	for _, id := range []string{"app", "src", "test"} {
		n, _ := tr.Node(id)
		assert.NotEqual(t, n.Parent, nil)
	}
}

func TestRenameRewritesChildrenAndKeepsOldOrphan(t *testing.T) {
	store, tr := setupTree()
	_, _ = store.Set("dir", RootID, 1, 1)
	_, _ = store.Set("file1", "dir", 1, 2)
	_, _ = store.Set("file2", "dir", 1, 3)

	err := tr.Rename("dir", "dir2", 10)
	assert.Equal(t, err, nil)

	dir2, ok := tr.Node("dir2")
	assert.Equal(t, ok, true)
	assert.Equal(t, dir2.Parent.ID, RootID)
	assert.Equal(t, len(dir2.Children), 2)

	dir, ok := tr.Node("dir")
	assert.Equal(t, ok, true)
	assert.Equal(t, len(dir.Children), 0)
}

func TestRemoveEdgeDetachesThenFallsBackUnderRoot(t *testing.T) {
	store, tr := setupTree()
	_, _ = store.Set("x", RootID, 1, 1)

	err := tr.RemoveEdge("x", RootID, 10)
	assert.Equal(t, err, nil)

	x, _ := tr.Node("x")
	assert.Equal(t, x.Parent.ID, RootID)
	assert.Equal(t, len(x.Edges), 0)
}

func TestChildrenListsSortedAscendingByID(t *testing.T) {
	store, tr := setupTree()
	_, _ = store.Set("charlie", RootID, 1, 1)
	_, _ = store.Set("alpha", RootID, 1, 2)
	_, _ = store.Set("bravo", RootID, 1, 3)

	root := tr.Root()
	assert.Equal(t, len(root.Children), 3)
	assert.Equal(t, root.Children[0].ID, "alpha")
	assert.Equal(t, root.Children[1].ID, "bravo")
	assert.Equal(t, root.Children[2].ID, "charlie")
}

func TestDeterministicMaterializationIndependentOfOpOrder(t *testing.T) {
	build := func(apply func(*OpStore)) map[string]string {
		store := NewOpStore("A", nil)
		tr := NewTree(store)
		apply(store)
		result := map[string]string{}
		var walk func(*Node)
		walk = func(n *Node) {
			for _, c := range n.Children {
				result[c.ID] = n.ID
				walk(c)
			}
		}
		walk(tr.Root())
		return result
	}

	ops := []struct{ entity, field string; counter int64; ts int64 }{
		{"x", "y", 1, 1},
		{"y", RootID, 1, 2},
		{"z", "x", 1, 3},
	}

	a := build(func(s *OpStore) {
		for _, o := range ops {
			_, _ = s.Set(o.entity, o.field, o.counter, o.ts)
		}
	})
	b := build(func(s *OpStore) {
		for i := len(ops) - 1; i >= 0; i-- {
			o := ops[i]
			_, _ = s.Set(o.entity, o.field, o.counter, o.ts)
		}
	})

	assert.Equal(t, len(a), len(b))
	for k, v := range a {
		assert.Equal(t, b[k], v)
	}
}

func TestCycleDetectedHookFires(t *testing.T) {
	store, tr := setupTree()
	var flagged []string
	tr.OnCycleDetected = func(id string) { flagged = append(flagged, id) }

	_, _ = store.Set("x", "y", 1, 1)
	_, _ = store.Set("y", "x", 1, 1)

	assert.Equal(t, len(flagged) > 0, true)
}
