package treecrdt

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

// TestBasicLWW is scenario S1 from spec §8: Peer A sets x.p=1 at t=10, Peer
// B sets x.p=2 at t=10; after cross-delivery both peers converge on 2 (B
// wins the peer-id tie).
func TestBasicLWW(t *testing.T) {
	a := NewOpStore("A", nil)
	b := NewOpStore("B", nil)

	opA, err := a.Set("x", "p", 1, 10)
	assert.Equal(t, err, nil)
	opB, err := b.Set("x", "p", 2, 10)
	assert.Equal(t, err, nil)

	assert.Equal(t, a.Apply(opB), nil)
	assert.Equal(t, b.Apply(opA), nil)

	va := a.Get("x", "p")
	vb := b.Get("x", "p")
	assert.Equal(t, *va, int64(2))
	assert.Equal(t, *vb, int64(2))
}

// TestOutOfOrderDelivery is scenario S6: applying the same field's two ops
// in either order converges to the higher-timestamp op's value.
func TestOutOfOrderDelivery(t *testing.T) {
	op1 := Operation{EntityID: "x", FieldKey: "p", Value: int64Ptr(1), PeerID: "A", Timestamp: 1}
	op2 := Operation{EntityID: "x", FieldKey: "p", Value: int64Ptr(2), PeerID: "A", Timestamp: 2}

	inOrder := NewOpStore("B", nil)
	assert.Equal(t, inOrder.Apply(op1), nil)
	assert.Equal(t, inOrder.Apply(op2), nil)

	outOfOrder := NewOpStore("B", nil)
	assert.Equal(t, outOfOrder.Apply(op2), nil)
	assert.Equal(t, outOfOrder.Apply(op1), nil)

	v1 := inOrder.Get("x", "p")
	v2 := outOfOrder.Get("x", "p")
	assert.Equal(t, *v1, int64(2))
	assert.Equal(t, *v2, int64(2))
}

// TestConvergenceAcrossPermutations is spec §8 invariant 1: applying the
// same op set in any order yields byte-identical field state.
func TestConvergenceAcrossPermutations(t *testing.T) {
	ops := []Operation{
		{EntityID: "a", FieldKey: "p", Value: int64Ptr(1), PeerID: "A", Timestamp: 1},
		{EntityID: "a", FieldKey: "p", Value: int64Ptr(2), PeerID: "B", Timestamp: 1},
		{EntityID: "b", FieldKey: "p", Value: int64Ptr(5), PeerID: "A", Timestamp: 3},
		{EntityID: "a", FieldKey: "q", Deleted: true, PeerID: "A", Timestamp: 2},
	}

	permutations := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 0, 3, 2},
		{2, 3, 0, 1},
	}

	var reference map[fieldKey]Operation
	for _, perm := range permutations {
		store := NewOpStore("X", nil)
		for _, idx := range perm {
			assert.Equal(t, store.Apply(ops[idx]), nil)
		}
		if reference == nil {
			reference = store.fields
			continue
		}
		assert.Equal(t, len(store.fields), len(reference))
		for k, v := range reference {
			got, ok := store.fields[k]
			assert.Equal(t, ok, true)
			assert.Equal(t, got.Compare(v), 0)
			assert.Equal(t, got.Deleted, v.Deleted)
		}
	}
}

func TestDeleteTombstonesCompeteUnderLWW(t *testing.T) {
	store := NewOpStore("A", nil)
	_, err := store.Set("x", "p", 1, 10)
	assert.Equal(t, err, nil)
	_, err = store.Delete("x", "p", 11)
	assert.Equal(t, err, nil)
	assert.Equal(t, store.Get("x", "p"), (*int64)(nil))

	op, ok := store.GetOp("x", "p")
	assert.Equal(t, ok, true)
	assert.Equal(t, op.Deleted, true)
}

func TestObserverFiresOnLosingWrites(t *testing.T) {
	store := NewOpStore("A", nil)
	var calls int
	store.Subscribe(func(op Operation, origin Origin, oldValue *int64) {
		calls++
	})

	_, err := store.Set("x", "p", 5, 10)
	assert.Equal(t, err, nil)

	losing := Operation{EntityID: "x", FieldKey: "p", Value: int64Ptr(1), PeerID: "A", Timestamp: 1}
	assert.Equal(t, store.Apply(losing), nil)

	assert.Equal(t, calls, 2)
	assert.Equal(t, *store.Get("x", "p"), int64(5))
}

func TestLocalSetAlwaysDominatesCurrentField(t *testing.T) {
	store := NewOpStore("A", nil)
	remote := Operation{EntityID: "x", FieldKey: "p", Value: int64Ptr(9), PeerID: "Z", Timestamp: 100}
	assert.Equal(t, store.Apply(remote), nil)

	op, err := store.Set("x", "p", 1, 5)
	assert.Equal(t, err, nil)
	assert.Equal(t, op.Timestamp > 100, true)
	assert.Equal(t, *store.Get("x", "p"), int64(1))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := NewOpStore("A", nil)
	_, _ = src.Set("x", "p", 1, 1)
	_, _ = src.Set("y", "p", 2, 2)
	_, _ = src.Delete("x", "p", 3)

	snap := src.Snapshot()

	dst := NewOpStore("B", nil)
	dst.Restore(snap)

	assert.Equal(t, dst.Get("x", "p"), (*int64)(nil))
	assert.Equal(t, *dst.Get("y", "p"), int64(2))
}
