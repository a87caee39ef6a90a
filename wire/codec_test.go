package wire

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/collabtree/treecrdt"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := int64(3)
	op := treecrdt.Operation{
		EntityID:  "x",
		FieldKey:  "y",
		Value:     &v,
		PeerID:    "A",
		Timestamp: 10,
	}

	b, err := Encode(op)
	assert.Equal(t, err, nil)

	got, err := Decode(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, got.EntityID, op.EntityID)
	assert.Equal(t, got.FieldKey, op.FieldKey)
	assert.Equal(t, *got.Value, *op.Value)
	assert.Equal(t, got.PeerID, op.PeerID)
	assert.Equal(t, got.Timestamp, op.Timestamp)
}

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	v1, v2 := int64(1), int64(2)
	ops := []treecrdt.Operation{
		{EntityID: "a", FieldKey: "p", Value: &v1, PeerID: "A", Timestamp: 1},
		{EntityID: "b", FieldKey: "p", Value: &v2, PeerID: "A", Timestamp: 2},
	}

	b, err := EncodeBatch(ops)
	assert.Equal(t, err, nil)

	got, err := DecodeBatch(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(got), 2)
	assert.Equal(t, got[0].EntityID, "a")
	assert.Equal(t, got[1].EntityID, "b")
}

func TestDecodeTombstoneRoundTrip(t *testing.T) {
	op := treecrdt.Operation{
		EntityID:  "x",
		FieldKey:  "y",
		Deleted:   true,
		PeerID:    "A",
		Timestamp: 11,
	}

	b, err := Encode(op)
	assert.Equal(t, err, nil)

	got, err := Decode(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, got.Deleted, true)
	assert.Equal(t, got.Value, (*int64)(nil))
}
