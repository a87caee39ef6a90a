// Package wire encodes and decodes treecrdt.Operation for the websocket
// wire format and for storage rows (spec §6: the wire format is free so
// long as fields are preserved exactly).
package wire

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/collabtree/treecrdt"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Encode serializes op to msgpack bytes.
func Encode(op treecrdt.Operation) ([]byte, error) {
	return msgpack.Marshal(op)
}

// EncodeBatch serializes a slice of operations as one msgpack array, using
// a pooled buffer for the encoder.
func EncodeBatch(ops []treecrdt.Operation) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	if err := enc.Encode(ops); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decode deserializes msgpack bytes into an Operation.
func Decode(b []byte) (treecrdt.Operation, error) {
	var op treecrdt.Operation
	if err := msgpack.Unmarshal(b, &op); err != nil {
		return treecrdt.Operation{}, err
	}
	return op, nil
}

// DecodeBatch deserializes a msgpack array of operations.
func DecodeBatch(b []byte) ([]treecrdt.Operation, error) {
	var ops []treecrdt.Operation
	if err := msgpack.Unmarshal(b, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}
