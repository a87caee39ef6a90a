// Package storage provides durable op-log backends sitting outside the
// core, exactly the "external collaborator" role spec §6 reserves for
// persistence: both backends only ever feed operations back in through
// treecrdt.OpStore.Apply, the same path any other transport uses.
package storage

import (
	"time"

	"go.etcd.io/bbolt"

	"github.com/collabtree/treecrdt"
	"github.com/collabtree/treecrdt/wire"
)

var opsBucket = []byte("ops")

// BoltLog is a durable local op log for an agent, grounded on
// andreyvit-edb's bbolt.Open/Update conventions. Each op is keyed by a
// monotonically increasing sequence number, so re-appending the same op
// (e.g. on replay) adds a new row rather than overwriting one — harmless
// since replaying a superset of the log is order- and duplicate-independent
// under LWW (spec §8 invariant 1), just not compacting.
type BoltLog struct {
	db *bbolt.DB
}

// OpenBoltLog opens (creating if necessary) a bbolt-backed op log at path.
func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bbolt.Open(path, 0666, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(opsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLog{db: db}, nil
}

// Close closes the underlying bbolt database.
func (l *BoltLog) Close() error { return l.db.Close() }

// Append durably records op, keyed by a monotonically increasing sequence
// so replay preserves write order (irrelevant for LWW convergence, but
// useful for debugging and export).
func (l *BoltLog) Append(op treecrdt.Operation) error {
	b, err := wire.Encode(op)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(opsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), b)
	})
}

// Replay calls fn once per stored operation, in the order they were
// appended.
func (l *BoltLog) Replay(fn func(treecrdt.Operation)) error {
	return l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(opsBucket)
		return bucket.ForEach(func(k, v []byte) error {
			op, err := wire.Decode(v)
			if err != nil {
				return err
			}
			fn(op)
			return nil
		})
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		k[i] = byte(seq)
		seq >>= 8
	}
	return k
}
