package treecrdt

import (
	"github.com/go-playground/validator/v10"
)

// RootID is the reserved entity id for the tree root. It is never the
// entity_id of any operation and has no incoming edges.
const RootID = "(ROOT)"

// Origin tags where an operation entered the OpStore, per spec §4.1. Tree
// observes both origins; UndoRedo records inverses only for OriginLocal.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Operation is a single immutable LWW write, per spec §3. Exactly one of
// Value or Deleted must be set: an absent Value with Deleted=false is not a
// representable write (a field that was never populated has no Operation
// at all, only its absence from the store).
type Operation struct {
	EntityID  string `json:"entity_id" msgpack:"entity_id" validate:"required"`
	FieldKey  string `json:"field_key" msgpack:"field_key" validate:"required"`
	Value     *int64 `json:"value,omitempty" msgpack:"value,omitempty"`
	Deleted   bool   `json:"deleted,omitempty" msgpack:"deleted,omitempty"`
	PeerID    string `json:"peer_id" msgpack:"peer_id" validate:"required"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp" validate:"required"`
}

var opValidator = validator.New()

// validate rejects malformed operations at the apply boundary (spec §7,
// InvalidOp): missing identity fields, or the root used as a child entity.
func (op Operation) validate() error {
	if err := opValidator.Struct(op); err != nil {
		return newInvalidOp(err.Error())
	}
	if op.Value != nil && op.Deleted {
		return newInvalidOp("value and deleted are mutually exclusive")
	}
	if op.Value == nil && !op.Deleted {
		return newInvalidOp("one of value or deleted is required")
	}
	if op.EntityID == RootID {
		return newRootMutation("root cannot be the entity of an operation")
	}
	return nil
}

// Compare returns >0 if op wins over other, <0 if it loses, 0 if equal
// under the total order of spec §4.1: larger timestamp wins; on a tie,
// larger peer_id (lexicographic) wins.
func (op Operation) Compare(other Operation) int {
	if op.Timestamp != other.Timestamp {
		if op.Timestamp > other.Timestamp {
			return 1
		}
		return -1
	}
	if op.PeerID != other.PeerID {
		if op.PeerID > other.PeerID {
			return 1
		}
		return -1
	}
	return 0
}

// counter returns the edge counter carried by this operation, or 0 if the
// operation is a tombstone (no counter value).
func (op Operation) counter() int64 {
	if op.Value == nil {
		return 0
	}
	return *op.Value
}

func int64Ptr(v int64) *int64 { return &v }
