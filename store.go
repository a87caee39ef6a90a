package treecrdt

import "sync"

// fieldKey identifies one (entity_id, field_key) register.
type fieldKey struct {
	entityID string
	field    string
}

// Observer is notified after every Apply, regardless of whether the
// incoming op won the LWW comparison (spec §4.1, §9(b)). oldValue is the
// prior value of the field (nil if none, or if the prior op was a
// tombstone).
type Observer func(op Operation, origin Origin, oldValue *int64)

// OpStore is the per-field LWW register store described in spec §4.1. It is
// owned exclusively by one peer (spec §5) and guards all state with a
// single mutex, mirroring the teacher's single-mutex document-map pattern
// in server/main.go's applyOp.
type OpStore struct {
	mu        sync.Mutex
	peerID    string
	clock     int64
	fields    map[fieldKey]Operation
	observers []Observer
	sink      func(Operation)
}

// NewOpStore creates an empty store for peerID. sink, if non-nil, is called
// with every operation that is applied with OriginLocal — the transport
// hook described in spec §6.
func NewOpStore(peerID string, sink func(Operation)) *OpStore {
	return &OpStore{
		peerID: peerID,
		fields: make(map[fieldKey]Operation),
		sink:   sink,
	}
}

// Subscribe registers an observer. Observers fire in registration order.
func (s *OpStore) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// Get returns the current value of (entityID, field), or nil if the field
// is unset or tombstoned.
func (s *OpStore) Get(entityID, field string) *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.fields[fieldKey{entityID, field}]
	if !ok || op.Deleted {
		return nil
	}
	return op.Value
}

// GetOp returns the raw stored Operation for (entityID, field), if any.
func (s *OpStore) GetOp(entityID, field string) (Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.fields[fieldKey{entityID, field}]
	return op, ok
}

// nextTimestamp advances the local clock to max(now, clock+1,
// existing.timestamp+1) so local writes always dominate the current field
// state and the peer's own clock never goes backwards (spec §4.1).
func (s *OpStore) nextTimestamp(now int64, existing Operation, hadExisting bool) int64 {
	ts := now
	if ts <= s.clock {
		ts = s.clock + 1
	}
	if hadExisting && ts <= existing.Timestamp {
		ts = existing.Timestamp + 1
	}
	s.clock = ts
	return ts
}

// Set constructs a local write op for (entityID, field) := value and
// applies it. now is the caller's wall clock in milliseconds.
func (s *OpStore) Set(entityID, field string, value int64, now int64) (Operation, error) {
	return s.write(entityID, field, int64Ptr(value), false, now)
}

// Delete constructs a local tombstone op for (entityID, field) and applies
// it.
func (s *OpStore) Delete(entityID, field string, now int64) (Operation, error) {
	return s.write(entityID, field, nil, true, now)
}

func (s *OpStore) write(entityID, field string, value *int64, deleted bool, now int64) (Operation, error) {
	s.mu.Lock()
	existing, hadExisting := s.fields[fieldKey{entityID, field}]
	ts := s.nextTimestamp(now, existing, hadExisting)
	s.mu.Unlock()

	op := Operation{
		EntityID:  entityID,
		FieldKey:  field,
		Value:     value,
		Deleted:   deleted,
		PeerID:    s.peerID,
		Timestamp: ts,
	}
	if err := op.validate(); err != nil {
		return Operation{}, err
	}
	s.apply(op, OriginLocal)
	if s.sink != nil {
		s.sink(op)
	}
	return op, nil
}

// Apply merges a remote op into field state (spec §4.1). It is the entry
// point transports use to deliver operations received from peers.
func (s *OpStore) Apply(op Operation) error {
	if err := op.validate(); err != nil {
		return err
	}
	s.apply(op, OriginRemote)
	return nil
}

// apply performs the LWW merge and fans out to observers, unconditionally
// (spec §9(b)): every incoming op notifies observers with itself as the op
// argument, whether or not it won.
func (s *OpStore) apply(op Operation, origin Origin) {
	key := fieldKey{op.EntityID, op.FieldKey}

	s.mu.Lock()
	existing, had := s.fields[key]
	var oldValue *int64
	if had && !existing.Deleted {
		oldValue = existing.Value
	}
	won := !had || op.Compare(existing) > 0
	if won {
		s.fields[key] = op
	}
	if op.Timestamp > s.clock {
		s.clock = op.Timestamp
	}
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(op, origin, oldValue)
	}
}

// Snapshot returns every currently stored Operation, for export/replay
// (spec §6: "the full current state is recoverable by replaying any
// superset of the op log in any order").
func (s *OpStore) Snapshot() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, 0, len(s.fields))
	for _, op := range s.fields {
		out = append(out, op)
	}
	return out
}

// Restore replays ops into the store as remote ops, in the order given.
// Order does not affect the resulting field state (LWW is order-independent
// per spec §8 invariant 1); it only affects which observer calls win.
func (s *OpStore) Restore(ops []Operation) {
	for _, op := range ops {
		_ = s.Apply(op)
	}
}
