package treecrdt

// change is one recorded inverse for a single field write (spec §4.3).
type change struct {
	entityID string
	field    string
	value    *int64
}

// changeGroup is one undoable unit: either a single local edit, or every
// edit inside one Batch call.
type changeGroup []change

// UndoRedo is an observer on OpStore that records inverse operations for
// local edits only (spec §4.3). It never inverts remote changes — each
// peer's undo history is its own.
type UndoRedo struct {
	store     *OpStore
	undoStack []changeGroup
	redoStack []changeGroup
	busy      bool
	pending   changeGroup
	depth     int
	fieldKeys map[string]bool // nil means no filter
}

// NewUndoRedo creates an UndoRedo bound to store. If fieldKeys is non-empty,
// only writes to those field keys are recorded.
func NewUndoRedo(store *OpStore, fieldKeys ...string) *UndoRedo {
	ur := &UndoRedo{store: store}
	if len(fieldKeys) > 0 {
		ur.fieldKeys = make(map[string]bool, len(fieldKeys))
		for _, k := range fieldKeys {
			ur.fieldKeys[k] = true
		}
	}
	store.Subscribe(ur.onStoreNotify)
	return ur
}

func (ur *UndoRedo) onStoreNotify(op Operation, origin Origin, oldValue *int64) {
	if origin != OriginLocal || ur.busy {
		return
	}
	if ur.fieldKeys != nil && !ur.fieldKeys[op.FieldKey] {
		return
	}
	ur.pending = append(ur.pending, change{entityID: op.EntityID, field: op.FieldKey, value: oldValue})
	ur.commit()
}

// commit pushes the pending group to the undo stack once the outermost
// Batch (if any) has completed, per spec §4.3.
func (ur *UndoRedo) commit() {
	if ur.depth > 0 {
		return
	}
	if len(ur.pending) == 0 {
		return
	}
	ur.undoStack = append(ur.undoStack, ur.pending)
	ur.redoStack = nil
	ur.pending = nil
}

// Batch groups every local edit performed inside fn into a single undo
// step. Nested Batch calls collapse into the outermost group.
func (ur *UndoRedo) Batch(fn func()) {
	ur.depth++
	fn()
	ur.depth--
	ur.commit()
}

// applyInverse writes value back to (entityID, field), via Set if value is
// present or Delete if absent, with busy held so the write is not recorded
// as a new undo step.
func (ur *UndoRedo) applyInverse(c change, now int64) change {
	cur, ok := ur.store.GetOp(c.entityID, c.field)
	var captured *int64
	if ok && !cur.Deleted {
		captured = cur.Value
	}

	ur.busy = true
	if c.value != nil {
		_, _ = ur.store.Set(c.entityID, c.field, *c.value, now)
	} else {
		_, _ = ur.store.Delete(c.entityID, c.field, now)
	}
	ur.busy = false

	return change{entityID: c.entityID, field: c.field, value: captured}
}

// Undo pops the top undo group and replays its inverses, pushing the
// captured pre-undo values to the redo stack. A no-op on an empty stack.
func (ur *UndoRedo) Undo(now int64) {
	if len(ur.undoStack) == 0 {
		return
	}
	group := ur.undoStack[len(ur.undoStack)-1]
	ur.undoStack = ur.undoStack[:len(ur.undoStack)-1]

	inverses := make(changeGroup, len(group))
	for i, c := range group {
		inverses[i] = ur.applyInverse(c, now)
	}
	reverse(inverses)
	ur.redoStack = append(ur.redoStack, inverses)
}

// Redo pops the top redo group and replays its inverses, pushing the
// captured pre-redo values back to the undo stack. A no-op on an empty
// stack.
func (ur *UndoRedo) Redo(now int64) {
	if len(ur.redoStack) == 0 {
		return
	}
	group := ur.redoStack[len(ur.redoStack)-1]
	ur.redoStack = ur.redoStack[:len(ur.redoStack)-1]

	inverses := make(changeGroup, len(group))
	for i, c := range group {
		inverses[i] = ur.applyInverse(c, now)
	}
	reverse(inverses)
	ur.undoStack = append(ur.undoStack, inverses)
}

// CanUndo and CanRedo report whether the respective stack is non-empty.
func (ur *UndoRedo) CanUndo() bool { return len(ur.undoStack) > 0 }
func (ur *UndoRedo) CanRedo() bool { return len(ur.redoStack) > 0 }

func reverse(g changeGroup) {
	for i, j := 0, len(g)-1; i < j; i, j = i+1, j-1 {
		g[i], g[j] = g[j], g[i]
	}
}
