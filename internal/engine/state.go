package engine

import (
	"fmt"

	"github.com/cascadehq/cascade/internal/resource"
)

// record is the store's bookkeeping for one resource: the current value,
// the per-pass dirty flag, and the pending change payload (previous value
// for data resources, structured diff for referential ones).
//
// INVARIANT: a resource is dirty for at most one propagation pass. Dirty
// flags and change payloads are cleared together when the pass completes,
// never mid-pass.
type record struct {
	value any
	dirty bool
	old   any
	diff  resource.Diff
}

// State is the resource store and the engine's public surface.
//
// All mutation and propagation happen on a single logical thread of
// control; State is not designed for concurrent writers. A handler that
// needs asynchronous work must finish it outside propagation and re-enter
// with a fresh Set/SetChange, which starts a new pass.
type State struct {
	eng     *Engine
	records map[resource.Name]*record
}

func (st *State) ensure(name resource.Name) *record {
	rec, ok := st.records[name]
	if !ok {
		rec = &record{}
		st.records[name] = rec
	}
	return rec
}

// Get returns the current value of a resource. Reading a resource that
// was never written returns nil; this is a deliberate permissive default
// since resources may be declared before their first producer runs.
func (st *State) Get(name resource.Name) any {
	if rec, ok := st.records[name]; ok {
		return rec.value
	}
	return nil
}

// Lookup returns the current value and whether the resource has ever
// been written.
func (st *State) Lookup(name resource.Name) (any, bool) {
	if rec, ok := st.records[name]; ok {
		return rec.value, true
	}
	return nil, false
}

// IsDirty reports whether the resource is dirty in the current pass.
// Handlers must not use this to infer dirtiness of resources they did
// not declare as inputs; doing so breaks the scheduling guarantee.
func (st *State) IsDirty(name resource.Name) bool {
	rec, ok := st.records[name]
	return ok && rec.dirty
}

// GetChange returns the change payload for a dirty resource. The second
// return is false when the resource is not dirty this pass.
func (st *State) GetChange(name resource.Name) (resource.Change, bool) {
	rec, ok := st.records[name]
	if !ok || !rec.dirty {
		return resource.Change{}, false
	}
	return resource.Change{Old: rec.old, Diff: rec.diff}, true
}

// GetOldValue returns the value a dirty resource had before this pass.
// Returns nil when the resource is not dirty.
func (st *State) GetOldValue(name resource.Name) any {
	rec, ok := st.records[name]
	if !ok || !rec.dirty {
		return nil
	}
	return rec.old
}

// changeFor builds the handler-visible payload for a dirty resource.
func (st *State) changeFor(name resource.Name) resource.Change {
	rec := st.records[name]
	if rec == nil {
		return resource.Change{}
	}
	return resource.Change{Old: rec.old, Diff: rec.diff}
}

// diffFor returns the structured diff recorded for a referential
// resource this pass, or nil.
func (st *State) diffFor(name resource.Name) resource.Diff {
	if rec, ok := st.records[name]; ok {
		return rec.diff
	}
	return nil
}

// Set records a new value for a resource, marks it dirty, and triggers
// propagation synchronously. Stage barriers carry no payload and cannot
// be written.
//
// Called from inside a handler, the write joins the current pass when the
// resource's rank is still ahead of the executing slot; otherwise it is
// deferred to an automatic follow-up pass (see Engine).
func (st *State) Set(name resource.Name, value any) error {
	if name.IsStage() {
		return &EngineError{
			Code:     ErrCodeInvalidReducer,
			Message:  "stage barriers carry no payload",
			Resource: name.String(),
		}
	}
	return st.eng.write(st, name, func(rec *record) {
		rec.value = value
		rec.diff = nil
	}, nil)
}

// SetChange records a structured diff for a referential resource whose
// owner already mutated the value in place, marks it dirty, and triggers
// propagation. The store keeps holding the same reference; only the diff
// is new.
func (st *State) SetChange(name resource.Name, diff resource.Diff) error {
	if name.Kind != resource.KindReferential {
		return &EngineError{
			Code:     ErrCodeInvalidReducer,
			Message:  "SetChange requires a referential resource",
			Resource: name.String(),
		}
	}
	return st.eng.write(st, name, func(rec *record) {
		rec.diff = diff
	}, diff)
}

// SetRef installs the reference for a referential resource without
// marking it dirty or propagating. The owner calls this once at setup;
// subsequent in-place mutations are reported via SetChange.
func (st *State) SetRef(name resource.Name, value any) error {
	if name.Kind != resource.KindReferential {
		return &EngineError{
			Code:     ErrCodeInvalidReducer,
			Message:  "SetRef requires a referential resource",
			Resource: name.String(),
		}
	}
	st.ensure(name).value = value
	return nil
}

// Extend merge-updates a resource that is additively composed by
// independent reducers (for example a set of named flags contributed by
// different features). The first writer in a pass captures the pre-merge
// snapshot as the reportable previous value; later writers in the same
// pass merge into the live value without re-snapshotting.
//
// The resource value must be nil or a map[string]any.
func (st *State) Extend(name resource.Name, partial map[string]any) error {
	if name.IsStage() {
		return &EngineError{
			Code:     ErrCodeInvalidReducer,
			Message:  "stage barriers carry no payload",
			Resource: name.String(),
		}
	}
	rec := st.ensure(name)
	base, ok := rec.value.(map[string]any)
	if rec.value != nil && !ok {
		return fmt.Errorf("extend %s: value is %T, not a map", name, rec.value)
	}

	if rec.dirty {
		// Subsequent writer in the same pass: merge in place.
		live, _ := rec.value.(map[string]any)
		if live == nil {
			live = make(map[string]any, len(partial))
			rec.value = live
		}
		for k, v := range partial {
			live[k] = v
		}
		return nil
	}

	// First writer: the previous map stays untouched as the snapshot;
	// the live value becomes a merged copy.
	merged := make(map[string]any, len(base)+len(partial))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return st.eng.write(st, name, func(rec *record) {
		rec.value = merged
		rec.diff = nil
	}, nil)
}

// Reduce registers a reducer and immediately executes it once with an
// empty change map, seeding its derived outputs before any external
// propagation.
func (st *State) Reduce(outputs []resource.Name, inputs []resource.Input, h Handler, owner string) error {
	if err := st.eng.addReducer(st, outputs, inputs, h, owner); err != nil {
		return err
	}
	if err := h(st, resource.Changes{}); err != nil {
		return &EngineError{
			Code:    ErrCodeHandlerFailed,
			Message: "seed execution failed",
			Slot:    slotKey(inputs),
			Err:     err,
		}
	}
	return nil
}

// Observe registers a phased hook: sugar over Reduce that always outputs
// the given stage barrier. Observers of the stage are thereby ordered
// after this handler without any direct data dependency.
func (st *State) Observe(inputs []resource.Input, h Handler, owner string, stage resource.Name) error {
	if !stage.IsStage() {
		return &EngineError{
			Code:     ErrCodeInvalidReducer,
			Message:  "Observe requires a stage barrier output",
			Resource: stage.String(),
		}
	}
	return st.Reduce([]resource.Name{stage}, inputs, h, owner)
}

// Disconnect removes every entry registered by owner from its slot.
// Slots themselves stay in place, possibly empty; rank bookkeeping is
// cheap to keep and removing slots would force a needless reschedule.
func (st *State) Disconnect(owner string) {
	st.eng.disconnect(owner)
}

// reset clears all dirty flags and change payloads. Executed exactly once
// per completed pass, after the full schedule iteration.
func (st *State) reset() {
	for _, rec := range st.records {
		rec.dirty = false
		rec.old = nil
		rec.diff = nil
	}
}
