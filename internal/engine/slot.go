package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cascadehq/cascade/internal/resource"
)

// Handler is the unit of work registered by a reducer. It receives the
// state it was registered on (never an ambient global) and the change
// payloads for its dirty declared inputs.
//
// Handlers are read-only with respect to their declared inputs and write
// only their declared outputs via Set/SetChange/Extend. The engine does
// not enforce this; the test suite does.
type Handler func(st *State, ch resource.Changes) error

// Entry is the registered reducer unit: declared inputs and outputs,
// owning identity for bulk disconnection, and the handler. Entries are
// sealed after creation - all fields are unexported and immutable.
type Entry struct {
	seq     int // registration order, global across slots
	inputs  []resource.Input
	outputs []resource.Name
	owner   string
	handler Handler
}

// slot is the unit the scheduler visits: one or more entries sharing an
// input set. Slots are created on first registration of an input-set key
// and are never destroyed, only emptied by Disconnect.
type slot interface {
	key() string
	order() int
	inputNames() []resource.Name
	// rank is the cached scheduling rank, derived from the graph over
	// the slot's inputs. Recomputed by the engine at schedule build.
	rank() int
	setRank(r int)
	add(e *Entry)
	removeOwner(owner string) int
	empty() bool
	// notify invokes the slot's observers and reports what fired: the
	// affected path keys for path-scoped slots (nil otherwise) and the
	// first handler error. All observers of the slot are attempted even
	// when one fails.
	notify(st *State) ([]resource.PathKey, error)
}

// slotKey derives the registry key from an input set: sorted, deduplicated
// resource names. Entries declaring the same input set share one slot and
// therefore one rank computation and one dirty check per pass.
func slotKey(inputs []resource.Input) string {
	names := make([]string, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		s := in.Name.String()
		if !seen[s] {
			seen[s] = true
			names = append(names, s)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// valueSlot observes one or more plain inputs. On notify it builds a
// per-input change map and invokes every observer with it, in
// registration order.
type valueSlot struct {
	id       string
	ord      int
	inputs   []resource.Name
	slotRank int
	entries  []*Entry
}

func newValueSlot(id string, ord int, inputs []resource.Name) *valueSlot {
	return &valueSlot{id: id, ord: ord, inputs: inputs, slotRank: -1}
}

func (s *valueSlot) key() string                  { return s.id }
func (s *valueSlot) order() int                   { return s.ord }
func (s *valueSlot) inputNames() []resource.Name  { return s.inputs }
func (s *valueSlot) rank() int                    { return s.slotRank }
func (s *valueSlot) setRank(r int)                { s.slotRank = r }
func (s *valueSlot) add(e *Entry)                 { s.entries = append(s.entries, e) }
func (s *valueSlot) empty() bool                  { return len(s.entries) == 0 }

func (s *valueSlot) removeOwner(owner string) int {
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.owner == owner {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

func (s *valueSlot) notify(st *State) ([]resource.PathKey, error) {
	ch := make(resource.Changes, len(s.inputs))
	for _, n := range s.inputs {
		if n.IsStage() || !st.IsDirty(n) {
			continue
		}
		ch[n] = st.changeFor(n)
	}

	var firstErr error
	for _, e := range s.entries {
		if err := e.handler(st, ch); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("observer of %s (owner=%s): %w", s.id, e.owner, err)
		}
	}
	return nil, firstErr
}

// pathSlot observes a single referential resource and dispatches per
// affected path. Observers registered for a path run only when a Diff
// reports that path; observers registered for the whole resource run
// exactly once per pass regardless of how many paths changed.
//
// This is the engine's primary cost-control mechanism: document-shaped
// changes are typically localized, and only the affected subtree's
// observers re-run.
type pathSlot struct {
	id       string
	ord      int
	res      resource.Name
	inputs   []resource.Name // res plus any stage barriers
	slotRank int
	byPath   map[resource.PathKey][]*Entry
}

func newPathSlot(id string, ord int, res resource.Name, inputs []resource.Name) *pathSlot {
	return &pathSlot{
		id:       id,
		ord:      ord,
		res:      res,
		inputs:   inputs,
		slotRank: -1,
		byPath:   make(map[resource.PathKey][]*Entry),
	}
}

func (s *pathSlot) key() string                 { return s.id }
func (s *pathSlot) order() int                  { return s.ord }
func (s *pathSlot) inputNames() []resource.Name { return s.inputs }
func (s *pathSlot) rank() int                   { return s.slotRank }
func (s *pathSlot) setRank(r int)               { s.slotRank = r }

func (s *pathSlot) add(e *Entry) {
	path := resource.WholeResource
	for _, in := range e.inputs {
		if in.Scoped && in.Name == s.res {
			path = in.Path
			break
		}
	}
	s.byPath[path] = append(s.byPath[path], e)
}

func (s *pathSlot) removeOwner(owner string) int {
	removed := 0
	for path, entries := range s.byPath {
		kept := entries[:0]
		for _, e := range entries {
			if e.owner == owner {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.byPath, path)
		} else {
			s.byPath[path] = kept
		}
	}
	return removed
}

func (s *pathSlot) empty() bool {
	return len(s.byPath) == 0
}

func (s *pathSlot) notify(st *State) ([]resource.PathKey, error) {
	diff := st.diffFor(s.res)

	var firstErr error
	record := func(err error, path resource.PathKey) {
		if err != nil && firstErr == nil {
			if path == resource.WholeResource {
				firstErr = fmt.Errorf("observer of %s: %w", s.id, err)
			} else {
				firstErr = fmt.Errorf("observer of %s at %q: %w", s.id, string(path), err)
			}
		}
	}

	// Path observers first, in the diff's reported order. The diff is a
	// set of path keys: a key repeated by the owner still dispatches its
	// observers exactly once per pass. A nil diff (whole-value replacement
	// of a referential resource) affects no specific path.
	var affected []resource.PathKey
	if diff != nil {
		seen := make(map[resource.PathKey]bool)
		for _, path := range diff.AffectedPaths() {
			if seen[path] {
				continue
			}
			seen[path] = true
			entries, ok := s.byPath[path]
			if !ok {
				continue
			}
			affected = append(affected, path)
			ch := resource.Changes{s.res: {Diff: diff, Path: path}}
			for _, e := range entries {
				record(e.handler(st, ch), path)
			}
		}
	}

	// Whole-resource observers run exactly once per pass.
	if entries, ok := s.byPath[resource.WholeResource]; ok {
		ch := resource.Changes{s.res: st.changeFor(s.res)}
		for _, e := range entries {
			record(e.handler(st, ch), resource.WholeResource)
		}
	}

	return affected, firstErr
}
