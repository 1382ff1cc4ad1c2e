package engine

import (
	"log/slog"
	"sort"

	"github.com/cascadehq/cascade/internal/graph"
	"github.com/cascadehq/cascade/internal/resource"
)

// DefaultMaxCascades bounds the number of automatic follow-up passes one
// propagation may schedule. Deferred re-entrant writes each buy one more
// pass; a pipeline that never quiesces is a livelock, and the quota turns
// it into a reported error instead of a hang.
const DefaultMaxCascades = 64

// phase is the engine's propagation state machine.
//
//	Idle → Scheduling (if no cached schedule) → Evaluating → Idle
//
// Writes arriving while Evaluating are merged into the running pass when
// their rank is still ahead of the cursor, and queued for the next pass
// otherwise. There is no nested propagation.
type phase int

const (
	phaseIdle phase = iota
	phaseScheduling
	phaseEvaluating
)

// pendingWrite is a re-entrant write whose rank had already been passed
// in the current schedule. It is applied, with its captured previous
// value, before the automatic follow-up pass.
type pendingWrite struct {
	name resource.Name
	old  any
	diff resource.Diff
}

// Engine owns the dependency graph and the slot registry, and schedules
// propagation passes.
//
// INVARIANTS:
//   - Slot registration order never changes after creation; equal-rank
//     slots execute in registration order (incidental determinism for
//     reproducible traces, not a dependency guarantee).
//   - A slot at rank r observes the final, settled values of every
//     resource at rank < r for the pass.
//   - Evaluation is single-threaded; there is no concurrency and no
//     cancellation point inside a pass.
type Engine struct {
	graph  *graph.Graph
	slots  map[string]slot
	order  []slot          // registration order, schedule tiebreak
	owners map[string][]slot

	// schedule is the cached rank-sorted slot order; nil when a
	// registration has invalidated it.
	schedule []slot

	phase      phase
	cursorRank int
	pending    []pendingWrite

	entrySeq    int
	maxCascades int
	tokens      TokenGenerator
	clock       *Clock
	sink        TraceSink
	logger      *slog.Logger
}

// Option configures the engine at construction.
type Option func(*Engine)

// WithMaxCascades sets the follow-up pass quota (default 64).
func WithMaxCascades(n int) Option {
	return func(e *Engine) {
		e.maxCascades = n
	}
}

// WithTokenGenerator overrides the pass token generator. Tests use
// FixedGenerator or SequenceGenerator for deterministic traces.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(e *Engine) {
		e.tokens = g
	}
}

// WithTraceSink attaches a trace sink. A nil sink disables tracing.
func WithTraceSink(s TraceSink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithClock overrides the trace clock. Used by replay tooling to resume
// from a recorded seq.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger overrides the structured logger (default slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates a State backed by a fresh engine. The State handle is the
// only way to reach the store; components that need it receive it
// explicitly, never through ambient globals.
func New(opts ...Option) *State {
	e := &Engine{
		graph:       graph.New(),
		slots:       make(map[string]slot),
		owners:      make(map[string][]slot),
		cursorRank:  -1,
		maxCascades: DefaultMaxCascades,
		tokens:      UUIDv7Generator{},
		clock:       NewClock(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return &State{
		eng:     e,
		records: make(map[resource.Name]*record),
	}
}

// Clock returns the engine's logical trace clock.
func (st *State) Clock() *Clock {
	return st.eng.clock
}

// addReducer normalizes and validates a registration, creates or reuses
// the slot for the input-set key, records the dependency edges, and
// invalidates the cached schedule.
func (e *Engine) addReducer(st *State, outputs []resource.Name, inputs []resource.Input, h Handler, owner string) error {
	if h == nil {
		return &EngineError{
			Code:    ErrCodeInvalidReducer,
			Message: "handler must not be nil",
		}
	}

	inputs = dedupeInputs(inputs)
	outputs = dedupeNames(outputs)

	// Scoped inputs only make sense on referential resources, and only
	// when the slot watches exactly that one resource.
	var nonStage []resource.Name
	scoped := false
	for _, in := range inputs {
		if in.Scoped {
			if in.Name.Kind != resource.KindReferential {
				return &EngineError{
					Code:     ErrCodeInvalidReducer,
					Message:  "path-scoped input requires a referential resource",
					Resource: in.Name.String(),
				}
			}
			scoped = true
		}
		if !in.Name.IsStage() {
			nonStage = append(nonStage, in.Name)
		}
	}
	pathShaped := len(nonStage) == 1 && nonStage[0].Kind == resource.KindReferential
	if scoped && !pathShaped {
		return &EngineError{
			Code:    ErrCodeInvalidReducer,
			Message: "path-scoped input requires the referential resource to be the sole non-stage input",
		}
	}

	// Validate the new edges on a clone so a cycle aborts the
	// registration without mutating the live graph.
	candidate := e.graph.Clone()
	inputNames := make([]resource.Name, len(inputs))
	for i, in := range inputs {
		inputNames[i] = in.Name
		if !candidate.Known(in.Name) {
			candidate.AddDependency(in.Name, nil)
		}
	}
	for _, out := range outputs {
		candidate.AddDependency(out, inputNames)
	}
	if err := candidate.Recompute(); err != nil {
		return &EngineError{
			Code:    ErrCodeCyclicDependency,
			Message: "reducer declarations admit no evaluation order",
			Err:     err,
		}
	}
	e.graph = candidate

	key := slotKey(inputs)
	s, ok := e.slots[key]
	if !ok {
		if pathShaped {
			s = newPathSlot(key, len(e.order), nonStage[0], inputNames)
		} else {
			s = newValueSlot(key, len(e.order), inputNames)
		}
		e.slots[key] = s
		e.order = append(e.order, s)
	}

	entry := &Entry{
		seq:     e.entrySeq,
		inputs:  inputs,
		outputs: outputs,
		owner:   owner,
		handler: h,
	}
	e.entrySeq++
	s.add(entry)
	e.owners[owner] = appendSlot(e.owners[owner], s)

	// New edges or a new slot invalidate the cached schedule.
	e.schedule = nil
	return nil
}

// disconnect removes every entry belonging to owner. Empty slots stay
// registered; the schedule remains valid.
func (e *Engine) disconnect(owner string) {
	for _, s := range e.owners[owner] {
		removed := s.removeOwner(owner)
		if removed > 0 {
			e.logger.Debug("disconnected observers",
				"owner", owner,
				"slot", s.key(),
				"removed", removed,
			)
		}
	}
	delete(e.owners, owner)
}

// write funnels every store mutation through the propagation state
// machine. mutate applies the value update to the record; diff is the
// structured diff for referential writes, nil otherwise.
func (e *Engine) write(st *State, name resource.Name, mutate func(*record), diff resource.Diff) error {
	rec := st.ensure(name)

	if e.phase == phaseEvaluating {
		rank, err := e.graph.Rank(name)
		if err != nil {
			return err
		}
		if rank > e.cursorRank || !e.graph.Known(name) {
			// Forward write: the remaining schedule picks it up
			// in this pass.
			if !rec.dirty {
				rec.old = rec.value
			}
			mutate(rec)
			rec.dirty = true
			return nil
		}
		// The resource's rank has already been passed. The value is
		// applied now, but dirty processing is deferred to the
		// automatic follow-up pass so the ordering guarantee stays
		// intact.
		e.logger.Warn("re-entrant write behind schedule cursor, deferred to next pass",
			"resource", name.String(),
			"rank", rank,
			"cursor", e.cursorRank,
		)
		old := rec.value
		mutate(rec)
		e.pending = append(e.pending, pendingWrite{name: name, old: old, diff: diff})
		return nil
	}

	if !rec.dirty {
		rec.old = rec.value
	}
	mutate(rec)
	rec.dirty = true
	return e.propagate(st)
}

// propagate runs passes until the store quiesces: the initial pass plus
// one follow-up per batch of deferred writes, bounded by the cascade
// quota. Nested calls while a pass is in flight are impossible by
// construction; write() never reaches here during Evaluating.
func (e *Engine) propagate(st *State) error {
	if e.phase != phaseIdle {
		return nil
	}
	for cascades := 0; ; cascades++ {
		if cascades >= e.maxCascades {
			e.pending = nil
			st.reset()
			return &EngineError{
				Code:    ErrCodeCascadeQuotaExceeded,
				Message: "deferred writes kept scheduling follow-up passes",
			}
		}
		if err := e.runPass(st); err != nil {
			return err
		}
		if len(e.pending) == 0 {
			return nil
		}
		e.applyPending(st)
	}
}

// runPass executes one full schedule iteration: compute (or reuse) the
// cached schedule, then notify each triggering slot in ascending rank
// order. Dirty flags and change payloads are cleared atomically at the
// end, error or not, so the store is never left mid-pass.
func (e *Engine) runPass(st *State) error {
	if e.schedule == nil {
		e.phase = phaseScheduling
		if err := e.buildSchedule(); err != nil {
			e.phase = phaseIdle
			return err
		}
	}

	token := e.tokens.Generate()
	e.phase = phaseEvaluating
	e.emit(TraceEvent{Type: TracePassBegin, Pass: token, Seq: e.clock.Next()})

	fired := 0
	var slotErr error
	for _, s := range e.schedule {
		e.cursorRank = s.rank()
		if s.empty() {
			// Disconnect leaves slots in place; an emptied slot is
			// skipped without cost.
			continue
		}
		dirty := e.dirtyInputs(st, s)
		if !shouldTrigger(s, dirty) {
			continue
		}
		fired++
		paths, err := s.notify(st)
		e.emit(TraceEvent{
			Type:  TraceSlotFired,
			Pass:  token,
			Seq:   e.clock.Next(),
			Slot:  s.key(),
			Rank:  s.rank(),
			Dirty: dirty,
			Paths: pathStrings(paths),
		})
		if err != nil {
			// Policy: all observers of the current slot were
			// attempted (slot.notify guarantees that); the rest
			// of the schedule is abandoned.
			slotErr = &EngineError{
				Code:    ErrCodeHandlerFailed,
				Message: "observer failed during notification",
				Slot:    s.key(),
				Err:     err,
			}
			break
		}
	}

	e.cursorRank = -1
	e.phase = phaseIdle
	st.reset()
	if slotErr != nil {
		// An aborted pass drops its deferred writes along with the
		// rest of the schedule.
		e.pending = nil
	}
	e.emit(TraceEvent{Type: TracePassEnd, Pass: token, Seq: e.clock.Next(), Fired: fired})
	return slotErr
}

// buildSchedule recomputes slot ranks and sorts all known slots by
// ascending rank. The sort is stable over registration order, so ties
// break deterministically without depending on identifier ordering.
func (e *Engine) buildSchedule() error {
	list := make([]slot, len(e.order))
	copy(list, e.order)
	for _, s := range list {
		r, err := e.graph.MaxRank(s.inputNames())
		if err != nil {
			return &EngineError{
				Code:    ErrCodeCyclicDependency,
				Message: "schedule computation failed",
				Err:     err,
			}
		}
		s.setRank(r)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].rank() < list[j].rank()
	})
	e.schedule = list
	e.logger.Debug("schedule rebuilt", "slots", len(list))
	return nil
}

// dirtyInputs returns the slot's dirty non-stage inputs, in the slot's
// input order, as strings for the trace.
func (e *Engine) dirtyInputs(st *State, s slot) []string {
	var dirty []string
	for _, n := range s.inputNames() {
		if n.IsStage() {
			continue
		}
		if st.IsDirty(n) {
			dirty = append(dirty, n.String())
		}
	}
	return dirty
}

// shouldTrigger decides whether a slot is notified this pass: at least
// one non-stage input is dirty, or the slot declares inputs that are all
// stage barriers (an unconditional phased hook). A slot with an empty
// input set runs only when seeded at registration, never during
// propagation.
func shouldTrigger(s slot, dirty []string) bool {
	if len(dirty) > 0 {
		return true
	}
	inputs := s.inputNames()
	if len(inputs) == 0 {
		return false
	}
	for _, n := range inputs {
		if !n.IsStage() {
			return false
		}
	}
	return true
}

// applyPending merges deferred writes into the store ahead of the next
// pass. The first deferred write to a resource supplies the reportable
// previous value.
func (e *Engine) applyPending(st *State) {
	for _, w := range e.pending {
		rec := st.ensure(w.name)
		if !rec.dirty {
			rec.old = w.old
			rec.dirty = true
		}
		if w.diff != nil {
			rec.diff = w.diff
		}
	}
	e.pending = nil
}

func (e *Engine) emit(ev TraceEvent) {
	if e.sink != nil {
		e.sink.Record(ev)
	}
}

func dedupeInputs(inputs []resource.Input) []resource.Input {
	out := make([]resource.Input, 0, len(inputs))
	seen := make(map[resource.Input]bool, len(inputs))
	for _, in := range inputs {
		if !seen[in] {
			seen[in] = true
			out = append(out, in)
		}
	}
	return out
}

func dedupeNames(names []resource.Name) []resource.Name {
	out := make([]resource.Name, 0, len(names))
	seen := make(map[resource.Name]bool, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func appendSlot(slots []slot, s slot) []slot {
	for _, have := range slots {
		if have == s {
			return slots
		}
	}
	return append(slots, s)
}

func pathStrings(paths []resource.PathKey) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out
}
