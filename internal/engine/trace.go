package engine

// TraceEventType distinguishes trace event kinds.
type TraceEventType string

const (
	// TracePassBegin marks the start of one propagation pass.
	TracePassBegin TraceEventType = "pass_begin"
	// TraceSlotFired records one slot notification within a pass.
	TraceSlotFired TraceEventType = "slot_fired"
	// TracePassEnd marks the completion of a pass.
	TracePassEnd TraceEventType = "pass_end"
)

// TraceEvent is one entry in the propagation trace.
//
// Events are stamped with a monotonic seq from the engine clock and carry
// the pass token for correlation. Field contents are deterministic for a
// given registration order and write sequence, which is what makes golden
// trace comparison and replay verification possible.
type TraceEvent struct {
	Type TraceEventType `json:"type"`
	Pass string         `json:"pass"`
	Seq  int64          `json:"seq"`

	// Slot is the slot key for slot_fired events.
	Slot string `json:"slot,omitempty"`
	// Rank is the slot's scheduling rank for slot_fired events.
	Rank int `json:"rank,omitempty"`
	// Dirty lists the dirty declared inputs that triggered the slot.
	Dirty []string `json:"dirty,omitempty"`
	// Paths lists the affected paths dispatched by a path-scoped slot.
	Paths []string `json:"paths,omitempty"`
	// Fired is the number of slots notified, on pass_end events.
	Fired int `json:"fired,omitempty"`
}

// TraceSink receives trace events as the engine emits them.
//
// A nil sink disables tracing entirely. Sinks must not call back into the
// engine; they observe, they do not participate.
type TraceSink interface {
	Record(ev TraceEvent)
}
