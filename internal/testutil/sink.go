// Package testutil provides deterministic helpers shared by tests:
// an in-memory trace sink and a recording handler factory.
package testutil

import (
	"sync"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/resource"
)

// CollectingSink is an in-memory TraceSink that records every event in
// arrival order.
//
// Thread-safety: safe for concurrent use via internal mutex, though the
// engine emits from a single thread.
type CollectingSink struct {
	mu     sync.Mutex
	events []engine.TraceEvent
}

// NewCollectingSink creates an empty sink.
func NewCollectingSink() *CollectingSink {
	return &CollectingSink{}
}

// Record implements engine.TraceSink.
func (s *CollectingSink) Record(ev engine.TraceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of the recorded events.
func (s *CollectingSink) Events() []engine.TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.TraceEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Fired returns the slot keys of slot_fired events, in order.
func (s *CollectingSink) Fired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Type == engine.TraceSlotFired {
			out = append(out, ev.Slot)
		}
	}
	return out
}

// Reset discards recorded events.
func (s *CollectingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// Invocation records one handler call made through a Recorder.
type Invocation struct {
	Label string
	Path  resource.PathKey
	Old   any
}

// Recorder builds handlers that log their invocations, for asserting on
// exactly which reducers fired and with what payloads.
type Recorder struct {
	mu    sync.Mutex
	calls []Invocation
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Handler returns a handler that records (label, path, old) for the given
// watched resource on every invocation and never fails.
func (r *Recorder) Handler(label string, watched resource.Name) engine.Handler {
	return func(st *engine.State, ch resource.Changes) error {
		inv := Invocation{Label: label}
		if c, ok := ch[watched]; ok {
			inv.Path = c.Path
			inv.Old = c.Old
		}
		r.mu.Lock()
		r.calls = append(r.calls, inv)
		r.mu.Unlock()
		return nil
	}
}

// Calls returns a copy of the recorded invocations.
func (r *Recorder) Calls() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Invocation, len(r.calls))
	copy(out, r.calls)
	return out
}

// Labels returns just the labels of recorded invocations, in order.
func (r *Recorder) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Label
	}
	return out
}

// Reset discards recorded invocations.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
