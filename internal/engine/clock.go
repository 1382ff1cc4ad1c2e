package engine

import "sync/atomic"

// Clock stamps trace events with a strictly increasing seq. The seq is
// what makes a trace totally ordered without wall-clock time: golden
// comparison, journal rows and replay verification all key on it.
//
// Atomic so a sink may read it concurrently, though the engine itself
// is single-threaded and only one goroutine calls Next during a pass.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0; the first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resumed past an already-stamped seq.
// Recording into a journal that ends at seq n continues from a clock at
// n, so appended events never reuse a recorded seq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new seq.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last seq handed out without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
