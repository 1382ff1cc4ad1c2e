package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/resource"
	"github.com/cascadehq/cascade/internal/testutil"
)

func TestReentry_ForwardWriteJoinsCurrentPass(t *testing.T) {
	sink := testutil.NewCollectingSink()
	st := engine.New(
		engine.WithTraceSink(sink),
		engine.WithTokenGenerator(engine.NewSequenceGenerator("pass")),
	)
	a := resource.Data("a")
	b := resource.Data("b")
	c := resource.Data("c")
	var calls []string

	require.NoError(t, st.Reduce([]resource.Name{b},
		[]resource.Input{resource.In(a)},
		appendLabel(&calls, "a-to-b", func(s *engine.State, _ resource.Changes) error {
			return s.Set(b, "b")
		}), "o"))
	require.NoError(t, st.Reduce([]resource.Name{c},
		[]resource.Input{resource.In(b)},
		appendLabel(&calls, "b-to-c", func(s *engine.State, _ resource.Changes) error {
			return s.Set(c, "c")
		}), "o"))

	sink.Reset()
	require.NoError(t, st.Set(a, 1))

	// The whole chain settles in a single pass.
	assert.Equal(t, []string{"a-to-b", "b-to-c"}, calls)
	passes := 0
	for _, ev := range sink.Events() {
		if ev.Type == engine.TracePassBegin {
			passes++
		}
	}
	assert.Equal(t, 1, passes)
}

func TestReentry_BackwardWriteDeferredToFollowUpPass(t *testing.T) {
	sink := testutil.NewCollectingSink()
	st := engine.New(
		engine.WithTraceSink(sink),
		engine.WithTokenGenerator(engine.NewSequenceGenerator("pass")),
	)
	x := resource.Data("x")
	y := resource.Data("y")
	var calls []string

	require.NoError(t, st.Reduce([]resource.Name{y},
		[]resource.Input{resource.In(x)},
		appendLabel(&calls, "low", func(s *engine.State, _ resource.Changes) error {
			return s.Set(y, s.Get(x))
		}), "o"))

	// The high slot writes x - a rank already passed - exactly once.
	wroteBack := false
	require.NoError(t, st.Reduce(nil,
		[]resource.Input{resource.In(y)},
		appendLabel(&calls, "high", func(s *engine.State, _ resource.Changes) error {
			if !wroteBack {
				wroteBack = true
				return s.Set(x, 99)
			}
			return nil
		}), "o"))

	sink.Reset()
	require.NoError(t, st.Set(x, 1))

	// Pass 1: low, high (defers x=99). Pass 2: low, high again.
	assert.Equal(t, []string{"low", "high", "low", "high"}, calls)
	assert.Equal(t, 99, st.Get(x))
	assert.Equal(t, 99, st.Get(y))

	passes := 0
	for _, ev := range sink.Events() {
		if ev.Type == engine.TracePassBegin {
			passes++
		}
	}
	assert.Equal(t, 2, passes)
	assert.False(t, st.IsDirty(x))
	assert.False(t, st.IsDirty(y))
}

func TestReentry_CascadeQuotaExceeded(t *testing.T) {
	st := engine.New(engine.WithMaxCascades(3))
	x := resource.Data("x")
	y := resource.Data("y")

	require.NoError(t, st.Reduce([]resource.Name{y},
		[]resource.Input{resource.In(x)},
		func(s *engine.State, ch resource.Changes) error {
			if len(ch) == 0 {
				return nil
			}
			return s.Set(y, s.Get(x))
		}, "o"))
	// Livelock: always writes x back.
	n := 0
	require.NoError(t, st.Reduce(nil,
		[]resource.Input{resource.In(y)},
		func(s *engine.State, ch resource.Changes) error {
			if len(ch) == 0 {
				return nil
			}
			n++
			return s.Set(x, n)
		}, "o"))

	err := st.Set(x, 0)
	require.Error(t, err)
	assert.True(t, engine.IsCascadeQuotaExceeded(err))

	// Bookkeeping must be clean after the abort.
	assert.False(t, st.IsDirty(x))
	assert.False(t, st.IsDirty(y))
}

func TestHandlerError_AbortsScheduleAfterCurrentSlot(t *testing.T) {
	st := engine.New()
	a := resource.Data("a")
	b := resource.Data("b")
	boom := errors.New("boom")

	secondRan := false
	laterRan := false

	// Two observers share the {a} slot: the first fails after seeding
	// b, the second must still be attempted.
	require.NoError(t, st.Reduce([]resource.Name{b},
		[]resource.Input{resource.In(a)},
		func(s *engine.State, ch resource.Changes) error {
			if len(ch) == 0 {
				return nil
			}
			if err := s.Set(b, 1); err != nil {
				return err
			}
			return boom
		}, "o"))
	require.NoError(t, st.Reduce(nil,
		[]resource.Input{resource.In(a)},
		func(s *engine.State, ch resource.Changes) error {
			if len(ch) == 0 {
				return nil
			}
			secondRan = true
			return nil
		}, "o"))

	// A later-rank slot that would have fired (b became dirty) but must
	// not: the schedule is abandoned after the failing slot.
	require.NoError(t, st.Reduce(nil,
		[]resource.Input{resource.In(b)},
		func(s *engine.State, ch resource.Changes) error {
			if len(ch) == 0 {
				return nil
			}
			laterRan = true
			return nil
		}, "o"))

	err := st.Set(a, 1)
	require.Error(t, err)
	assert.True(t, engine.IsHandlerFailed(err))
	assert.ErrorIs(t, err, boom)

	assert.True(t, secondRan, "all observers of the failing slot are attempted")
	assert.False(t, laterRan, "remainder of the schedule is abandoned")

	// Store bookkeeping survives the abort.
	assert.False(t, st.IsDirty(a))
	assert.False(t, st.IsDirty(b))

	// The next pass runs normally.
	require.NoError(t, st.Set(b, 2))
	assert.True(t, laterRan)
}
