package journal_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/journal"
	"github.com/cascadehq/cascade/internal/resource"
)

func openTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "trace.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordsPassesAndFirings(t *testing.T) {
	j := openTestJournal(t)
	st := engine.New(
		engine.WithTraceSink(j),
		engine.WithTokenGenerator(engine.NewSequenceGenerator("pass")),
	)

	sel := resource.Data("selection")
	selState := resource.Data("selectionState")
	require.NoError(t, st.Reduce([]resource.Name{selState},
		[]resource.Input{resource.In(sel)},
		func(s *engine.State, ch resource.Changes) error {
			if len(ch) == 0 {
				return nil
			}
			return s.Set(selState, s.Get(sel))
		}, "core"))

	require.NoError(t, st.Set(sel, "s1"))
	require.NoError(t, j.Err())

	ctx := context.Background()
	passes, err := j.Passes(ctx)
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, "pass-1", passes[0].Token)
	assert.True(t, passes[0].Complete)
	assert.Equal(t, 1, passes[0].Fired)
	assert.Greater(t, passes[0].EndSeq, passes[0].BeginSeq)

	firings, err := j.Firings(ctx, "pass-1")
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, "selection", firings[0].Slot)
	assert.Equal(t, 0, firings[0].Rank)
	assert.Equal(t, []string{"selection"}, firings[0].Dirty)
	assert.Empty(t, firings[0].Paths)
}

func TestJournal_PathFiringCarriesPaths(t *testing.T) {
	j := openTestJournal(t)
	st := engine.New(
		engine.WithTraceSink(j),
		engine.WithTokenGenerator(engine.NewSequenceGenerator("pass")),
	)

	doc := resource.Ref("document")
	require.NoError(t, st.SetRef(doc, "tree"))
	require.NoError(t, st.Reduce(nil,
		[]resource.Input{resource.At(doc, "p1")},
		func(*engine.State, resource.Changes) error { return nil }, "ui"))

	require.NoError(t, st.SetChange(doc, resource.PathDiff{Paths: []resource.PathKey{"p1"}}))
	require.NoError(t, j.Err())

	passes, err := j.Passes(context.Background())
	require.NoError(t, err)
	require.Len(t, passes, 1)

	firings, err := j.Firings(context.Background(), passes[0].Token)
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, []string{"p1"}, firings[0].Paths)
}

func TestJournal_IdempotentReplay(t *testing.T) {
	j := openTestJournal(t)

	events := []engine.TraceEvent{
		{Type: engine.TracePassBegin, Pass: "pass-1", Seq: 1},
		{Type: engine.TraceSlotFired, Pass: "pass-1", Seq: 2, Slot: "a", Rank: 0, Dirty: []string{"a"}},
		{Type: engine.TracePassEnd, Pass: "pass-1", Seq: 3, Fired: 1},
	}
	for range 2 {
		for _, ev := range events {
			j.Record(ev)
		}
	}
	require.NoError(t, j.Err())

	passes, err := j.Passes(context.Background())
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, int64(3), passes[0].EndSeq)
	assert.Equal(t, 1, passes[0].Fired)

	firings, err := j.Firings(context.Background(), "pass-1")
	require.NoError(t, err)
	require.Len(t, firings, 1)
}

func TestJournal_LastSeq(t *testing.T) {
	j := openTestJournal(t)

	seq, err := j.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	j.Record(engine.TraceEvent{Type: engine.TracePassBegin, Pass: "pass-1", Seq: 1})
	j.Record(engine.TraceEvent{Type: engine.TraceSlotFired, Pass: "pass-1", Seq: 2, Slot: "a"})
	j.Record(engine.TraceEvent{Type: engine.TracePassEnd, Pass: "pass-1", Seq: 3})
	require.NoError(t, j.Err())

	seq, err = j.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestJournal_IncompletePassVisible(t *testing.T) {
	j := openTestJournal(t)

	j.Record(engine.TraceEvent{Type: engine.TracePassBegin, Pass: "pass-1", Seq: 1})
	require.NoError(t, j.Err())

	passes, err := j.Passes(context.Background())
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.False(t, passes[0].Complete)
}
