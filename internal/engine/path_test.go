package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/resource"
	"github.com/cascadehq/cascade/internal/testutil"
)

func setupDocument(t *testing.T, st *engine.State, rec *testutil.Recorder) resource.Name {
	t.Helper()
	doc := resource.Ref("document")
	require.NoError(t, st.SetRef(doc, map[string]string{"p1": "one", "p2": "two"}))

	require.NoError(t, st.Reduce(nil,
		[]resource.Input{resource.At(doc, "p1")},
		rec.Handler("at-p1", doc), "o"))
	require.NoError(t, st.Reduce(nil,
		[]resource.Input{resource.At(doc, "p2")},
		rec.Handler("at-p2", doc), "o"))
	require.NoError(t, st.Reduce(nil,
		[]resource.Input{resource.In(doc)},
		rec.Handler("whole", doc), "o"))

	rec.Reset() // drop seed invocations
	return doc
}

func TestPathSlot_DispatchesOnlyAffectedPaths(t *testing.T) {
	st := engine.New()
	rec := testutil.NewRecorder()
	doc := setupDocument(t, st, rec)

	require.NoError(t, st.SetChange(doc, resource.PathDiff{Paths: []resource.PathKey{"p1"}}))

	labels := rec.Labels()
	assert.Equal(t, []string{"at-p1", "whole"}, labels)

	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, resource.PathKey("p1"), calls[0].Path)
	assert.Equal(t, resource.WholeResource, calls[1].Path)
}

func TestPathSlot_WholeResourceObserverOncePerPass(t *testing.T) {
	st := engine.New()
	rec := testutil.NewRecorder()
	doc := setupDocument(t, st, rec)

	// Two affected paths: each path observer once, whole observer once.
	require.NoError(t, st.SetChange(doc, resource.PathDiff{Paths: []resource.PathKey{"p1", "p2"}}))

	assert.Equal(t, []string{"at-p1", "at-p2", "whole"}, rec.Labels())
}

func TestPathSlot_UnregisteredPathSkipped(t *testing.T) {
	st := engine.New()
	rec := testutil.NewRecorder()
	doc := setupDocument(t, st, rec)

	require.NoError(t, st.SetChange(doc, resource.PathDiff{Paths: []resource.PathKey{"p3"}}))

	// No observer for p3; only the whole-resource observer runs.
	assert.Equal(t, []string{"whole"}, rec.Labels())
}

func TestPathSlot_DiffOrderIsDispatchOrder(t *testing.T) {
	st := engine.New()
	rec := testutil.NewRecorder()
	doc := setupDocument(t, st, rec)

	require.NoError(t, st.SetChange(doc, resource.PathDiff{Paths: []resource.PathKey{"p2", "p1"}}))

	assert.Equal(t, []string{"at-p2", "at-p1", "whole"}, rec.Labels())
}

func TestPathSlot_RepeatedPathDispatchesOnce(t *testing.T) {
	st := engine.New()
	rec := testutil.NewRecorder()
	doc := setupDocument(t, st, rec)

	// An owner may report the same key several times in one diff; the
	// diff is a set, so p1's observer still runs exactly once.
	require.NoError(t, st.SetChange(doc, resource.PathDiff{Paths: []resource.PathKey{"p1", "p1", "p2", "p1"}}))

	assert.Equal(t, []string{"at-p1", "at-p2", "whole"}, rec.Labels())
}

func TestPathSlot_WholeValueReplacementSkipsPathObservers(t *testing.T) {
	st := engine.New()
	rec := testutil.NewRecorder()
	doc := setupDocument(t, st, rec)

	// Replacing the reference wholesale carries no diff; only
	// whole-resource observers can meaningfully react.
	require.NoError(t, st.Set(doc, map[string]string{"p1": "new"}))

	assert.Equal(t, []string{"whole"}, rec.Labels())
}

func TestPathSlot_DiffVisibleToValueSlots(t *testing.T) {
	// A referential resource in a multi-input set behaves as a plain
	// whole-resource dependency; the diff still rides on the change.
	st := engine.New()
	doc := resource.Ref("document")
	sel := resource.Data("selection")
	require.NoError(t, st.SetRef(doc, "tree"))

	var seen resource.Diff
	require.NoError(t, st.Reduce(nil,
		[]resource.Input{resource.In(doc), resource.In(sel)},
		func(s *engine.State, ch resource.Changes) error {
			if c, ok := ch[doc]; ok {
				seen = c.Diff
			}
			return nil
		}, "o"))

	diff := resource.PathDiff{Paths: []resource.PathKey{"p9"}}
	require.NoError(t, st.SetChange(doc, diff))

	require.NotNil(t, seen)
	assert.Equal(t, []resource.PathKey{"p9"}, seen.AffectedPaths())
}
