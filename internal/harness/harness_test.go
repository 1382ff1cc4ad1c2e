package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/engine"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	return s
}

func TestRun_CopyChain(t *testing.T) {
	scenario := loadTestScenario(t, "copy_chain.yaml")

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Passed, "assertion failures: %v", result.Errors)
}

func TestRun_PathDispatch(t *testing.T) {
	scenario := loadTestScenario(t, "path_dispatch.yaml")

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Passed, "assertion failures: %v", result.Errors)
}

func TestRun_StageBarrier(t *testing.T) {
	scenario := loadTestScenario(t, "stage_barrier.yaml")

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Passed, "assertion failures: %v", result.Errors)
}

func TestRun_Merge(t *testing.T) {
	scenario := loadTestScenario(t, "merge.yaml")

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Passed, "assertion failures: %v", result.Errors)
}

func TestRun_GoldenCopyChain(t *testing.T) {
	scenario := loadTestScenario(t, "copy_chain.yaml")

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Passed, "assertion failures: %v", result.Errors)
}

func TestRun_CallerOptionsOverrideDefaults(t *testing.T) {
	// Replay verification aligns the engine with a recorded session by
	// passing its own clock and token generator; both must win over the
	// harness defaults.
	scenario := loadTestScenario(t, "copy_chain.yaml")

	result, err := Run(scenario,
		engine.WithClock(engine.NewClockAt(100)),
		engine.WithTokenGenerator(engine.NewFixedGenerator("session-7")),
	)
	require.NoError(t, err)
	require.True(t, result.Passed, "assertion failures: %v", result.Errors)

	require.NotEmpty(t, result.Trace)
	assert.Equal(t, "session-7", result.Trace[0].Pass)
	assert.Equal(t, int64(101), result.Trace[0].Seq)
}

func TestRun_FailingAssertionReported(t *testing.T) {
	scenario := loadTestScenario(t, "copy_chain.yaml")
	scenario.Assertions = append(scenario.Assertions, Assertion{
		Type: AssertNotFired,
		Slot: "selection",
	})

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `slot "selection" fired`)
}

func TestRun_IsDeterministic(t *testing.T) {
	scenario := loadTestScenario(t, "stage_barrier.yaml")

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
}

func TestLoadScenario_UnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: bad
description: typo in assertions key
pipeline: nowhere.cue
steps:
  - op: set
    resource: a
    value: 1
assertion:
  - type: fired
    slot: a
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
}

func TestLoadScenario_Validation(t *testing.T) {
	dir := t.TempDir()
	pipeline := filepath.Join(dir, "p.cue")
	require.NoError(t, os.WriteFile(pipeline, []byte(`
		pipeline: {
			name: "p"
			resources: { a: "data" }
			reducers: [{handler: "record", inputs: [{resource: "a"}]}]
		}
	`), 0o644))

	write := func(body string) string {
		path := filepath.Join(dir, "s.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	// Step with an unknown op.
	_, err := LoadScenario(write(`
name: s
pipeline: p.cue
steps:
  - op: frobnicate
    resource: a
assertions:
  - type: fired
    slot: a
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown op "frobnicate"`)

	// Order assertion with a single slot.
	_, err = LoadScenario(write(`
name: s
pipeline: p.cue
steps:
  - op: set
    resource: a
    value: 1
assertions:
  - type: order
    slots: [a]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two slots")

	// Missing pipeline file.
	_, err = LoadScenario(write(`
name: s
pipeline: missing.cue
steps:
  - op: set
    resource: a
    value: 1
assertions:
  - type: fired
    slot: a
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline file not found")
}

func TestEvaluateAssertions_TraceOnly(t *testing.T) {
	result := &Result{
		Trace: []engine.TraceEvent{
			{Type: engine.TracePassBegin, Pass: "pass-1", Seq: 1},
			{Type: engine.TraceSlotFired, Pass: "pass-1", Seq: 2, Slot: "a"},
			{Type: engine.TraceSlotFired, Pass: "pass-1", Seq: 3, Slot: "b"},
			{Type: engine.TraceSlotFired, Pass: "pass-1", Seq: 4, Slot: "a"},
			{Type: engine.TracePassEnd, Pass: "pass-1", Seq: 5, Fired: 3},
		},
	}

	failures := EvaluateAssertions(result, []Assertion{
		{Type: AssertFired, Slot: "a"},
		{Type: AssertCount, Slot: "a", Count: 2},
		{Type: AssertOrder, Slots: []string{"a", "b", "a"}},
		{Type: AssertNotFired, Slot: "c"},
	}, nil)
	assert.Empty(t, failures)

	failures = EvaluateAssertions(result, []Assertion{
		{Type: AssertOrder, Slots: []string{"b", "b"}},
		{Type: AssertCount, Slot: "b", Count: 2},
	}, nil)
	assert.Len(t, failures, 2)
}
