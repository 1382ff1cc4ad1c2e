// Package harness executes declarative conformance scenarios against the
// propagation engine.
//
// A scenario names a CUE pipeline, a sequence of external writes and a
// list of assertions. The harness compiles the pipeline, binds its
// reducers to builtin handlers, replays the writes and evaluates the
// assertions against the collected trace and the final store state.
//
// Every run uses a sequence token generator and a fresh logical clock, so
// the same scenario always produces a byte-identical canonical trace.
// Golden files build on that property.
package harness

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"

	"github.com/cascadehq/cascade/internal/compiler"
	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/resource"
	"github.com/cascadehq/cascade/internal/testutil"
)

// Result is the outcome of one scenario run.
type Result struct {
	Scenario string
	Trace    []engine.TraceEvent
	State    *engine.State

	// Errors lists assertion failures. A run with step or compile
	// failures never produces a Result; those surface as errors from Run.
	Errors []string
	Passed bool
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh engine for isolation. Execution:
//  1. Compile the pipeline definition
//  2. Install an empty document for every referential resource
//  3. Bind reducers to builtin handlers
//  4. Execute steps in order, one propagation per step
//  5. Evaluate assertions against trace and final state
//
// Extra engine options are applied after the harness defaults, so a
// caller may override the clock or token generator (replay verification
// aligns both with a recorded journal) but not the trace sink.
func Run(scenario *Scenario, opts ...engine.Option) (*Result, error) {
	plan, err := compiler.CompileFile(scenario.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pipeline: %w", err)
	}

	sink := testutil.NewCollectingSink()
	engineOpts := append([]engine.Option{
		engine.WithTraceSink(sink),
		engine.WithTokenGenerator(engine.NewSequenceGenerator("pass")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), // suppress logs in tests
	}, opts...)
	st := engine.New(engineOpts...)

	// Referential resources are owned outside the store; the harness
	// stands in as their owner with an empty document each.
	for _, def := range plan.Resources {
		if def.Kind == resource.KindReferential {
			if err := st.SetRef(resource.Ref(def.Name), map[string]any{}); err != nil {
				return nil, fmt.Errorf("failed to install referential resource %q: %w", def.Name, err)
			}
		}
	}

	if err := compiler.Bind(st, plan, Builtins()); err != nil {
		return nil, fmt.Errorf("failed to bind pipeline: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := executeStep(st, plan, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s %s): %w", i, step.Op, step.Resource, err)
		}
	}

	result := &Result{
		Scenario: scenario.Name,
		Trace:    sink.Events(),
		State:    st,
	}
	result.Errors = EvaluateAssertions(result, scenario.Assertions, plan)
	result.Passed = len(result.Errors) == 0
	return result, nil
}

// executeStep applies one external write.
func executeStep(st *engine.State, plan *compiler.Plan, step Step) error {
	name, ok := plan.Lookup(step.Resource)
	if !ok {
		return fmt.Errorf("undeclared resource %q", step.Resource)
	}

	switch step.Op {
	case OpSet:
		return st.Set(name, step.Value)
	case OpChange:
		paths := make([]resource.PathKey, len(step.Paths))
		for i, p := range step.Paths {
			paths[i] = resource.PathKey(p)
		}
		return st.SetChange(name, resource.PathDiff{Paths: paths})
	case OpExtend:
		return st.Extend(name, step.Fields)
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

// EvaluateAssertions checks every assertion against the result and
// returns one message per failure. An empty slice means all passed.
func EvaluateAssertions(result *Result, assertions []Assertion, plan *compiler.Plan) []string {
	fired := firedSlots(result.Trace)

	var failures []string
	for i, a := range assertions {
		if msg := evaluateAssertion(result, plan, fired, a); msg != "" {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %s", i, msg))
		}
	}
	return failures
}

func evaluateAssertion(result *Result, plan *compiler.Plan, fired []string, a Assertion) string {
	switch a.Type {
	case AssertFired:
		if countSlot(fired, a.Slot) == 0 {
			return fmt.Sprintf("slot %q never fired (fired: %v)", a.Slot, fired)
		}
	case AssertNotFired:
		if n := countSlot(fired, a.Slot); n > 0 {
			return fmt.Sprintf("slot %q fired %d time(s), expected none", a.Slot, n)
		}
	case AssertCount:
		if n := countSlot(fired, a.Slot); n != a.Count {
			return fmt.Sprintf("slot %q fired %d time(s), expected %d", a.Slot, n, a.Count)
		}
	case AssertOrder:
		if !inOrder(fired, a.Slots) {
			return fmt.Sprintf("slots did not fire in order %v (fired: %v)", a.Slots, fired)
		}
	case AssertFinalValue:
		name, ok := plan.Lookup(a.Resource)
		if !ok {
			return fmt.Sprintf("undeclared resource %q", a.Resource)
		}
		got := result.State.Get(name)
		if !reflect.DeepEqual(got, a.Value) {
			return fmt.Sprintf("resource %q = %v, expected %v", a.Resource, got, a.Value)
		}
	}
	return ""
}

// firedSlots extracts the slot keys of every firing, in trace order.
func firedSlots(events []engine.TraceEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == engine.TraceSlotFired {
			out = append(out, ev.Slot)
		}
	}
	return out
}

func countSlot(fired []string, slot string) int {
	n := 0
	for _, s := range fired {
		if s == slot {
			n++
		}
	}
	return n
}

// inOrder reports whether want appears as a subsequence of fired.
func inOrder(fired, want []string) bool {
	i := 0
	for _, s := range fired {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}
