package harness

import (
	"fmt"

	"github.com/cascadehq/cascade/internal/compiler"
	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/resource"
)

// Builtins resolves the named handlers scenarios may reference, so a
// pipeline is executable without any Go code:
//
//   - "record": fires and does nothing; useful as a pure observer (the
//     firing itself lands in the trace).
//   - "copy": copies the current value of the first declared non-stage
//     input to every output.
//   - "touch": writes an incrementing counter to every output; turns
//     "this slot ran" into an observable value change.
//   - "merge": extends every map-valued output with {inputID: value} for
//     each changed input.
//
// Builtins skip their seed execution; they only act on real changes.
func Builtins() compiler.Resolver {
	return func(def compiler.ReducerDef) (engine.Handler, error) {
		switch def.Handler {
		case "record":
			return func(*engine.State, resource.Changes) error { return nil }, nil

		case "copy":
			src, ok := firstNonStageInput(def)
			if !ok {
				return nil, fmt.Errorf("copy requires at least one non-stage input")
			}
			outputs := dataOutputs(def)
			if len(outputs) == 0 {
				return nil, fmt.Errorf("copy requires at least one non-stage output")
			}
			return func(s *engine.State, ch resource.Changes) error {
				if len(ch) == 0 {
					return nil
				}
				v := s.Get(src)
				for _, out := range outputs {
					if err := s.Set(out, v); err != nil {
						return err
					}
				}
				return nil
			}, nil

		case "touch":
			outputs := dataOutputs(def)
			if len(outputs) == 0 {
				return nil, fmt.Errorf("touch requires at least one non-stage output")
			}
			n := 0
			return func(s *engine.State, ch resource.Changes) error {
				if len(ch) == 0 {
					return nil
				}
				n++
				for _, out := range outputs {
					if err := s.Set(out, n); err != nil {
						return err
					}
				}
				return nil
			}, nil

		case "merge":
			outputs := dataOutputs(def)
			if len(outputs) == 0 {
				return nil, fmt.Errorf("merge requires at least one non-stage output")
			}
			return func(s *engine.State, ch resource.Changes) error {
				if len(ch) == 0 {
					return nil
				}
				fields := make(map[string]any, len(ch))
				for name := range ch {
					fields[name.ID] = s.Get(name)
				}
				for _, out := range outputs {
					if err := s.Extend(out, fields); err != nil {
						return err
					}
				}
				return nil
			}, nil

		default:
			return nil, fmt.Errorf("unknown builtin handler %q", def.Handler)
		}
	}
}

// dataOutputs filters stage barriers out of the declared outputs. Stage
// outputs only order the reducer; builtins never write to them.
func dataOutputs(def compiler.ReducerDef) []resource.Name {
	var out []resource.Name
	for _, o := range def.Outputs {
		if !o.IsStage() {
			out = append(out, o)
		}
	}
	return out
}

func firstNonStageInput(def compiler.ReducerDef) (resource.Name, bool) {
	for _, in := range def.Inputs {
		if !in.Name.IsStage() {
			return in.Name, true
		}
	}
	return resource.Name{}, false
}
