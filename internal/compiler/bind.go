package compiler

import (
	"fmt"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/resource"
)

// Resolver turns a reducer declaration into an executable handler. It
// sees the whole declaration, so a single handler name can produce a
// handler specialized to the reducer's inputs and outputs.
type Resolver func(ReducerDef) (engine.Handler, error)

// StaticHandlers resolves handler names against a fixed map. Handlers
// registered this way close over their own resource names and ignore the
// declaration.
func StaticHandlers(handlers map[string]engine.Handler) Resolver {
	return func(def ReducerDef) (engine.Handler, error) {
		h, ok := handlers[def.Handler]
		if !ok {
			return nil, fmt.Errorf("unknown handler %q", def.Handler)
		}
		return h, nil
	}
}

// Bind registers every reducer of the plan against the state. Registration
// order is plan order, which fixes the equal-rank tiebreak.
//
// A resolver failure aborts the bind; reducers registered before the
// failure stay registered, so callers should treat a bind error as fatal
// for the whole state.
func Bind(st *engine.State, plan *Plan, resolve Resolver) error {
	for i, def := range plan.Reducers {
		h, err := resolve(def)
		if err != nil {
			return fmt.Errorf("bind %s: reducer %d: %w", plan.Name, i, err)
		}

		inputs := make([]resource.Input, 0, len(def.Inputs))
		for _, in := range def.Inputs {
			if in.Path != resource.WholeResource {
				inputs = append(inputs, resource.At(in.Name, in.Path))
			} else {
				inputs = append(inputs, resource.In(in.Name))
			}
		}

		if err := st.Reduce(def.Outputs, inputs, h, def.Owner); err != nil {
			return fmt.Errorf("bind %s: reducer %d (%s): %w", plan.Name, i, def.Handler, err)
		}
	}
	return nil
}
