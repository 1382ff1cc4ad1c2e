// Package compiler turns declarative CUE pipeline definitions into plans
// the engine can register. A pipeline names its resources, stages and
// reducers; handlers are referenced by name and resolved at bind time.
package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/cascadehq/cascade/internal/resource"
)

// ResourceDef declares one resource of the pipeline.
type ResourceDef struct {
	Name string
	Kind resource.Kind
}

// InputDef is one declared reducer input.
type InputDef struct {
	Name resource.Name
	// Path narrows a referential input to one location; empty means the
	// whole resource.
	Path resource.PathKey
}

// ReducerDef is one declared reducer: a named handler bound to inputs
// and outputs.
type ReducerDef struct {
	Owner   string
	Handler string
	Inputs  []InputDef
	Outputs []resource.Name
}

// Plan is a compiled pipeline. Reducer order is source order; the engine
// uses registration order as the equal-rank tiebreak, so source order is
// part of the plan's meaning.
type Plan struct {
	Name      string
	Resources []ResourceDef
	Stages    []string
	Reducers  []ReducerDef
}

// CompileFile reads and compiles a pipeline definition from a CUE file.
func CompileFile(path string) (*Plan, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(path))
	return Compile(v.LookupPath(cue.ParsePath("pipeline")))
}

// Compile parses a CUE value into a Plan.
// Uses the CUE SDK's Go API directly (not a CLI subprocess).
//
// The CUE value should be the pipeline struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`pipeline: { ... }`)
//	plan, err := Compile(v.LookupPath(cue.ParsePath("pipeline")))
func Compile(v cue.Value) (*Plan, error) {
	if !v.Exists() {
		return nil, &CompileError{
			Field:   "pipeline",
			Message: "pipeline struct is required",
		}
	}
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	plan := &Plan{}

	nameVal := v.LookupPath(cue.ParsePath("name"))
	if !nameVal.Exists() {
		return nil, &CompileError{
			Field:   "name",
			Message: "pipeline name is required",
			Pos:     v.Pos(),
		}
	}
	name, err := nameVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	plan.Name = name

	if plan.Resources, err = parseResources(v); err != nil {
		return nil, err
	}
	if plan.Stages, err = parseStages(v); err != nil {
		return nil, err
	}
	if plan.Reducers, err = parseReducers(v, plan); err != nil {
		return nil, err
	}
	if len(plan.Reducers) == 0 {
		return nil, &CompileError{
			Field:   "reducers",
			Message: "at least one reducer is required",
			Pos:     v.Pos(),
		}
	}

	return plan, nil
}

// parseResources reads the resources struct: field name is the resource
// ID, field value is the kind label ("data" or "referential").
func parseResources(v cue.Value) ([]ResourceDef, error) {
	resVal := v.LookupPath(cue.ParsePath("resources"))
	if !resVal.Exists() {
		return nil, &CompileError{
			Field:   "resources",
			Message: "at least one resource is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := resVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []ResourceDef
	seen := make(map[string]bool)
	for iter.Next() {
		id := iter.Label()
		if seen[id] {
			return nil, &CompileError{
				Field:   fmt.Sprintf("resources.%s", id),
				Message: "duplicate resource",
				Pos:     iter.Value().Pos(),
			}
		}
		seen[id] = true

		kindLabel, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var kind resource.Kind
		switch kindLabel {
		case "data":
			kind = resource.KindData
		case "referential":
			kind = resource.KindReferential
		default:
			return nil, &CompileError{
				Field:   fmt.Sprintf("resources.%s", id),
				Message: fmt.Sprintf("unknown kind %q (want data or referential)", kindLabel),
				Pos:     iter.Value().Pos(),
			}
		}
		defs = append(defs, ResourceDef{Name: id, Kind: kind})
	}
	return defs, nil
}

// parseStages reads the optional stages list.
func parseStages(v cue.Value) ([]string, error) {
	stagesVal := v.LookupPath(cue.ParsePath("stages"))
	if !stagesVal.Exists() {
		return nil, nil
	}

	iter, err := stagesVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var stages []string
	seen := make(map[string]bool)
	for iter.Next() {
		name, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if seen[name] {
			return nil, &CompileError{
				Field:   "stages",
				Message: fmt.Sprintf("duplicate stage %q", name),
				Pos:     iter.Value().Pos(),
			}
		}
		seen[name] = true
		stages = append(stages, name)
	}
	return stages, nil
}

// parseReducers reads the reducers list and resolves every referenced
// name against the declared resources and stages.
func parseReducers(v cue.Value, plan *Plan) ([]ReducerDef, error) {
	redVal := v.LookupPath(cue.ParsePath("reducers"))
	if !redVal.Exists() {
		return nil, nil
	}

	iter, err := redVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []ReducerDef
	for i := 0; iter.Next(); i++ {
		def, err := parseReducer(iter.Value(), plan, i)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parseReducer(v cue.Value, plan *Plan, idx int) (ReducerDef, error) {
	var def ReducerDef

	field := func(name string) string {
		return fmt.Sprintf("reducers[%d].%s", idx, name)
	}

	handlerVal := v.LookupPath(cue.ParsePath("handler"))
	if !handlerVal.Exists() {
		return def, &CompileError{
			Field:   field("handler"),
			Message: "handler name is required",
			Pos:     v.Pos(),
		}
	}
	handler, err := handlerVal.String()
	if err != nil {
		return def, formatCUEError(err)
	}
	if handler == "" {
		return def, &CompileError{
			Field:   field("handler"),
			Message: "handler name must not be empty",
			Pos:     handlerVal.Pos(),
		}
	}
	def.Handler = handler

	ownerVal := v.LookupPath(cue.ParsePath("owner"))
	if ownerVal.Exists() {
		if def.Owner, err = ownerVal.String(); err != nil {
			return def, formatCUEError(err)
		}
	} else {
		def.Owner = "pipeline"
	}

	inputsVal := v.LookupPath(cue.ParsePath("inputs"))
	if inputsVal.Exists() {
		inIter, err := inputsVal.List()
		if err != nil {
			return def, formatCUEError(err)
		}
		for inIter.Next() {
			in, err := parseInput(inIter.Value(), plan, field("inputs"))
			if err != nil {
				return def, err
			}
			def.Inputs = append(def.Inputs, in)
		}
	}

	outputsVal := v.LookupPath(cue.ParsePath("outputs"))
	if outputsVal.Exists() {
		outIter, err := outputsVal.List()
		if err != nil {
			return def, formatCUEError(err)
		}
		for outIter.Next() {
			id, err := outIter.Value().String()
			if err != nil {
				return def, formatCUEError(err)
			}
			name, ok := plan.Lookup(id)
			if !ok && plan.hasStage(id) {
				// A stage output orders the reducer ahead of the
				// stage barrier; it carries no value.
				name, ok = resource.Stage(id), true
			}
			if !ok {
				return def, &CompileError{
					Field:   field("outputs"),
					Message: fmt.Sprintf("undeclared resource or stage %q", id),
					Pos:     outIter.Value().Pos(),
				}
			}
			def.Outputs = append(def.Outputs, name)
		}
	}

	if len(def.Inputs) == 0 && len(def.Outputs) == 0 {
		return def, &CompileError{
			Field:   fmt.Sprintf("reducers[%d]", idx),
			Message: "reducer needs at least one input or output",
			Pos:     v.Pos(),
		}
	}
	return def, nil
}

// parseInput reads one input item: {resource: "id"}, {resource: "id",
// path: "p"}, or {stage: "name"}.
func parseInput(v cue.Value, plan *Plan, field string) (InputDef, error) {
	var in InputDef

	stageVal := v.LookupPath(cue.ParsePath("stage"))
	if stageVal.Exists() {
		stageName, err := stageVal.String()
		if err != nil {
			return in, formatCUEError(err)
		}
		if !plan.hasStage(stageName) {
			return in, &CompileError{
				Field:   field,
				Message: fmt.Sprintf("undeclared stage %q", stageName),
				Pos:     stageVal.Pos(),
			}
		}
		in.Name = resource.Stage(stageName)
		return in, nil
	}

	resVal := v.LookupPath(cue.ParsePath("resource"))
	if !resVal.Exists() {
		return in, &CompileError{
			Field:   field,
			Message: "input needs a resource or stage reference",
			Pos:     v.Pos(),
		}
	}
	id, err := resVal.String()
	if err != nil {
		return in, formatCUEError(err)
	}
	name, ok := plan.Lookup(id)
	if !ok {
		return in, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("undeclared resource %q", id),
			Pos:     resVal.Pos(),
		}
	}
	in.Name = name

	pathVal := v.LookupPath(cue.ParsePath("path"))
	if pathVal.Exists() {
		p, err := pathVal.String()
		if err != nil {
			return in, formatCUEError(err)
		}
		if name.Kind != resource.KindReferential {
			return in, &CompileError{
				Field:   field,
				Message: fmt.Sprintf("path scoping requires a referential resource, %q is %s", id, name.Kind),
				Pos:     pathVal.Pos(),
			}
		}
		in.Path = resource.PathKey(p)
	}
	return in, nil
}

// Lookup resolves a declared resource ID to its full name.
func (p *Plan) Lookup(id string) (resource.Name, bool) {
	for _, def := range p.Resources {
		if def.Name == id {
			return resource.Name{ID: def.Name, Kind: def.Kind}, true
		}
	}
	return resource.Name{}, false
}

func (p *Plan) hasStage(name string) bool {
	for _, s := range p.Stages {
		if s == name {
			return true
		}
	}
	return false
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := cueerrors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
