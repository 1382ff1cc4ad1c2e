package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/resource"
)

func compilePipeline(t *testing.T, src string) (*Plan, error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	require.NoError(t, v.Err())
	return Compile(v.LookupPath(cue.ParsePath("pipeline")))
}

func TestCompileBasic(t *testing.T) {
	plan, err := compilePipeline(t, `
		pipeline: {
			name: "editor-core"

			resources: {
				selection:      "data"
				selectionState: "data"
				document:       "referential"
			}

			stages: ["render"]

			reducers: [
				{
					owner:   "core"
					handler: "copy"
					inputs: [{resource: "selection"}]
					outputs: ["selectionState"]
				},
				{
					owner:   "ui"
					handler: "record"
					inputs: [
						{resource: "document", path: "title"},
					]
				},
				{
					handler: "record"
					inputs: [{stage: "render"}]
				},
			]
		}
	`)
	require.NoError(t, err)

	assert.Equal(t, "editor-core", plan.Name)
	require.Len(t, plan.Resources, 3)
	assert.Equal(t, ResourceDef{Name: "selection", Kind: resource.KindData}, plan.Resources[0])
	assert.Equal(t, ResourceDef{Name: "document", Kind: resource.KindReferential}, plan.Resources[2])
	assert.Equal(t, []string{"render"}, plan.Stages)

	require.Len(t, plan.Reducers, 3)
	assert.Equal(t, "core", plan.Reducers[0].Owner)
	assert.Equal(t, "copy", plan.Reducers[0].Handler)
	assert.Equal(t, []resource.Name{resource.Data("selectionState")}, plan.Reducers[0].Outputs)

	assert.Equal(t, resource.Ref("document"), plan.Reducers[1].Inputs[0].Name)
	assert.Equal(t, resource.PathKey("title"), plan.Reducers[1].Inputs[0].Path)

	// Omitted owner falls back to the default.
	assert.Equal(t, "pipeline", plan.Reducers[2].Owner)
	assert.Equal(t, resource.Stage("render"), plan.Reducers[2].Inputs[0].Name)
}

func TestCompileMissingName(t *testing.T) {
	_, err := compilePipeline(t, `
		pipeline: {
			resources: { a: "data" }
			reducers: [{handler: "record", inputs: [{resource: "a"}]}]
		}
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
	assert.Contains(t, err.Error(), "required")
}

func TestCompileUnknownKind(t *testing.T) {
	_, err := compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { a: "blob" }
			reducers: [{handler: "record", inputs: [{resource: "a"}]}]
		}
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestCompileUndeclaredReferences(t *testing.T) {
	_, err := compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { a: "data" }
			reducers: [{handler: "record", inputs: [{resource: "missing"}]}]
		}
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared resource "missing"`)

	_, err = compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { a: "data" }
			reducers: [{handler: "record", inputs: [{stage: "missing"}]}]
		}
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared stage "missing"`)

	_, err = compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { a: "data" }
			reducers: [{handler: "record", inputs: [{resource: "a"}], outputs: ["missing"]}]
		}
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared resource or stage "missing"`)
}

func TestCompileStageOutput(t *testing.T) {
	plan, err := compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { selection: "data" }
			stages: ["render"]
			reducers: [
				{handler: "record", inputs: [{resource: "selection"}], outputs: ["render"]},
			]
		}
	`)
	require.NoError(t, err)
	assert.Equal(t, []resource.Name{resource.Stage("render")}, plan.Reducers[0].Outputs)
}

func TestCompilePathOnDataResourceRejected(t *testing.T) {
	_, err := compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { a: "data" }
			reducers: [{handler: "record", inputs: [{resource: "a", path: "p1"}]}]
		}
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path scoping requires a referential resource")
}

func TestCompileEmptyReducerRejected(t *testing.T) {
	_, err := compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { a: "data" }
			reducers: [{handler: "record"}]
		}
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one input or output")
}

func TestCompileErrorCarriesPosition(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		pipeline: {
			name: "p"
			resources: { a: "blob" }
			reducers: [{handler: "record", inputs: [{resource: "a"}]}]
		}
	`, cue.Filename("bad.cue"))
	require.NoError(t, v.Err())

	_, err := Compile(v.LookupPath(cue.ParsePath("pipeline")))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Pos.IsValid())
	assert.Contains(t, err.Error(), "bad.cue")
}

func TestCompileFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
		pipeline: {
			name: "from-file"
			resources: { a: "data", b: "data" }
			reducers: [
				{handler: "copy", inputs: [{resource: "a"}], outputs: ["b"]},
			]
		}
	`), 0o644))

	plan, err := CompileFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", plan.Name)
	require.Len(t, plan.Reducers, 1)
}

func TestBindRegistersReducers(t *testing.T) {
	plan, err := compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { a: "data", b: "data" }
			reducers: [
				{handler: "copy-ab", inputs: [{resource: "a"}], outputs: ["b"]},
			]
		}
	`)
	require.NoError(t, err)

	st := engine.New()
	a := resource.Data("a")
	b := resource.Data("b")
	handlers := map[string]engine.Handler{
		"copy-ab": func(s *engine.State, ch resource.Changes) error {
			if len(ch) == 0 {
				return nil
			}
			return s.Set(b, s.Get(a))
		},
	}
	require.NoError(t, Bind(st, plan, StaticHandlers(handlers)))

	require.NoError(t, st.Set(a, 42))
	assert.Equal(t, 42, st.Get(b))
}

func TestBindUnknownHandler(t *testing.T) {
	plan, err := compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { a: "data" }
			reducers: [{handler: "nope", inputs: [{resource: "a"}]}]
		}
	`)
	require.NoError(t, err)

	err = Bind(engine.New(), plan, StaticHandlers(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown handler "nope"`)
}

func TestBindCyclicPlanRejected(t *testing.T) {
	plan, err := compilePipeline(t, `
		pipeline: {
			name: "p"
			resources: { a: "data", b: "data" }
			reducers: [
				{handler: "noop", inputs: [{resource: "a"}], outputs: ["b"]},
				{handler: "noop", inputs: [{resource: "b"}], outputs: ["a"]},
			]
		}
	`)
	require.NoError(t, err)

	noop := func(*engine.State, resource.Changes) error { return nil }
	err = Bind(engine.New(), plan, StaticHandlers(map[string]engine.Handler{"noop": noop}))
	require.Error(t, err)
	assert.True(t, engine.IsCyclicDependency(err))
}
