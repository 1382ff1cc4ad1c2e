package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName_String(t *testing.T) {
	assert.Equal(t, "selection", Data("selection").String())
	assert.Equal(t, "ref:document", Ref("document").String())
	assert.Equal(t, "stage:render", Stage("render").String())
}

func TestName_KindsDoNotCollide(t *testing.T) {
	// A stage may share an ID with a data resource; they stay distinct
	// as map keys and as slot key text.
	assert.NotEqual(t, Data("render"), Stage("render"))
	assert.NotEqual(t, Data("render").String(), Stage("render").String())
}

func TestName_IsStage(t *testing.T) {
	assert.True(t, Stage("frame").IsStage())
	assert.False(t, Data("frame").IsStage())
	assert.False(t, Ref("frame").IsStage())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "data", KindData.String())
	assert.Equal(t, "referential", KindReferential.String())
	assert.Equal(t, "stage", KindStage.String())
	assert.Equal(t, "kind(0)", Kind(0).String())
}

func TestInput_Constructors(t *testing.T) {
	in := In(Data("selection"))
	assert.False(t, in.Scoped)
	assert.Equal(t, WholeResource, in.Path)

	at := At(Ref("document"), "title")
	assert.True(t, at.Scoped)
	assert.Equal(t, PathKey("title"), at.Path)
}

func TestPathDiff_AffectedPaths(t *testing.T) {
	d := PathDiff{Paths: []PathKey{"a", "b"}}
	assert.Equal(t, []PathKey{"a", "b"}, d.AffectedPaths())

	var empty PathDiff
	assert.Empty(t, empty.AffectedPaths())
}
