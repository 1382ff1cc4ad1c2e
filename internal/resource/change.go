package resource

// Input is a reducer input spec: a resource name, optionally scoped to a
// path inside a referential resource.
//
// A scoped input registers the handler for exactly one path; it only
// fires when a Diff reports that path as affected. Scoping a non
// referential resource is a registration error.
type Input struct {
	Name   Name
	Path   PathKey
	Scoped bool
}

// In returns an unscoped input for the given resource.
func In(n Name) Input {
	return Input{Name: n}
}

// At returns an input scoped to a single path of a referential resource.
func At(n Name, p PathKey) Input {
	return Input{Name: n, Path: p, Scoped: true}
}

// Change describes one dirty input as seen by a handler during a pass.
//
// For data resources Old holds the value before the pass. For referential
// resources Diff holds the owner-reported change; Path is set when the
// handler was registered for a specific path and names the affected path
// that triggered this invocation.
type Change struct {
	Old  any
	Diff Diff
	Path PathKey
}

// Changes maps each dirty declared input to its change payload. Inputs
// that were not dirty this pass are absent; handlers must not infer
// dirtiness of resources they did not declare.
type Changes map[Name]Change
