package resource

import "fmt"

// Kind distinguishes the three resource kinds tracked by the engine.
type Kind int

const (
	// KindData is a plain value owned by the store.
	KindData Kind = iota + 1
	// KindReferential is a value mutated in place by an external owner;
	// the store only holds a reference and a per-pass Diff.
	KindReferential
	// KindStage is a zero-payload ordering barrier.
	KindStage
)

// String returns the kind as a lowercase label for logs and traces.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindReferential:
		return "referential"
	case KindStage:
		return "stage"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Name identifies a resource. Names are comparable and used as map keys
// throughout the engine; two names are the same resource only if both ID
// and Kind match.
type Name struct {
	ID   string
	Kind Kind
}

// Data returns the name of a plain data resource.
func Data(id string) Name {
	return Name{ID: id, Kind: KindData}
}

// Ref returns the name of a referential (path-scoped) resource.
func Ref(id string) Name {
	return Name{ID: id, Kind: KindReferential}
}

// Stage returns the name of a stage barrier.
func Stage(id string) Name {
	return Name{ID: id, Kind: KindStage}
}

// IsStage reports whether the name is a stage barrier.
func (n Name) IsStage() bool {
	return n.Kind == KindStage
}

// String returns a stable textual form used for slot keys, traces and logs.
// The kind is part of the key so a stage can share an ID with a data
// resource without colliding.
func (n Name) String() string {
	switch n.Kind {
	case KindReferential:
		return "ref:" + n.ID
	case KindStage:
		return "stage:" + n.ID
	default:
		return n.ID
	}
}

// PathKey addresses a location inside a referential resource, for example
// a node ID in a tree-shaped document. The empty key means the whole
// resource.
type PathKey string

// WholeResource is the PathKey for observers interested in the resource
// as a whole rather than a specific path.
const WholeResource PathKey = ""

// Diff is the structured change report for a referential resource,
// supplied by the resource's owner via SetChange. AffectedPaths must
// return the changed paths in a deterministic order; the engine dispatches
// path-scoped observers in exactly that order.
type Diff interface {
	AffectedPaths() []PathKey
}

// PathDiff is a minimal Diff implementation: a plain list of affected
// paths. Owners with richer change metadata supply their own Diff type.
type PathDiff struct {
	Paths []PathKey
}

// AffectedPaths implements Diff.
func (d PathDiff) AffectedPaths() []PathKey {
	return d.Paths
}
