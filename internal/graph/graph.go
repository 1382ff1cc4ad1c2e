// Package graph computes topological ranks for named resources from
// declared producer→consumer edges, and rejects cyclic declarations.
//
// Rank(name) is 0 for a source (no dependencies) and otherwise
// 1 + max(rank(dep)). The rank table is memoized and invalidated whenever
// an edge is added; recomputation is a depth-first walk with a three-state
// visit marker so a cycle is detected the moment a name is revisited while
// still in progress.
package graph

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cascadehq/cascade/internal/resource"
)

// Sentinel ranks returned for names the graph has never seen. They are
// chosen so an unknown name never becomes the binding constraint: +∞ for
// minimum queries, -1 for maximum queries.
const (
	UnknownMin = math.MaxInt
	UnknownMax = -1
)

// visit markers for cycle detection during rank computation.
const (
	unvisited = iota
	inProgress
	done
)

// Graph is the dependency graph. Not safe for concurrent use; the engine
// mutates and queries it from its single logical thread of control.
type Graph struct {
	deps  map[resource.Name][]resource.Name
	ranks map[resource.Name]int
	valid bool // ranks table is current
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		deps:  make(map[resource.Name][]resource.Name),
		ranks: make(map[resource.Name]int),
	}
}

// AddDependency registers that name's rank must exceed the rank of every
// element of deps. Unknown dependency names are inserted with an empty
// dependency set so later rank lookups never fail silently. The cached
// rank table is invalidated.
//
// Duplicate edges are ignored. A cycle introduced by the new edges is not
// detected here; it surfaces as a *CycleError from the next rank query
// (the engine forces that query at registration time).
func (g *Graph) AddDependency(name resource.Name, deps []resource.Name) {
	existing := g.deps[name]
	for _, dep := range deps {
		if dep == name {
			// Self-edges carry no ordering information and would
			// always read as cycles.
			continue
		}
		if !containsName(existing, dep) {
			existing = append(existing, dep)
		}
		if _, known := g.deps[dep]; !known {
			g.deps[dep] = nil
		}
	}
	g.deps[name] = existing
	g.valid = false
}

// Clone returns a deep copy of the graph. The engine validates new edges
// on a clone so a cyclic registration can be rejected without leaving the
// live graph half-mutated.
func (g *Graph) Clone() *Graph {
	c := New()
	for name, deps := range g.deps {
		if deps == nil {
			c.deps[name] = nil
			continue
		}
		cp := make([]resource.Name, len(deps))
		copy(cp, deps)
		c.deps[name] = cp
	}
	return c
}

// Known reports whether the graph has seen the name, either as a
// dependent or as a dependency.
func (g *Graph) Known(name resource.Name) bool {
	_, ok := g.deps[name]
	return ok
}

// Rank returns the topological rank of name, recomputing the rank table
// if it was invalidated. Unknown names return UnknownMax with no error.
func (g *Graph) Rank(name resource.Name) (int, error) {
	if err := g.ensure(); err != nil {
		return 0, err
	}
	r, ok := g.ranks[name]
	if !ok {
		return UnknownMax, nil
	}
	return r, nil
}

// MinRank returns the smallest rank among names. Unknown names contribute
// the UnknownMin sentinel, so they never bind the result.
func (g *Graph) MinRank(names []resource.Name) (int, error) {
	if err := g.ensure(); err != nil {
		return 0, err
	}
	min := UnknownMin
	for _, n := range names {
		if r, ok := g.ranks[n]; ok && r < min {
			min = r
		}
	}
	return min, nil
}

// MaxRank returns the largest rank among names. Unknown names contribute
// the UnknownMax sentinel, so an input set of only unknown names ranks
// ahead of every known source.
func (g *Graph) MaxRank(names []resource.Name) (int, error) {
	if err := g.ensure(); err != nil {
		return 0, err
	}
	max := UnknownMax
	for _, n := range names {
		if r, ok := g.ranks[n]; ok && r > max {
			max = r
		}
	}
	return max, nil
}

// Recompute forces a full rebuild of the rank table, surfacing any cycle
// immediately. The engine calls this after registering new edges so a
// cyclic declaration fails at registration time, before any propagation.
func (g *Graph) Recompute() error {
	g.valid = false
	return g.ensure()
}

// ensure rebuilds the rank table if it was invalidated.
func (g *Graph) ensure() error {
	if g.valid {
		return nil
	}
	ranks := make(map[resource.Name]int, len(g.deps))
	state := make(map[resource.Name]int, len(g.deps))
	for name := range g.deps {
		if err := g.rankOf(name, ranks, state, nil); err != nil {
			return err
		}
	}
	g.ranks = ranks
	g.valid = true
	return nil
}

// rankOf is the memoized depth-first rank computation. trail carries the
// in-progress chain for error reporting.
func (g *Graph) rankOf(name resource.Name, ranks map[resource.Name]int, state map[resource.Name]int, trail []resource.Name) error {
	switch state[name] {
	case done:
		return nil
	case inProgress:
		return newCycleError(append(trail, name))
	}
	state[name] = inProgress
	trail = append(trail, name)

	rank := 0
	for _, dep := range g.deps[name] {
		if err := g.rankOf(dep, ranks, state, trail); err != nil {
			return err
		}
		if r := ranks[dep] + 1; r > rank {
			rank = r
		}
	}

	ranks[name] = rank
	state[name] = done
	return nil
}

func containsName(names []resource.Name, n resource.Name) bool {
	for _, have := range names {
		if have == n {
			return true
		}
	}
	return false
}

// CycleError reports a cyclic dependency declaration. It is fatal: the
// registration that introduced the cycle must be aborted, never silently
// recovered.
type CycleError struct {
	// Trail is the dependency chain that closed the cycle, ending with
	// the revisited name.
	Trail []resource.Name
}

func newCycleError(trail []resource.Name) *CycleError {
	// Trim the trail to the cycle itself: everything from the first
	// occurrence of the revisited name onward.
	last := trail[len(trail)-1]
	for i, n := range trail[:len(trail)-1] {
		if n == last {
			trail = trail[i:]
			break
		}
	}
	out := make([]resource.Name, len(trail))
	copy(out, trail)
	return &CycleError{Trail: out}
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	parts := make([]string, len(e.Trail))
	for i, n := range e.Trail {
		parts[i] = n.String()
	}
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(parts, " -> "))
}

// IsCycleError returns true if the error is (or wraps) a CycleError.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
