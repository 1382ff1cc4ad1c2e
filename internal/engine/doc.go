// Package engine implements the cascade propagation engine.
//
// The engine keeps a set of derived values consistent with a set of
// mutable input resources, recomputing only what is reachable from what
// changed, in a deterministic topological order, with path-scoped
// invalidation for tree-shaped inputs.
//
// ARCHITECTURE:
//
// Single-threaded, cooperative, synchronous. A write to the store
// (Set/SetChange/Extend) marks the resource dirty and runs a propagation
// pass to completion before returning. There is no background goroutine
// and no asynchronous suspension inside the engine.
//
// One pass:
//  1. If no cached schedule exists, sort all known slots by ascending
//     rank (ties broken by registration order).
//  2. Visit slots in schedule order; a slot fires when at least one of
//     its non-stage inputs is dirty. Non-triggering slots are skipped
//     entirely and charged no cost.
//  3. A fired slot invokes its observers' handlers with the change
//     payloads for its dirty inputs; path-scoped slots dispatch only to
//     observers of paths the diff actually affected.
//  4. Handler writes to resources whose rank is still ahead join the
//     same pass; writes at or behind the cursor's rank are deferred to
//     an automatic follow-up pass (bounded by a cascade quota).
//  5. Dirty flags and change payloads are cleared atomically when the
//     pass completes.
//
// Ordering guarantees: within one pass, slots execute in non-decreasing
// rank order, so a slot at rank r observes the settled values of every
// resource at rank < r. Two runs with the same registration order and the
// same write sequence produce identical handler invocation sequences.
//
// No randomness, no concurrency, no wall-clock ordering: trace events are
// stamped by a monotonic logical clock and correlated by pass tokens.
package engine
