// Package resource defines the typed vocabulary shared by the cascade
// engine and its collaborators: resource names, path keys, structured
// diffs, and the change payloads handed to reducer handlers.
//
// A resource is a named value the engine tracks. There are three kinds:
//
//   - Data: a plain value owned by the store, replaced wholesale via Set.
//   - Referential: a value mutated in place by an external owner (for
//     example a tree-shaped document); the owner reports what changed
//     via SetChange with a Diff of affected paths.
//   - Stage: a zero-payload barrier used only to order slots that have
//     no direct data dependency (for example a "render" stage that must
//     run after all model reducers).
//
// Stage barriers are an explicit kind rather than a reserved name prefix,
// so no string parsing is involved in scheduling decisions.
package resource
