// Package store defines the contracts and error system for rKV's keyed
// collections.
//
// The package focuses on:
//   - Source, the single capability every pipeline stage exposes: "emits a
//     change-set stream, accepts a subscriber". A stage's Connect first
//     replays a snapshot of its current state as one Add-only change set,
//     then forwards live sets. Because every stage is a Source, pipelines
//     compose without special-casing (store -> filter -> sort -> ...).
//   - Store, the mutable source of truth: a key-value mapping with a batch
//     edit API whose mutations are captured as atomic change sets.
//   - An error system of typed return codes, so callers can distinguish
//     misuse (mutating a disposed store) from an aborted batch.
//
// The keyed implementation lives in the kstore subpackage; the derived-view
// operators that consume Sources live in lib/ops.
package store
