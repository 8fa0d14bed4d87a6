// Package ops provides the derived-view operators that consume a change-set
// Source and maintain their own consistent projection of the data without
// ever recomputing from scratch.
//
// Operators:
//
//   - Sort: keeps a totally ordered projection and emits positional deltas,
//     with an optional runtime comparer swap and an external resort trigger.
//   - GroupBy: maintains a dynamic set of groups, each backed by an
//     independent nested store; the outer stream reports group lifecycle only.
//   - MergeMany: keeps one live subscription per present key to an item's
//     derived observable and merges their emissions into one serialized stream.
//   - Filter, Transform: per-item projection operators.
//   - Buffered: decouples upstream publication from downstream consumption
//     through an MPSC queue.
//   - ExpireAfter: schedules time-based removal of items from a store.
//
// Every change-set operator is itself a store.Source, so stages chain
// arbitrarily: store -> filter -> transform -> sort. Operators are cold:
// each Connect().Subscribe(...) builds an independent state machine with its
// own upstream connection, torn down when the subscription is disposed or
// the upstream completes.
//
// Error model: a selector or comparer that panics propagates synchronously
// through the stage to the edit that triggered it, leaving no partially
// updated projection published. An invariant violation detected while
// applying a set (an Add for a key the projection already holds, an Update
// for an unknown key) terminates that subscription's stream with a
// *store.Error carrying RetCConflict.
package ops
