// Package kstore implements the keyed in-memory store behind the store.Store
// interface.
//
// The store keeps a key-value mapping plus an insertion sequence per item so
// that snapshot replay and Clear produce a deterministic order. Every
// mutation goes through a batch edit: the batch runs under the store's
// exclusive section, its effects are captured as one changeset.Set, and the
// set is published atomically to all connected subscribers. A batch that
// fails is rolled back in full; subscribers never observe a torn state.
//
// Publication uses a pending queue with a single drainer. The first edit to
// queue a set delivers queued sets in order outside the state lock, so a
// subscriber callback may re-enter the store (issue further edits, connect
// new subscriptions) without deadlocking; re-entrant edits are deferred and
// delivered before the outermost edit returns.
//
// Subscribing is safe at any time: a new subscriber receives one synthetic
// change set with an Add per held item, fenced by the store's set sequence so
// that live sets racing with the snapshot are neither lost nor duplicated.
package kstore
