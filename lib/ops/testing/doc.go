// Package testing provides standardised tests and helpers for pipeline
// stages that satisfy the store.Source interface.
//
// The package contains:
//   - ChangeAggregator: an Observer that records every change set it receives
//     and maintains the materialized collection they describe
//   - testing: a conformance suite validating the change-stream contract
//     (snapshot replay, live forwarding, batch atomicity, completion)
//
// The conformance suite is meant for item-preserving stages: stages whose
// output stream materializes to the same keys and values as the backing
// store (the store itself, sorting, buffering, identity projections).
// Stages that drop or reshape items have their own semantic tests and only
// reuse ChangeAggregator from here.
//
// Example usage:
//
//	factory := func() optest.Pipeline {
//		st := kstore.New[string, string](func(v string) string { return v }, nil)
//		return optest.Pipeline{Store: st, Out: st}
//	}
//
//	optest.RunChangeStreamTests(t, "KeyedStore", factory)
package testing
