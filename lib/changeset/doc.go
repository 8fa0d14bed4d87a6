// Package changeset defines the delta vocabulary shared by every stage of an
// rKV pipeline.
//
// A Change is one atomic mutation record: the key it concerns, the reason for
// the mutation (Add, Update, Remove, Refresh or Moved), the current value,
// the previous value where one exists, and optional positional information
// for order-sensitive consumers. A Set is the ordered batch of Changes
// produced by exactly one edit; sets are published atomically, so a consumer
// never observes a torn intermediate state.
//
// The package has no dependencies and no behavior beyond constructing and
// inspecting deltas. Producers (the keyed store, the derived-view operators)
// compute Sets; consumers replay them against whatever projection they
// maintain.
package changeset
