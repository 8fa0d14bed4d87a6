package store

import (
	"fmt"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// KeySelector derives the unique key of a value. It must be pure: the same
// value always yields the same key.
type KeySelector[K comparable, V any] func(value V) K

// Source is the capability every pipeline stage exposes. Connect returns a
// stream that, for each new subscription, first synthesizes one change set
// containing an Add for every item the stage currently holds (snapshot
// replay) and then forwards all subsequent change sets. Subscribing never
// mutates the stage.
type Source[K comparable, V any] interface {
	Connect() stream.Observable[changeset.Set[K, V]]
}

// Reader provides point-in-time read access to a keyed collection. Reads are
// safe to call concurrently with ongoing edits and never observe a torn
// batch.
type Reader[K comparable, V any] interface {
	// Get returns the value for a key. The boolean reports whether the key is present.
	Get(key K) (value V, ok bool)
	// Has reports whether a key is present.
	Has(key K) bool
	// Len returns the number of items currently held.
	Len() int
	// Keys returns all present keys in insertion order.
	Keys() []K
	// Items returns all present values in insertion order.
	Items() []V
}

// View is the read-only surface of a keyed collection: snapshot reads plus
// the change-set stream. Nested group caches are exposed as Views.
type View[K comparable, V any] interface {
	Source[K, V]
	Reader[K, V]
}

// Store is the mutable source of truth. All write operations return a *Error
// (nil on success); a write against a disposed store fails with RetCDisposed.
type Store[K comparable, V any] interface {
	View[K, V]

	// AddOrUpdate upserts each value under the key computed by the store's
	// key selector, emitting one Add or Update change per value, in call order.
	AddOrUpdate(values ...V) error
	// Set upserts a value under an explicit key, bypassing the key selector.
	Set(key K, value V) error
	// Remove removes each key, emitting one Remove change per present key.
	// Absent keys are silent no-ops.
	Remove(keys ...K) error
	// RemoveItems removes the keys computed from the given values.
	RemoveItems(values ...V) error
	// Refresh emits a Refresh change per present key without altering the
	// stored value's identity, signalling in-place mutation to downstream
	// stages. Absent keys are silent no-ops.
	Refresh(keys ...K) error
	// RefreshItems refreshes the keys computed from the given values.
	RefreshItems(values ...V) error
	// Clear removes every item, emitting one Remove change per item.
	Clear() error

	// Edit runs fn against an Editor under one exclusive section and
	// publishes all resulting changes as a single change set. If fn returns
	// an error the whole batch is rolled back and nothing is published.
	Edit(fn func(ed Editor[K, V]) error) error

	// Dispose completes all connected streams and releases held items.
	// Further mutations fail with RetCDisposed. Dispose is idempotent.
	Dispose() error
}

// Editor is the mutation surface handed to an Edit batch. Operations take
// effect immediately within the batch (a Get after Set observes the new
// value) but are published only when the batch function returns nil.
type Editor[K comparable, V any] interface {
	// AddOrUpdate upserts a value under the key computed by the key selector.
	AddOrUpdate(value V)
	// Set upserts a value under an explicit key.
	Set(key K, value V)
	// Remove removes a key. Absent keys are silent no-ops.
	Remove(key K)
	// Refresh marks a present key as refreshed. Absent keys are silent no-ops.
	Refresh(key K)
	// Clear removes every item.
	Clear()
	// Get returns the value for a key as currently staged in the batch.
	Get(key K) (value V, ok bool)
	// Len returns the number of items as currently staged in the batch.
	Len() int
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type for all store operations. It wraps a return code
// (of type RetCode), a message, and optionally the underlying cause.
type Error struct {
	Code  RetCode // The return code
	Msg   string  // The error message
	Cause error   // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("StoreError (code %s): %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// WrapError creates a new Error with the given code, message and cause.
func WrapError(code RetCode, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Operation executed successfully.
	RetCDisposed                        // 1: Operation against a disposed store.
	RetCEditAborted                     // 2: Batch function failed; nothing was published.
	RetCConflict                        // 3: Key invariant violated (duplicate key surfaced downstream).
	RetCInvalidOperation                // 4: Operation not valid for this store configuration.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCDisposed:
		return "Disposed"
	case RetCEditAborted:
		return "EditAborted"
	case RetCConflict:
		return "Conflict"
	case RetCInvalidOperation:
		return "InvalidOperation"
	default:
		return "Unknown"
	}
}

// CodeOf extracts the RetCode from an error, or RetCSuccess for nil and
// RetCInvalidOperation for foreign errors.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	if se, ok := err.(*Error); ok {
		return se.Code
	}
	return RetCInvalidOperation
}
