package ops

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// MergeMany Operator
// --------------------------------------------------------------------------

// MergeMany maintains one live subscription per key present upstream to the
// observable the selector derives from that key's item, and merges all their
// emissions into a single output stream.
//
// Lifecycle per upstream change: Add subscribes, Update disposes and
// re-subscribes against the new value (a derived observable is not assumed
// reusable across value changes), Remove disposes unconditionally - further
// emissions from an orphaned child never reach the output. Disposing the
// merged stream disposes every held child subscription.
//
// Child observables may emit from arbitrary goroutines; the operator
// serializes merged delivery so no two emissions interleave. An error from
// any child terminates the merged stream with that error, after disposing
// the remaining children (standard merge semantics).
type MergeMany[K comparable, V any, R any] struct {
	upstream store.Source[K, V]
	selector func(key K, value V) stream.Observable[R]
}

// NewMergeMany creates a MergeMany over upstream with the given per-item
// observable selector.
func NewMergeMany[K comparable, V any, R any](upstream store.Source[K, V], selector func(key K, value V) stream.Observable[R]) *MergeMany[K, V, R] {
	return &MergeMany[K, V, R]{upstream: upstream, selector: selector}
}

// Connect returns the merged output stream. Each subscription owns an
// independent subscription table fed by its own upstream connection.
func (m *MergeMany[K, V, R]) Connect() stream.Observable[R] {
	return stream.ObservableFunc[R](func(observer stream.Observer[R]) stream.Subscription {
		st := &mergeState[K, V, R]{
			selector: m.selector,
			observer: observer,
			table:    xsync.NewMapOf[K, *childEntry[R]](),
		}

		upSub := m.upstream.Connect().Subscribe(&stream.Callbacks[changeset.Set[K, V]]{
			Next:     st.onSet,
			Error:    st.terminate,
			Complete: st.complete,
		})
		st.upstream = upSub

		return stream.NewSubscription(func() {
			st.dispose()
		})
	})
}

// --------------------------------------------------------------------------
// Per-subscription state
// --------------------------------------------------------------------------

// childEntry owns one key's live child subscription. dead is flipped under
// the output gate before the subscription is disposed, so an emission racing
// with removal can never slip through afterwards.
type childEntry[R any] struct {
	sub  stream.Subscription
	dead atomic.Bool
}

type mergeState[K comparable, V any, R any] struct {
	selector func(key K, value V) stream.Observable[R]
	observer stream.Observer[R]
	table    *xsync.MapOf[K, *childEntry[R]]
	upstream stream.Subscription

	// gate serializes all output-side notifications
	gate sync.Mutex
	done bool
}

// onSet maintains the subscription table for one upstream change set.
// Changes are applied in order; child emissions are never blocked by this
// processing beyond the brief gate hand-off.
func (st *mergeState[K, V, R]) onSet(set changeset.Set[K, V]) {
	for _, ch := range set {
		st.gate.Lock()
		done := st.done
		st.gate.Unlock()
		if done {
			// a child error mid-set already tore the table down; subscribing
			// the remaining changes would leak subscriptions nobody disposes
			return
		}
		switch ch.Reason {
		case changeset.ReasonAdd:
			st.subscribeChild(ch.Key, ch.Current)
		case changeset.ReasonUpdate:
			st.disposeChild(ch.Key)
			st.subscribeChild(ch.Key, ch.Current)
		case changeset.ReasonRemove:
			st.disposeChild(ch.Key)
		case changeset.ReasonRefresh, changeset.ReasonMoved:
			// identity and membership unchanged, the held subscription stays
		}
	}
}

// subscribeChild derives the key's observable and routes its emissions into
// the merged output.
func (st *mergeState[K, V, R]) subscribeChild(key K, value V) {
	entry := &childEntry[R]{}
	st.table.Store(key, entry)

	entry.sub = st.selector(key, value).Subscribe(&stream.Callbacks[R]{
		Next: func(v R) {
			st.gate.Lock()
			defer st.gate.Unlock()
			if st.done || entry.dead.Load() {
				return
			}
			st.observer.OnNext(v)
		},
		Error: func(err error) {
			// one failing child takes the whole merged stream down
			st.terminate(err)
		},
		// a child completing normally does not affect the merged stream:
		// the key is still present upstream
	})

	// The child may have errored synchronously inside Subscribe, running the
	// teardown before entry.sub was assigned. Re-check and finish the job.
	st.gate.Lock()
	done := st.done
	st.gate.Unlock()
	if done {
		st.table.Delete(key)
		entry.dead.Store(true)
		entry.sub.Dispose()
	}
}

// disposeChild removes and tears down the key's entry. Disposal is
// unconditional: the child observable may still be live.
func (st *mergeState[K, V, R]) disposeChild(key K) {
	entry, ok := st.table.LoadAndDelete(key)
	if !ok {
		return
	}
	st.gate.Lock()
	entry.dead.Store(true)
	st.gate.Unlock()
	if entry.sub != nil {
		entry.sub.Dispose()
	}
}

// disposeAll tears down every held child subscription.
func (st *mergeState[K, V, R]) disposeAll() {
	st.table.Range(func(key K, entry *childEntry[R]) bool {
		st.table.Delete(key)
		entry.dead.Store(true)
		if entry.sub != nil {
			entry.sub.Dispose()
		}
		return true
	})
}

// terminate ends the merged stream with an error.
func (st *mergeState[K, V, R]) terminate(err error) {
	st.gate.Lock()
	if st.done {
		st.gate.Unlock()
		return
	}
	st.done = true
	st.gate.Unlock()

	st.disposeAll()
	if st.upstream != nil {
		st.upstream.Dispose()
	}
	st.observer.OnError(err)
}

// complete ends the merged stream normally (upstream completed).
func (st *mergeState[K, V, R]) complete() {
	st.gate.Lock()
	if st.done {
		st.gate.Unlock()
		return
	}
	st.done = true
	st.gate.Unlock()

	st.disposeAll()
	st.observer.OnComplete()
}

// dispose tears the subscription down without a terminal notification.
func (st *mergeState[K, V, R]) dispose() {
	st.gate.Lock()
	if st.done {
		st.gate.Unlock()
		return
	}
	st.done = true
	st.gate.Unlock()

	st.disposeAll()
	if st.upstream != nil {
		st.upstream.Dispose()
	}
}
