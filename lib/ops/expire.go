package ops

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// ExpireAfter
// --------------------------------------------------------------------------

// defaultSweepInterval bounds how late an eviction can run.
const defaultSweepInterval = 100 * time.Millisecond

// ExpireOptions configures ExpireAfter.
type ExpireOptions struct {
	// SweepInterval is the time between eviction sweeps (0 = default).
	SweepInterval time.Duration
	// Logger receives debug output for evicted keys.
	Logger logr.Logger
	// now is injectable for tests.
	now func() time.Time
}

// ExpireAfter removes items from the store after the lifetime computed by
// lifetimeOf. A zero or negative lifetime means the item never expires.
// Lifetimes are re-evaluated on Add and Update (an Update reschedules or
// cancels the item's eviction). Due items are removed in one batched edit
// per sweep.
//
// ExpireAfter observes the store it mutates through the store's own stream,
// so external removals cancel schedules automatically. Disposing the
// returned subscription stops the sweeper; it does not dispose the store.
func ExpireAfter[K comparable, V any](st store.Store[K, V], lifetimeOf func(V) time.Duration, opts *ExpireOptions) stream.Subscription {
	if opts == nil {
		opts = &ExpireOptions{}
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}

	e := &expirer[K, V]{
		store:      st,
		lifetimeOf: lifetimeOf,
		log:        log,
		now:        now,
		heap:       newMapHeap[K](),
		stop:       make(chan struct{}),
	}

	e.upstream = st.Connect().Subscribe(&stream.Callbacks[changeset.Set[K, V]]{
		Next:     e.onSet,
		Error:    func(error) { e.close() },
		Complete: e.close,
	})

	go e.sweep(interval)

	return stream.NewSubscription(func() {
		e.close()
		e.upstream.Dispose()
	})
}

type expirer[K comparable, V any] struct {
	store      store.Store[K, V]
	lifetimeOf func(V) time.Duration
	log        logr.Logger
	now        func() time.Time

	upstream stream.Subscription

	mu   sync.Mutex
	heap *mapHeap[K]

	stopOnce sync.Once
	stop     chan struct{}
}

// onSet keeps the schedule in step with the store's contents.
func (e *expirer[K, V]) onSet(set changeset.Set[K, V]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range set {
		switch ch.Reason {
		case changeset.ReasonAdd, changeset.ReasonUpdate:
			ttl := e.lifetimeOf(ch.Current)
			if ttl <= 0 {
				e.heap.unschedule(ch.Key)
				continue
			}
			e.heap.schedule(ch.Key, e.now().Add(ttl).UnixNano())
		case changeset.ReasonRemove:
			e.heap.unschedule(ch.Key)
		case changeset.ReasonRefresh, changeset.ReasonMoved:
			// lifetime is a function of the value, which is unchanged
		}
	}
}

// sweep evicts due keys in one batched edit per tick.
func (e *expirer[K, V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		due := e.heap.popDue(e.now().UnixNano())
		e.mu.Unlock()
		if len(due) == 0 {
			continue
		}

		e.log.V(1).Info("evicting expired keys", "count", len(due))
		if err := e.store.Remove(due...); err != nil {
			// the store was disposed under us, nothing left to sweep
			e.close()
			return
		}
	}
}

func (e *expirer[K, V]) close() {
	e.stopOnce.Do(func() { close(e.stop) })
}
