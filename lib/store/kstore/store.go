package kstore

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a store during initialization.
type Options struct {
	// Logger receives debug output (set published, store disposed).
	// Zero value means no logging.
	Logger logr.Logger
	// MetricsName, when non-empty, registers edit/change counters and an
	// item gauge under this label with the default metrics set.
	MetricsName string
}

// DefaultOptions returns the default store options.
func DefaultOptions() *Options {
	return &Options{
		Logger: logr.Discard(),
	}
}

// --------------------------------------------------------------------------
// Core store structure
// --------------------------------------------------------------------------

// record is a stored value plus the insertion sequence used for
// deterministic ordering of snapshots and Clear.
type record[V any] struct {
	value V
	seq   uint64
}

// deliverable is one unit of the publication queue: either a change set
// (with the store sequence it was produced at) or the completion marker.
type deliverable[K comparable, V any] struct {
	seq      uint64
	set      changeset.Set[K, V]
	complete bool
}

type keyedStore[K comparable, V any] struct {
	keyOf store.KeySelector[K, V]
	log   logr.Logger
	met   *storeMetrics

	// mu guards items, insertSeq, setSeq, pending, draining and disposed.
	// It is never held while delivering to subscribers.
	mu        sync.Mutex
	items     map[K]record[V]
	insertSeq uint64
	setSeq    uint64
	pending   []deliverable[K, V]
	draining  bool
	disposed  bool

	subs      *xsync.MapOf[uint64, *subscriber[K, V]]
	nextSubID atomic.Uint64
}

// New creates a keyed store whose keys are derived by keyOf.
// keyOf must be non-nil; use NewExplicit for stores addressed by explicit keys.
// opts may be nil for defaults.
//
// Thread-safety: all methods of the returned store are safe for concurrent use.
func New[K comparable, V any](keyOf store.KeySelector[K, V], opts *Options) store.Store[K, V] {
	if keyOf == nil {
		panic("kstore: nil key selector, use NewExplicit instead")
	}
	return newStore(keyOf, opts)
}

// NewExplicit creates a keyed store without a key selector. Items are
// addressed only through Set and Remove; AddOrUpdate, RemoveItems and
// RefreshItems fail with RetCInvalidOperation.
func NewExplicit[K comparable, V any](opts *Options) store.Store[K, V] {
	return newStore[K, V](nil, opts)
}

func newStore[K comparable, V any](keyOf store.KeySelector[K, V], opts *Options) store.Store[K, V] {
	if opts == nil {
		opts = DefaultOptions()
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	s := &keyedStore[K, V]{
		keyOf: keyOf,
		log:   log,
		items: make(map[K]record[V]),
		subs:  xsync.NewMapOf[uint64, *subscriber[K, V]](),
	}
	if opts.MetricsName != "" {
		s.met = newStoreMetrics(opts.MetricsName, s)
	}
	return s
}

// --------------------------------------------------------------------------
// Store Interface - Write Operations
// --------------------------------------------------------------------------

func (s *keyedStore[K, V]) AddOrUpdate(values ...V) error {
	if s.keyOf == nil {
		return store.NewError(store.RetCInvalidOperation, "store has no key selector")
	}
	return s.Edit(func(ed store.Editor[K, V]) error {
		for _, v := range values {
			ed.AddOrUpdate(v)
		}
		return nil
	})
}

func (s *keyedStore[K, V]) Set(key K, value V) error {
	return s.Edit(func(ed store.Editor[K, V]) error {
		ed.Set(key, value)
		return nil
	})
}

func (s *keyedStore[K, V]) Remove(keys ...K) error {
	return s.Edit(func(ed store.Editor[K, V]) error {
		for _, k := range keys {
			ed.Remove(k)
		}
		return nil
	})
}

func (s *keyedStore[K, V]) RemoveItems(values ...V) error {
	if s.keyOf == nil {
		return store.NewError(store.RetCInvalidOperation, "store has no key selector")
	}
	return s.Edit(func(ed store.Editor[K, V]) error {
		for _, v := range values {
			ed.Remove(s.keyOf(v))
		}
		return nil
	})
}

func (s *keyedStore[K, V]) Refresh(keys ...K) error {
	return s.Edit(func(ed store.Editor[K, V]) error {
		for _, k := range keys {
			ed.Refresh(k)
		}
		return nil
	})
}

func (s *keyedStore[K, V]) RefreshItems(values ...V) error {
	if s.keyOf == nil {
		return store.NewError(store.RetCInvalidOperation, "store has no key selector")
	}
	return s.Edit(func(ed store.Editor[K, V]) error {
		for _, v := range values {
			ed.Refresh(s.keyOf(v))
		}
		return nil
	})
}

func (s *keyedStore[K, V]) Clear() error {
	return s.Edit(func(ed store.Editor[K, V]) error {
		ed.Clear()
		return nil
	})
}

// Edit runs fn under the store's exclusive section and publishes the
// resulting changes as one atomic set. A non-nil error from fn rolls the
// batch back completely; a panic from fn (or from a key selector it invokes)
// is rolled back and re-raised.
//
// Thread-safety: concurrent Edit calls are serialized; no two batches
// interleave and subscribers receive sets in batch order. An Edit issued
// from inside a subscriber callback is deferred and delivered by the
// publication already in progress.
func (s *keyedStore[K, V]) Edit(fn func(ed store.Editor[K, V]) error) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return store.NewError(store.RetCDisposed, "edit on disposed store")
	}

	ed := &editorImpl[K, V]{s: s}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				ed.rollback()
				s.mu.Unlock()
				panic(r)
			}
		}()
		return fn(ed)
	}()
	if err != nil {
		ed.rollback()
		s.mu.Unlock()
		return store.WrapError(store.RetCEditAborted, "edit aborted, no changes published", err)
	}

	if len(ed.changes) == 0 {
		// no net effect, nothing to publish
		s.mu.Unlock()
		return nil
	}

	s.setSeq++
	s.pending = append(s.pending, deliverable[K, V]{seq: s.setSeq, set: ed.changes})
	s.met.countEdit(len(ed.changes))

	if s.draining {
		// a drain is already running; it will pick this set up
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.drainLocked()
	return nil
}

// drainLocked delivers queued sets in order. Called with mu held and
// draining set; releases mu before each delivery so subscriber callbacks can
// re-enter the store, and returns with mu released. A panic from a subscriber
// propagates to the caller but must not leave draining set, or every later
// edit would queue forever without a drainer.
func (s *keyedStore[K, V]) drainLocked() {
	delivering := false
	defer func() {
		if delivering {
			// unwinding out of broadcast; the next edit resumes the queue
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
		}
	}()

	for len(s.pending) > 0 {
		d := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		delivering = true
		s.broadcast(d)
		delivering = false

		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

// broadcast delivers one queued unit to all current subscribers in
// subscription order.
func (s *keyedStore[K, V]) broadcast(d deliverable[K, V]) {
	subs := make([]*subscriber[K, V], 0, s.subs.Size())
	s.subs.Range(func(_ uint64, sub *subscriber[K, V]) bool {
		subs = append(subs, sub)
		return true
	})
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	if d.complete {
		s.log.V(1).Info("completing subscribers", "subscribers", len(subs))
		for _, sub := range subs {
			sub.deliver(d)
			s.subs.Delete(sub.id)
		}
		return
	}

	s.log.V(1).Info("publishing change set", "seq", d.seq, "changes", len(d.set))
	for _, sub := range subs {
		sub.deliver(d)
	}
}

// --------------------------------------------------------------------------
// Store Interface - Read Operations
// --------------------------------------------------------------------------

func (s *keyedStore[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[key]
	return rec.value, ok
}

func (s *keyedStore[K, V]) Has(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

func (s *keyedStore[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *keyedStore[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]K, 0, len(s.items))
	for _, kr := range s.orderedLocked() {
		keys = append(keys, kr.key)
	}
	return keys
}

func (s *keyedStore[K, V]) Items() []V {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make([]V, 0, len(s.items))
	for _, kr := range s.orderedLocked() {
		values = append(values, kr.rec.value)
	}
	return values
}

type keyedRecord[K comparable, V any] struct {
	key K
	rec record[V]
}

// orderedLocked returns all items sorted by insertion sequence. Caller holds mu.
func (s *keyedStore[K, V]) orderedLocked() []keyedRecord[K, V] {
	out := make([]keyedRecord[K, V], 0, len(s.items))
	for k, rec := range s.items {
		out = append(out, keyedRecord[K, V]{key: k, rec: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rec.seq < out[j].rec.seq })
	return out
}

// --------------------------------------------------------------------------
// Connect / Subscription Handling
// --------------------------------------------------------------------------

// subscriber is one connected observer. The snapshot fence (afterSeq) and
// the ready flag together guarantee that the observer sees its snapshot
// first, then every set produced after the snapshot, in order, exactly once.
type subscriber[K comparable, V any] struct {
	id       uint64
	observer stream.Observer[changeset.Set[K, V]]
	disposed atomic.Bool

	mu        sync.Mutex
	ready     bool
	afterSeq  uint64
	buffer    []deliverable[K, V]
	completed bool
}

// deliver hands one queued unit to the observer, buffering it if the
// snapshot has not been delivered yet.
func (sub *subscriber[K, V]) deliver(d deliverable[K, V]) {
	if sub.disposed.Load() {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.completed {
		return
	}
	if !sub.ready {
		sub.buffer = append(sub.buffer, d)
		return
	}
	sub.deliverReadyLocked(d)
}

func (sub *subscriber[K, V]) deliverReadyLocked(d deliverable[K, V]) {
	if d.complete {
		sub.completed = true
		sub.observer.OnComplete()
		return
	}
	if d.seq <= sub.afterSeq {
		// already reflected in the snapshot
		return
	}
	if sub.disposed.Load() {
		return
	}
	sub.observer.OnNext(d.set)
}

// Connect returns the store's change-set stream. Each subscription first
// receives one synthetic set containing an Add per currently-held item (in
// insertion order, omitted when the store is empty), then all subsequent
// edit-produced sets. Subscribing never mutates the store.
func (s *keyedStore[K, V]) Connect() stream.Observable[changeset.Set[K, V]] {
	return stream.ObservableFunc[changeset.Set[K, V]](func(observer stream.Observer[changeset.Set[K, V]]) stream.Subscription {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			observer.OnComplete()
			return stream.NewSubscription(nil)
		}

		snapshot := make(changeset.Set[K, V], 0, len(s.items))
		for _, kr := range s.orderedLocked() {
			snapshot = append(snapshot, changeset.Add(kr.key, kr.rec.value))
		}

		sub := &subscriber[K, V]{
			id:       s.nextSubID.Add(1),
			observer: observer,
			afterSeq: s.setSeq,
		}
		s.subs.Store(sub.id, sub)
		s.mu.Unlock()

		if len(snapshot) > 0 {
			observer.OnNext(snapshot)
		}

		// Flush sets that raced with the snapshot delivery. Delivery happens
		// outside sub.mu: the observer may re-enter the store and become the
		// drainer, which calls deliver and takes sub.mu itself. Sets arriving
		// during the flush keep buffering because ready is only set once the
		// buffer is empty under the lock.
		for {
			sub.mu.Lock()
			if sub.completed || len(sub.buffer) == 0 {
				sub.ready = true
				sub.buffer = nil
				sub.mu.Unlock()
				break
			}
			d := sub.buffer[0]
			sub.buffer = sub.buffer[1:]
			if d.complete {
				sub.completed = true
			}
			sub.mu.Unlock()

			switch {
			case d.complete:
				observer.OnComplete()
			case d.seq > sub.afterSeq && !sub.disposed.Load():
				observer.OnNext(d.set)
			}
		}

		return stream.NewSubscription(func() {
			sub.disposed.Store(true)
			s.subs.Delete(sub.id)
		})
	})
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Dispose completes all connected streams and releases held items. No
// Remove changes are emitted; the stream simply ends. Dispose is idempotent.
func (s *keyedStore[K, V]) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.items = nil
	s.log.V(1).Info("store disposed")

	s.pending = append(s.pending, deliverable[K, V]{complete: true})
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.drainLocked()
	return nil
}

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

type storeMetrics struct {
	edits   *metrics.Counter
	changes *metrics.Counter
}

func newStoreMetrics[K comparable, V any](name string, s *keyedStore[K, V]) *storeMetrics {
	metrics.GetOrCreateGauge(fmt.Sprintf(`rkv_store_items{store=%q}`, name), func() float64 {
		return float64(s.Len())
	})
	return &storeMetrics{
		edits:   metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_store_edits_total{store=%q}`, name)),
		changes: metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_store_changes_total{store=%q}`, name)),
	}
}

// countEdit is a no-op on stores without metrics.
func (m *storeMetrics) countEdit(changes int) {
	if m == nil {
		return
	}
	m.edits.Inc()
	m.changes.Add(changes)
}
