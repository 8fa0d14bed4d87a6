package testing

import (
	"sync"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// ChangeAggregator
// --------------------------------------------------------------------------

// ChangeAggregator records every change set pushed into it and applies the
// changes to an internal collection, so a test can assert both on the raw
// event trace and on the state the trace materializes to.
//
// When a change carries positional information (CurrentIndex != NoIndex)
// the aggregator maintains the collection as an ordered list and applies
// inserts, removals and moves at the given indexes, which makes it suitable
// for verifying sorted stages. Without positions it falls back to insertion
// order.
//
// Thread-safety: all methods may be called concurrently.
type ChangeAggregator[K comparable, V any] struct {
	mu        sync.Mutex
	sets      []changeset.Set[K, V]
	order     []K
	items     map[K]V
	err       error
	completed bool
}

// NewChangeAggregator creates an empty ChangeAggregator.
func NewChangeAggregator[K comparable, V any]() *ChangeAggregator[K, V] {
	return &ChangeAggregator[K, V]{
		items: make(map[K]V),
	}
}

// Observe subscribes a fresh ChangeAggregator to a source and returns both.
func Observe[K comparable, V any](src store.Source[K, V]) (*ChangeAggregator[K, V], stream.Subscription) {
	agg := NewChangeAggregator[K, V]()
	sub := src.Connect().Subscribe(agg)
	return agg, sub
}

// OnNext implements stream.Observer.
func (a *ChangeAggregator[K, V]) OnNext(set changeset.Set[K, V]) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sets = append(a.sets, set)
	for _, c := range set {
		a.applyLocked(c)
	}
}

// OnError implements stream.Observer.
func (a *ChangeAggregator[K, V]) OnError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

// OnComplete implements stream.Observer.
func (a *ChangeAggregator[K, V]) OnComplete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = true
}

func (a *ChangeAggregator[K, V]) applyLocked(c changeset.Change[K, V]) {
	switch c.Reason {
	case changeset.ReasonAdd:
		a.items[c.Key] = c.Current
		if c.CurrentIndex != changeset.NoIndex && c.CurrentIndex <= len(a.order) {
			a.order = append(a.order, c.Key)
			copy(a.order[c.CurrentIndex+1:], a.order[c.CurrentIndex:])
			a.order[c.CurrentIndex] = c.Key
		} else {
			a.order = append(a.order, c.Key)
		}

	case changeset.ReasonUpdate:
		a.items[c.Key] = c.Current
		if c.CurrentIndex != changeset.NoIndex && c.CurrentIndex != c.PreviousIndex {
			a.moveLocked(c.Key, c.CurrentIndex, c.PreviousIndex)
		}

	case changeset.ReasonRemove:
		delete(a.items, c.Key)
		a.removeFromOrderLocked(c.Key)

	case changeset.ReasonRefresh:
		a.items[c.Key] = c.Current

	case changeset.ReasonMoved:
		a.moveLocked(c.Key, c.CurrentIndex, c.PreviousIndex)
	}
}

func (a *ChangeAggregator[K, V]) moveLocked(key K, currentIndex, previousIndex int) {
	a.removeFromOrderLocked(key)
	if currentIndex < 0 || currentIndex > len(a.order) {
		currentIndex = len(a.order)
	}
	a.order = append(a.order, key)
	copy(a.order[currentIndex+1:], a.order[currentIndex:])
	a.order[currentIndex] = key
	_ = previousIndex
}

func (a *ChangeAggregator[K, V]) removeFromOrderLocked(key K) {
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

// --------------------------------------------------------------------------
// Inspection
// --------------------------------------------------------------------------

// Sets returns a copy of all change sets received so far.
func (a *ChangeAggregator[K, V]) Sets() []changeset.Set[K, V] {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]changeset.Set[K, V], len(a.sets))
	copy(out, a.sets)
	return out
}

// SetCount returns the number of change sets received so far.
func (a *ChangeAggregator[K, V]) SetCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sets)
}

// LastSet returns the most recent change set, or nil if none was received.
func (a *ChangeAggregator[K, V]) LastSet() changeset.Set[K, V] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sets) == 0 {
		return nil
	}
	return a.sets[len(a.sets)-1]
}

// Get returns the materialized value for a key.
func (a *ChangeAggregator[K, V]) Get(key K) (V, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.items[key]
	return v, ok
}

// Len returns the number of materialized items.
func (a *ChangeAggregator[K, V]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Keys returns the materialized keys in their maintained order.
func (a *ChangeAggregator[K, V]) Keys() []K {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]K, len(a.order))
	copy(out, a.order)
	return out
}

// Items returns the materialized values in their maintained order.
func (a *ChangeAggregator[K, V]) Items() []V {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]V, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, a.items[k])
	}
	return out
}

// Err returns the terminal error, if any.
func (a *ChangeAggregator[K, V]) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Completed reports whether OnComplete was called.
func (a *ChangeAggregator[K, V]) Completed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}
