package ops

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// SortOptions configures a Sort operator. The zero value is a plain sort
// with a fixed comparer.
type SortOptions[V any] struct {
	// ComparerChanges, when non-nil, is a control stream whose values
	// replace the active comparer at runtime. Each replacement re-sorts the
	// projection and emits the Moved changes needed to reconcile the order.
	ComparerChanges stream.Observable[Comparer[V]]
	// ResortTrigger, when non-nil, forces a full re-sort with the active
	// comparer on every emission, for comparers that read mutable state.
	ResortTrigger stream.Observable[struct{}]
	// CollapseUnmovedUpdates controls how an Update whose sort position is
	// unchanged is reported: false (default) forwards it as a positional
	// Update, true collapses it into a Refresh for value-only listeners.
	CollapseUnmovedUpdates bool
}

// --------------------------------------------------------------------------
// Sort Operator
// --------------------------------------------------------------------------

// Sort maintains a sorted projection of an upstream change-set source and
// emits positional deltas sufficient for a consumer to mirror the order
// without re-sorting. Ties under the comparer keep a stable relative order
// (first-insertion wins) that never changes between edits that do not touch
// the tied items.
type Sort[K comparable, V any] struct {
	upstream store.Source[K, V]
	cmp      Comparer[V]
	opts     SortOptions[V]
}

// NewSort creates a Sort over upstream with the given comparer.
// opts may be nil for defaults.
func NewSort[K comparable, V any](upstream store.Source[K, V], cmp Comparer[V], opts *SortOptions[V]) *Sort[K, V] {
	if opts == nil {
		opts = &SortOptions[V]{}
	}
	return &Sort[K, V]{upstream: upstream, cmp: cmp, opts: *opts}
}

// Connect implements store.Source. Every subscription owns an independent
// sorted projection fed by its own upstream connection.
func (s *Sort[K, V]) Connect() stream.Observable[changeset.Set[K, V]] {
	return stream.ObservableFunc[changeset.Set[K, V]](func(observer stream.Observer[changeset.Set[K, V]]) stream.Subscription {
		subs := &stream.CompositeSubscription{}
		st := &sortState[K, V]{
			cmp:      s.cmp,
			collapse: s.opts.CollapseUnmovedUpdates,
			observer: observer,
			seqs:     make(map[K]uint64),
			subs:     subs,
		}

		subs.Add(s.upstream.Connect().Subscribe(&stream.Callbacks[changeset.Set[K, V]]{
			Next:     st.onSet,
			Error:    st.onError,
			Complete: st.onComplete,
		}))
		if s.opts.ComparerChanges != nil {
			subs.Add(stream.OnNext(s.opts.ComparerChanges, st.onComparer))
		}
		if s.opts.ResortTrigger != nil {
			subs.Add(stream.OnNext(s.opts.ResortTrigger, func(struct{}) { st.onResort() }))
		}
		return subs
	})
}

// --------------------------------------------------------------------------
// Per-subscription state
// --------------------------------------------------------------------------

// sortEntry is one element of the projection. seq is assigned at first
// insertion and breaks comparer ties, making the order total.
type sortEntry[K comparable, V any] struct {
	key   K
	value V
	seq   uint64
}

type sortState[K comparable, V any] struct {
	mu       sync.Mutex
	cmp      Comparer[V]
	collapse bool
	observer stream.Observer[changeset.Set[K, V]]
	entries  []sortEntry[K, V]
	seqs     map[K]uint64
	nextSeq  uint64
	done     bool
	subs     *stream.CompositeSubscription
}

// compare imposes the total order: active comparer first, insertion
// sequence as the tiebreak.
func (st *sortState[K, V]) compare(a, b sortEntry[K, V]) int {
	if c := st.cmp(a.value, b.value); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}

// lowerBound returns the index of the first entry not ordered before target.
// Because the order is total, this is both the exact position of a present
// entry and the insertion point of an absent one.
func (st *sortState[K, V]) lowerBound(target sortEntry[K, V]) int {
	return sort.Search(len(st.entries), func(i int) bool {
		return st.compare(st.entries[i], target) >= 0
	})
}

// locate finds the current index of a present key. It binary-searches with
// the given value and falls back to a linear scan when the value no longer
// matches the maintained order (in-place mutation, mid-flight comparer swap).
func (st *sortState[K, V]) locate(key K, value V, seq uint64) int {
	i := st.lowerBound(sortEntry[K, V]{key: key, value: value, seq: seq})
	if i < len(st.entries) && st.entries[i].key == key {
		return i
	}
	for j, e := range st.entries {
		if e.key == key {
			return j
		}
	}
	return -1
}

func (st *sortState[K, V]) insertAt(i int, e sortEntry[K, V]) {
	st.entries = append(st.entries, sortEntry[K, V]{})
	copy(st.entries[i+1:], st.entries[i:])
	st.entries[i] = e
}

func (st *sortState[K, V]) removeAt(i int) {
	st.entries = append(st.entries[:i], st.entries[i+1:]...)
}

// onSet applies one upstream change set and emits the positional deltas.
func (st *sortState[K, V]) onSet(set changeset.Set[K, V]) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}

	out := make(changeset.Set[K, V], 0, len(set))
	for _, ch := range set {
		switch ch.Reason {
		case changeset.ReasonAdd:
			if _, exists := st.seqs[ch.Key]; exists {
				st.failLocked(store.NewError(store.RetCConflict,
					fmt.Sprintf("sort: duplicate add for key %v", ch.Key)))
				return
			}
			st.nextSeq++
			e := sortEntry[K, V]{key: ch.Key, value: ch.Current, seq: st.nextSeq}
			idx := st.lowerBound(e)
			st.insertAt(idx, e)
			st.seqs[ch.Key] = e.seq
			out = append(out, changeset.AddAt(ch.Key, ch.Current, idx))

		case changeset.ReasonUpdate:
			seq, ok := st.seqs[ch.Key]
			if !ok {
				st.failLocked(store.NewError(store.RetCConflict,
					fmt.Sprintf("sort: update for unknown key %v", ch.Key)))
				return
			}
			oldIdx := st.locate(ch.Key, ch.Previous, seq)
			st.removeAt(oldIdx)
			e := sortEntry[K, V]{key: ch.Key, value: ch.Current, seq: seq}
			newIdx := st.lowerBound(e)
			st.insertAt(newIdx, e)
			if newIdx == oldIdx && st.collapse {
				out = append(out, changeset.RefreshAt(ch.Key, ch.Current, newIdx))
			} else {
				out = append(out, changeset.UpdateAt(ch.Key, ch.Current, ch.Previous, newIdx, oldIdx))
			}

		case changeset.ReasonRemove:
			seq, ok := st.seqs[ch.Key]
			if !ok {
				// remove for a key the projection never held: tolerate,
				// upstream filters emit these only on transitions
				continue
			}
			idx := st.locate(ch.Key, ch.Current, seq)
			st.removeAt(idx)
			delete(st.seqs, ch.Key)
			out = append(out, changeset.RemoveAt(ch.Key, ch.Current, idx))

		case changeset.ReasonRefresh:
			seq, ok := st.seqs[ch.Key]
			if !ok {
				continue
			}
			// the value may have mutated in place, so the maintained order
			// can no longer be trusted for this item: locate by scan
			oldIdx := st.locate(ch.Key, ch.Current, seq)
			e := st.entries[oldIdx]
			e.value = ch.Current
			st.removeAt(oldIdx)
			newIdx := st.lowerBound(e)
			st.insertAt(newIdx, e)
			if newIdx == oldIdx {
				out = append(out, changeset.RefreshAt(ch.Key, e.value, newIdx))
			} else {
				out = append(out, changeset.Move(ch.Key, e.value, newIdx, oldIdx))
			}

		case changeset.ReasonMoved:
			// upstream positions are meaningless here, this stage imposes
			// its own order
		}
	}

	if len(out) > 0 {
		st.observer.OnNext(out)
	}
}

// onComparer swaps the active comparer and reconciles the order.
func (st *sortState[K, V]) onComparer(cmp Comparer[V]) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.cmp = cmp
	st.resortLocked()
}

// onResort re-sorts with the active comparer, for external state changes.
func (st *sortState[K, V]) onResort() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.resortLocked()
}

// resortLocked recomputes the full order from the current member set and
// emits the Moved changes needed to reconcile the previous order with it.
// No Add or Remove changes are produced and untouched positions emit nothing.
func (st *sortState[K, V]) resortLocked() {
	desired := make([]sortEntry[K, V], len(st.entries))
	copy(desired, st.entries)
	sort.Slice(desired, func(i, j int) bool { return st.compare(desired[i], desired[j]) < 0 })

	var out changeset.Set[K, V]
	for i := range desired {
		if st.entries[i].key == desired[i].key {
			continue
		}
		// find the entry's current position and splice it into place
		j := i + 1
		for ; j < len(st.entries); j++ {
			if st.entries[j].key == desired[i].key {
				break
			}
		}
		e := st.entries[j]
		st.removeAt(j)
		st.insertAt(i, e)
		out = append(out, changeset.Move(e.key, e.value, i, j))
	}

	if len(out) > 0 {
		st.observer.OnNext(out)
	}
}

func (st *sortState[K, V]) onError(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.done = true
	st.observer.OnError(err)
}

func (st *sortState[K, V]) onComplete() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.done = true
	st.observer.OnComplete()
}

// failLocked terminates the stream on an invariant violation and detaches
// from the upstream.
func (st *sortState[K, V]) failLocked(err *store.Error) {
	st.done = true
	st.observer.OnError(err)
	st.subs.Dispose()
}
