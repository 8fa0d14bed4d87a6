package ops

import (
	"sync"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// Filter Operator
// --------------------------------------------------------------------------

// Filter maintains the sub-view of an upstream source whose items satisfy a
// predicate. Updates and Refreshes re-evaluate the predicate, so items enter
// and leave the view as their values cross it: the downstream sees an Add on
// entry, a Remove on exit, and plain Update/Refresh while inside.
type Filter[K comparable, V any] struct {
	upstream  store.Source[K, V]
	predicate func(V) bool
}

// NewFilter creates a Filter over upstream with the given predicate.
func NewFilter[K comparable, V any](upstream store.Source[K, V], predicate func(V) bool) *Filter[K, V] {
	return &Filter[K, V]{upstream: upstream, predicate: predicate}
}

// Connect implements store.Source.
func (f *Filter[K, V]) Connect() stream.Observable[changeset.Set[K, V]] {
	return stream.ObservableFunc[changeset.Set[K, V]](func(observer stream.Observer[changeset.Set[K, V]]) stream.Subscription {
		st := &filterState[K, V]{
			predicate: f.predicate,
			observer:  observer,
			passing:   make(map[K]struct{}),
		}
		return f.upstream.Connect().Subscribe(&stream.Callbacks[changeset.Set[K, V]]{
			Next:     st.onSet,
			Error:    st.onError,
			Complete: st.onComplete,
		})
	})
}

type filterState[K comparable, V any] struct {
	mu        sync.Mutex
	predicate func(V) bool
	observer  stream.Observer[changeset.Set[K, V]]
	passing   map[K]struct{}
	done      bool
}

func (st *filterState[K, V]) onSet(set changeset.Set[K, V]) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}

	out := make(changeset.Set[K, V], 0, len(set))
	for _, ch := range set {
		_, wasIn := st.passing[ch.Key]
		switch ch.Reason {
		case changeset.ReasonAdd:
			if st.predicate(ch.Current) {
				st.passing[ch.Key] = struct{}{}
				out = append(out, changeset.Add(ch.Key, ch.Current))
			}

		case changeset.ReasonUpdate:
			isIn := st.predicate(ch.Current)
			switch {
			case wasIn && isIn:
				out = append(out, changeset.Update(ch.Key, ch.Current, ch.Previous))
			case wasIn && !isIn:
				delete(st.passing, ch.Key)
				out = append(out, changeset.Remove(ch.Key, ch.Current))
			case !wasIn && isIn:
				st.passing[ch.Key] = struct{}{}
				out = append(out, changeset.Add(ch.Key, ch.Current))
			}

		case changeset.ReasonRefresh:
			isIn := st.predicate(ch.Current)
			switch {
			case wasIn && isIn:
				out = append(out, changeset.Refresh(ch.Key, ch.Current))
			case wasIn && !isIn:
				delete(st.passing, ch.Key)
				out = append(out, changeset.Remove(ch.Key, ch.Current))
			case !wasIn && isIn:
				st.passing[ch.Key] = struct{}{}
				out = append(out, changeset.Add(ch.Key, ch.Current))
			}

		case changeset.ReasonRemove:
			if wasIn {
				delete(st.passing, ch.Key)
				out = append(out, changeset.Remove(ch.Key, ch.Current))
			}

		case changeset.ReasonMoved:
			// positions do not survive a filter
		}
	}

	if len(out) > 0 {
		st.observer.OnNext(out)
	}
}

func (st *filterState[K, V]) onError(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.done = true
	st.observer.OnError(err)
}

func (st *filterState[K, V]) onComplete() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.done = true
	st.observer.OnComplete()
}
