package ops

import (
	"fmt"
	"sync"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// Transform Operator
// --------------------------------------------------------------------------

// TransformOptions configures a Transform operator.
type TransformOptions struct {
	// TransformOnRefresh re-invokes the projection when an item is
	// refreshed and forwards the result as an Update carrying the previous
	// projection. Default is to forward a Refresh with the cached result.
	TransformOnRefresh bool
}

// Transform maintains a per-item projection of an upstream source. The
// projected value of each key is cached so that Updates carry the previous
// projection as their prior value.
type Transform[K comparable, V any, W any] struct {
	upstream store.Source[K, V]
	project  func(V) W
	opts     TransformOptions
}

// NewTransform creates a Transform over upstream with the given projection.
// opts may be nil for defaults.
func NewTransform[K comparable, V any, W any](upstream store.Source[K, V], project func(V) W, opts *TransformOptions) *Transform[K, V, W] {
	if opts == nil {
		opts = &TransformOptions{}
	}
	return &Transform[K, V, W]{upstream: upstream, project: project, opts: *opts}
}

// Connect implements store.Source for the projected collection.
func (t *Transform[K, V, W]) Connect() stream.Observable[changeset.Set[K, W]] {
	return stream.ObservableFunc[changeset.Set[K, W]](func(observer stream.Observer[changeset.Set[K, W]]) stream.Subscription {
		st := &transformState[K, V, W]{
			project:   t.project,
			onRefresh: t.opts.TransformOnRefresh,
			observer:  observer,
			cache:     make(map[K]W),
		}
		sub := t.upstream.Connect().Subscribe(&stream.Callbacks[changeset.Set[K, V]]{
			Next:     st.onSet,
			Error:    st.onError,
			Complete: st.onComplete,
		})
		st.upstream = sub
		return sub
	})
}

type transformState[K comparable, V any, W any] struct {
	mu        sync.Mutex
	project   func(V) W
	onRefresh bool
	observer  stream.Observer[changeset.Set[K, W]]
	cache     map[K]W
	done      bool
	upstream  stream.Subscription
}

func (st *transformState[K, V, W]) onSet(set changeset.Set[K, V]) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}

	out := make(changeset.Set[K, W], 0, len(set))
	for _, ch := range set {
		switch ch.Reason {
		case changeset.ReasonAdd:
			if _, exists := st.cache[ch.Key]; exists {
				st.failLocked(store.NewError(store.RetCConflict,
					fmt.Sprintf("transform: duplicate add for key %v", ch.Key)))
				return
			}
			w := st.project(ch.Current)
			st.cache[ch.Key] = w
			out = append(out, changeset.Add(ch.Key, w))

		case changeset.ReasonUpdate:
			prev, ok := st.cache[ch.Key]
			if !ok {
				st.failLocked(store.NewError(store.RetCConflict,
					fmt.Sprintf("transform: update for unknown key %v", ch.Key)))
				return
			}
			w := st.project(ch.Current)
			st.cache[ch.Key] = w
			out = append(out, changeset.Update(ch.Key, w, prev))

		case changeset.ReasonRemove:
			prev, ok := st.cache[ch.Key]
			if !ok {
				continue
			}
			delete(st.cache, ch.Key)
			out = append(out, changeset.Remove(ch.Key, prev))

		case changeset.ReasonRefresh:
			cached, ok := st.cache[ch.Key]
			if !ok {
				continue
			}
			if st.onRefresh {
				w := st.project(ch.Current)
				st.cache[ch.Key] = w
				out = append(out, changeset.Update(ch.Key, w, cached))
			} else {
				out = append(out, changeset.Refresh(ch.Key, cached))
			}

		case changeset.ReasonMoved:
			// positions do not survive a projection
		}
	}

	if len(out) > 0 {
		st.observer.OnNext(out)
	}
}

func (st *transformState[K, V, W]) onError(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.done = true
	st.observer.OnError(err)
}

func (st *transformState[K, V, W]) onComplete() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.done = true
	st.observer.OnComplete()
}

func (st *transformState[K, V, W]) failLocked(err *store.Error) {
	st.done = true
	st.observer.OnError(err)
	if st.upstream != nil {
		st.upstream.Dispose()
	}
}
