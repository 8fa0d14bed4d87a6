package ops

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/store/kstore"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// Group
// --------------------------------------------------------------------------

// Group is one dynamic group: a group key plus the nested store holding its
// current members. A Group exists in the outer collection iff its member
// store is non-empty.
type Group[K comparable, V any, G comparable] struct {
	key   G
	cache store.Store[K, V]
}

// Key returns the group key.
func (g *Group[K, V, G]) Key() G { return g.key }

// Cache returns the group's member store as a read-only view. Consumers that
// need member-level detail subscribe here; the outer stream reports only
// group lifecycle.
func (g *Group[K, V, G]) Cache() store.View[K, V] { return g.cache }

func (g *Group[K, V, G]) String() string {
	return fmt.Sprintf("Group{%v: %d members}", g.key, g.cache.Len())
}

// --------------------------------------------------------------------------
// GroupBy Operator
// --------------------------------------------------------------------------

// GroupBy maintains a dynamic set of groups over an upstream change-set
// source. The group key of an item is computed by the selector, exactly once
// per change, before membership is updated; it is not assumed stable across
// an item's lifetime. The outer stream emits one Add when a group's first
// member arrives and one Remove when its last member leaves - member-level
// mutations surface only on the nested per-group store, keeping outer
// notification volume proportional to group churn.
type GroupBy[K comparable, V any, G comparable] struct {
	upstream store.Source[K, V]
	selector func(V) G
}

// NewGroupBy creates a GroupBy over upstream with the given group-key selector.
func NewGroupBy[K comparable, V any, G comparable](upstream store.Source[K, V], selector func(V) G) *GroupBy[K, V, G] {
	return &GroupBy[K, V, G]{upstream: upstream, selector: selector}
}

// Connect implements store.Source for the outer group collection.
func (g *GroupBy[K, V, G]) Connect() stream.Observable[changeset.Set[G, *Group[K, V, G]]] {
	return stream.ObservableFunc[changeset.Set[G, *Group[K, V, G]]](func(observer stream.Observer[changeset.Set[G, *Group[K, V, G]]]) stream.Subscription {
		subs := &stream.CompositeSubscription{}
		st := &groupState[K, V, G]{
			selector: g.selector,
			observer: observer,
			groups:   make(map[G]*Group[K, V, G]),
			groupOf:  make(map[K]G),
			subs:     subs,
		}
		subs.Add(g.upstream.Connect().Subscribe(&stream.Callbacks[changeset.Set[K, V]]{
			Next:     st.onSet,
			Error:    st.onError,
			Complete: st.onComplete,
		}))
		subs.Add(stream.NewSubscription(st.teardown))
		return subs
	})
}

// --------------------------------------------------------------------------
// Per-subscription state
// --------------------------------------------------------------------------

type groupOpKind uint8

const (
	gopSet groupOpKind = iota
	gopRemove
	gopRefresh
)

type groupOp[K comparable, V any] struct {
	kind  groupOpKind
	key   K
	value V
}

// groupPlan is the batched member mutations for one group within one
// upstream change set, in first-touch order.
type groupPlan[K comparable, V any, G comparable] struct {
	group G
	ops   []groupOp[K, V]
}

type groupState[K comparable, V any, G comparable] struct {
	mu       sync.Mutex
	selector func(V) G
	observer stream.Observer[changeset.Set[G, *Group[K, V, G]]]
	groups   map[G]*Group[K, V, G]
	groupOf  map[K]G // reverse mapping: item key -> current group key
	done     atomic.Bool
	subs     *stream.CompositeSubscription
}

// onSet applies one upstream change set in two phases: first every change is
// planned in order (group keys evaluated exactly once, reverse mapping kept
// current), then each touched group's plan is applied as one nested edit and
// the resulting lifecycle transitions are published as one outer set.
func (st *groupState[K, V, G]) onSet(set changeset.Set[K, V]) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done.Load() {
		return
	}

	var plans []*groupPlan[K, V, G]
	planOf := make(map[G]*groupPlan[K, V, G])
	plan := func(group G, op groupOp[K, V]) {
		p, ok := planOf[group]
		if !ok {
			p = &groupPlan[K, V, G]{group: group}
			planOf[group] = p
			plans = append(plans, p)
		}
		p.ops = append(p.ops, op)
	}

	for _, ch := range set {
		switch ch.Reason {
		case changeset.ReasonAdd:
			if _, exists := st.groupOf[ch.Key]; exists {
				st.failLocked(store.NewError(store.RetCConflict,
					fmt.Sprintf("groupby: duplicate add for key %v", ch.Key)))
				return
			}
			group := st.selector(ch.Current)
			st.groupOf[ch.Key] = group
			plan(group, groupOp[K, V]{kind: gopSet, key: ch.Key, value: ch.Current})

		case changeset.ReasonUpdate, changeset.ReasonRefresh:
			oldGroup, ok := st.groupOf[ch.Key]
			if !ok {
				st.failLocked(store.NewError(store.RetCConflict,
					fmt.Sprintf("groupby: %s for unknown key %v", ch.Reason, ch.Key)))
				return
			}
			newGroup := st.selector(ch.Current)
			if newGroup == oldGroup {
				if ch.Reason == changeset.ReasonRefresh {
					plan(oldGroup, groupOp[K, V]{kind: gopRefresh, key: ch.Key})
				} else {
					plan(oldGroup, groupOp[K, V]{kind: gopSet, key: ch.Key, value: ch.Current})
				}
				continue
			}
			// the computed group key changed: move the member
			plan(oldGroup, groupOp[K, V]{kind: gopRemove, key: ch.Key})
			st.groupOf[ch.Key] = newGroup
			plan(newGroup, groupOp[K, V]{kind: gopSet, key: ch.Key, value: ch.Current})

		case changeset.ReasonRemove:
			oldGroup, ok := st.groupOf[ch.Key]
			if !ok {
				continue
			}
			delete(st.groupOf, ch.Key)
			plan(oldGroup, groupOp[K, V]{kind: gopRemove, key: ch.Key})

		case changeset.ReasonMoved:
			// membership unchanged
		}
	}

	var (
		out     changeset.Set[G, *Group[K, V, G]]
		discard []*Group[K, V, G]
	)
	for _, p := range plans {
		grp, existed := st.groups[p.group]
		if !existed {
			grp = &Group[K, V, G]{key: p.group, cache: kstore.NewExplicit[K, V](nil)}
			st.groups[p.group] = grp
		}
		err := grp.cache.Edit(func(ed store.Editor[K, V]) error {
			for _, op := range p.ops {
				switch op.kind {
				case gopSet:
					ed.Set(op.key, op.value)
				case gopRemove:
					ed.Remove(op.key)
				case gopRefresh:
					ed.Refresh(op.key)
				}
			}
			return nil
		})
		if err != nil {
			st.failLocked(store.WrapError(store.RetCConflict, "groupby: nested edit failed", err))
			return
		}

		empty := grp.cache.Len() == 0
		switch {
		case !existed && !empty:
			out = append(out, changeset.Add(p.group, grp))
		case existed && empty:
			delete(st.groups, p.group)
			out = append(out, changeset.Remove(p.group, grp))
			discard = append(discard, grp)
		case !existed && empty:
			// created and emptied within one set, never visible
			delete(st.groups, p.group)
			discard = append(discard, grp)
		}
	}

	if len(out) > 0 {
		st.observer.OnNext(out)
	}
	for _, grp := range discard {
		_ = grp.cache.Dispose()
	}
}

func (st *groupState[K, V, G]) onError(err error) {
	if !st.done.CompareAndSwap(false, true) {
		return
	}
	st.mu.Lock()
	st.disposeGroupsLocked()
	st.mu.Unlock()
	st.observer.OnError(err)
}

func (st *groupState[K, V, G]) onComplete() {
	if !st.done.CompareAndSwap(false, true) {
		return
	}
	st.mu.Lock()
	st.disposeGroupsLocked()
	st.mu.Unlock()
	st.observer.OnComplete()
}

// teardown runs when the outer subscription is disposed. It must stay
// re-entrancy safe: failLocked disposes the composite while holding mu.
func (st *groupState[K, V, G]) teardown() {
	if !st.done.CompareAndSwap(false, true) {
		return
	}
	st.mu.Lock()
	st.disposeGroupsLocked()
	st.mu.Unlock()
}

func (st *groupState[K, V, G]) disposeGroupsLocked() {
	for key, grp := range st.groups {
		_ = grp.cache.Dispose()
		delete(st.groups, key)
	}
}

// failLocked terminates the stream on an invariant violation. Caller holds mu.
func (st *groupState[K, V, G]) failLocked(err *store.Error) {
	st.done.Store(true)
	st.disposeGroupsLocked()
	st.observer.OnError(err)
	st.subs.Dispose()
}
