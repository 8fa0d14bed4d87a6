package kstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rkvlib/rkv/lib/changeset"
	optest "github.com/rkvlib/rkv/lib/ops/testing"
	"github.com/rkvlib/rkv/lib/store"
)

type person struct {
	Name string
	Age  int
}

func newPersonStore() store.Store[string, person] {
	return New[string, person](func(p person) string { return p.Name }, nil)
}

// --------------------------------------------------------------------------
// Conformance
// --------------------------------------------------------------------------

func TestKeyedStoreConformance(t *testing.T) {
	optest.RunChangeStreamTests(t, "KeyedStore", func() optest.Pipeline {
		st := NewExplicit[string, string](nil)
		return optest.Pipeline{Store: st, Out: st}
	})
}

// --------------------------------------------------------------------------
// Key selector semantics
// --------------------------------------------------------------------------

func TestAddThenUpdate(t *testing.T) {
	st := newPersonStore()
	defer st.Dispose()

	agg, sub := optest.Observe[string, person](st)
	defer sub.Dispose()

	if err := st.AddOrUpdate(person{Name: "A", Age: 20}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if n := agg.SetCount(); n != 1 {
		t.Fatalf("expected 1 change set, got %d", n)
	}
	set := agg.LastSet()
	if len(set) != 1 || set[0].Reason != changeset.ReasonAdd {
		t.Fatalf("expected exactly one Add, got %s", set)
	}
	if set[0].Current.Age != 20 {
		t.Errorf("expected current age 20, got %d", set[0].Current.Age)
	}

	// Same key, new value: one Update carrying the previous value.
	if err := st.AddOrUpdate(person{Name: "A", Age: 21}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	set = agg.LastSet()
	if len(set) != 1 || set[0].Reason != changeset.ReasonUpdate {
		t.Fatalf("expected exactly one Update, got %s", set)
	}
	if !set[0].HasPrevious || set[0].Previous.Age != 20 {
		t.Errorf("expected previous age 20, got %+v", set[0])
	}
	if set[0].Current.Age != 21 {
		t.Errorf("expected current age 21, got %d", set[0].Current.Age)
	}
}

func TestRemoveItemsAndRefreshItems(t *testing.T) {
	st := newPersonStore()
	defer st.Dispose()

	alice := person{Name: "Alice", Age: 30}
	if err := st.AddOrUpdate(alice); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	agg, sub := optest.Observe[string, person](st)
	defer sub.Dispose()

	if err := st.RefreshItems(alice); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if set := agg.LastSet(); set.Refreshes() != 1 {
		t.Errorf("expected one Refresh, got %s", set)
	}

	if err := st.RemoveItems(alice); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if st.Has("Alice") {
		t.Error("expected Alice removed")
	}
	if set := agg.LastSet(); set.Removes() != 1 {
		t.Errorf("expected one Remove, got %s", set)
	}
}

func TestExplicitStoreRejectsSelectorOps(t *testing.T) {
	st := NewExplicit[string, string](nil)
	defer st.Dispose()

	for name, err := range map[string]error{
		"AddOrUpdate":  st.AddOrUpdate("x"),
		"RemoveItems":  st.RemoveItems("x"),
		"RefreshItems": st.RefreshItems("x"),
	} {
		if store.CodeOf(err) != store.RetCInvalidOperation {
			t.Errorf("%s: expected RetCInvalidOperation, got %v", name, err)
		}
	}

	// Explicit addressing still works.
	if err := st.Set("k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if v, ok := st.Get("k"); !ok || v != "v" {
		t.Errorf("expected k=v, got %q (ok=%v)", v, ok)
	}
}

func TestNilSelectorPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil key selector")
		}
	}()
	New[string, string](nil, nil)
}

// --------------------------------------------------------------------------
// Edit batches
// --------------------------------------------------------------------------

func TestEditRollbackOnError(t *testing.T) {
	st := NewExplicit[string, int](nil)
	defer st.Dispose()

	if err := st.Set("keep", 1); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	agg, sub := optest.Observe[string, int](st)
	defer sub.Dispose()
	before := agg.SetCount()

	boom := errors.New("boom")
	err := st.Edit(func(ed store.Editor[string, int]) error {
		ed.Set("a", 1)
		ed.Remove("keep")
		ed.Set("b", 2)
		return boom
	})

	if store.CodeOf(err) != store.RetCEditAborted {
		t.Fatalf("expected RetCEditAborted, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped cause, got %v", err)
	}

	// Nothing published, nothing changed.
	if agg.SetCount() != before {
		t.Errorf("aborted edit must not publish, got %d extra sets", agg.SetCount()-before)
	}
	if !st.Has("keep") || st.Has("a") || st.Has("b") {
		t.Errorf("rollback incomplete: keys=%v", st.Keys())
	}
}

func TestEditRollbackOnPanic(t *testing.T) {
	st := NewExplicit[string, int](nil)
	defer st.Dispose()

	if err := st.Set("keep", 1); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		st.Edit(func(ed store.Editor[string, int]) error {
			ed.Set("a", 1)
			panic("kaboom")
		})
	}()

	if !st.Has("keep") || st.Has("a") {
		t.Errorf("rollback incomplete after panic: keys=%v", st.Keys())
	}

	// The store must still be usable.
	if err := st.Set("after", 2); err != nil {
		t.Fatalf("store unusable after panic rollback: %v", err)
	}
}

func TestEmptyEditPublishesNothing(t *testing.T) {
	st := NewExplicit[string, int](nil)
	defer st.Dispose()

	agg, sub := optest.Observe[string, int](st)
	defer sub.Dispose()

	// Removes and refreshes of absent keys are silent no-ops.
	if err := st.Edit(func(ed store.Editor[string, int]) error {
		ed.Remove("missing")
		ed.Refresh("missing")
		return nil
	}); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	if n := agg.SetCount(); n != 0 {
		t.Errorf("no-effect edit must not publish, got %d sets", n)
	}
}

func TestEditorStagedReads(t *testing.T) {
	st := NewExplicit[string, int](nil)
	defer st.Dispose()

	if err := st.Set("a", 1); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	err := st.Edit(func(ed store.Editor[string, int]) error {
		if v, ok := ed.Get("a"); !ok || v != 1 {
			t.Errorf("expected staged a=1, got %d (ok=%v)", v, ok)
		}
		ed.Set("a", 2)
		if v, _ := ed.Get("a"); v != 2 {
			t.Errorf("Get after Set must observe the staged value, got %d", v)
		}
		ed.Set("b", 3)
		if ed.Len() != 2 {
			t.Errorf("expected staged len 2, got %d", ed.Len())
		}
		ed.Remove("b")
		if ed.Len() != 1 {
			t.Errorf("expected staged len 1 after remove, got %d", ed.Len())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
}

func TestClearRemovesInInsertionOrder(t *testing.T) {
	st := NewExplicit[string, int](nil)
	defer st.Dispose()

	for i, key := range []string{"third", "first", "second"} {
		if err := st.Set(key, i); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	agg, sub := optest.Observe[string, int](st)
	defer sub.Dispose()

	if err := st.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	set := agg.LastSet()
	if set.Removes() != 3 {
		t.Fatalf("expected 3 removes, got %s", set)
	}
	want := []string{"third", "first", "second"}
	for i, c := range set {
		if c.Key != want[i] {
			t.Errorf("remove %d: expected key %s, got %s", i, want[i], c.Key)
		}
	}
	if st.Len() != 0 {
		t.Errorf("expected empty store, len=%d", st.Len())
	}
}

// --------------------------------------------------------------------------
// Re-entrancy and concurrency
// --------------------------------------------------------------------------

func TestReentrantEditFromCallback(t *testing.T) {
	st := NewExplicit[string, int](nil)
	defer st.Dispose()

	var sets []changeset.Set[string, int]
	done := make(chan struct{})

	sub := st.Connect().Subscribe(&reentrantObserver{
		st: st,
		onSet: func(set changeset.Set[string, int]) {
			sets = append(sets, set)
			if len(sets) == 2 {
				close(done)
			}
		},
	})
	defer sub.Dispose()

	// The callback re-enters Set on the first delivery; the nested edit
	// must not deadlock and must be delivered as its own set afterwards.
	if err := st.Set("outer", 1); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("re-entrant edit was not delivered, got %d sets", len(sets))
	}

	if sets[0][0].Key != "outer" || sets[1][0].Key != "inner" {
		t.Errorf("expected outer then inner, got %v then %v", sets[0], sets[1])
	}
}

type reentrantObserver struct {
	st    store.Store[string, int]
	once  sync.Once
	onSet func(set changeset.Set[string, int])
}

func (o *reentrantObserver) OnNext(set changeset.Set[string, int]) {
	o.onSet(set)
	o.once.Do(func() {
		if err := o.st.Set("inner", 2); err != nil {
			panic(err)
		}
	})
}

func (o *reentrantObserver) OnError(error) {}
func (o *reentrantObserver) OnComplete()   {}

func TestReentrantEditDuringSnapshotFlush(t *testing.T) {
	st := NewExplicit[string, int](nil)
	defer st.Dispose()

	if err := st.Set("seed", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// The observer edits from the snapshot, which queues a set behind the
	// snapshot fence, then edits again from that set when Subscribe flushes
	// it. Neither re-entry may block Subscribe or stall delivery.
	obs := &flushChainObserver{st: st, done: make(chan struct{})}
	subscribed := make(chan struct{})
	go func() {
		st.Connect().Subscribe(obs)
		close(subscribed)
	}()

	select {
	case <-subscribed:
	case <-time.After(time.Second):
		t.Fatal("Subscribe blocked on a re-entrant edit from the flushed delivery")
	}

	select {
	case <-obs.done:
	case <-time.After(time.Second):
		t.Fatal("deliveries stalled after the re-entrant edits")
	}

	for _, key := range []string{"seed", "first", "second"} {
		if !st.Has(key) {
			t.Errorf("key %q missing after re-entrant edits", key)
		}
	}
}

type flushChainObserver struct {
	st   store.Store[string, int]
	n    int
	done chan struct{}
}

func (o *flushChainObserver) OnNext(set changeset.Set[string, int]) {
	o.n++
	switch o.n {
	case 1:
		// snapshot delivery
		if err := o.st.Set("first", 1); err != nil {
			panic(err)
		}
	case 2:
		// the set queued above, handed over by the subscribe-time flush
		if err := o.st.Set("second", 2); err != nil {
			panic(err)
		}
	case 3:
		close(o.done)
	}
}

func (o *flushChainObserver) OnError(error) {}
func (o *flushChainObserver) OnComplete()   {}

func TestPanickingSubscriberDoesNotWedgePublication(t *testing.T) {
	st := NewExplicit[string, int](nil)
	defer st.Dispose()

	panicker := st.Connect().Subscribe(&panicOnceObserver{})
	defer panicker.Dispose()

	agg, sub := optest.Observe[string, int](st)
	defer sub.Dispose()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the subscriber panic to reach the editing caller")
			}
		}()
		st.Set("a", 1)
	}()

	// The interrupted set is lost to later subscribers in delivery order,
	// but the store itself committed it and publication must resume.
	if !st.Has("a") {
		t.Error("committed key missing after subscriber panic")
	}
	if err := st.Set("b", 2); err != nil {
		t.Fatalf("set after subscriber panic failed: %v", err)
	}

	if agg.SetCount() != 1 {
		t.Fatalf("publication wedged: expected 1 delivered set after the panic, got %d", agg.SetCount())
	}
	if v, ok := agg.Get("b"); !ok || v != 2 {
		t.Errorf("expected the post-panic edit delivered, got (%v, %v)", v, ok)
	}
}

type panicOnceObserver struct {
	fired bool
}

func (o *panicOnceObserver) OnNext(changeset.Set[string, int]) {
	if !o.fired {
		o.fired = true
		panic("subscriber failure")
	}
}

func (o *panicOnceObserver) OnError(error) {}
func (o *panicOnceObserver) OnComplete()   {}

func TestConcurrentEditors(t *testing.T) {
	st := NewExplicit[string, int](nil)
	defer st.Dispose()

	agg, sub := optest.Observe[string, int](st)
	defer sub.Dispose()

	const numWriters = 8
	const perWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for w := 0; w < numWriters; w++ {
		go func(writer int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-%d", writer, i)
				if err := st.Set(key, i); err != nil {
					t.Errorf("set failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	total := numWriters * perWriter
	deadline := time.Now().Add(2 * time.Second)
	for agg.Len() < total && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if agg.Len() != total {
		t.Fatalf("expected %d materialized items, got %d", total, agg.Len())
	}
	if st.Len() != total {
		t.Fatalf("expected %d stored items, got %d", total, st.Len())
	}

	// Replay equivalence: the event trace materializes to the store state.
	for _, key := range st.Keys() {
		want, _ := st.Get(key)
		got, ok := agg.Get(key)
		if !ok || got != want {
			t.Errorf("key %s: store has %d, trace materialized %d (ok=%v)", key, want, got, ok)
		}
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestDisposedStoreErrors(t *testing.T) {
	st := newPersonStore()
	if err := st.Dispose(); err != nil {
		t.Fatalf("dispose failed: %v", err)
	}

	// Idempotent.
	if err := st.Dispose(); err != nil {
		t.Fatalf("second dispose failed: %v", err)
	}

	for name, err := range map[string]error{
		"AddOrUpdate": st.AddOrUpdate(person{Name: "A"}),
		"Set":         st.Set("A", person{Name: "A"}),
		"Remove":      st.Remove("A"),
		"Refresh":     st.Refresh("A"),
		"Clear":       st.Clear(),
		"Edit":        st.Edit(func(store.Editor[string, person]) error { return nil }),
	} {
		if store.CodeOf(err) != store.RetCDisposed {
			t.Errorf("%s: expected RetCDisposed, got %v", name, err)
		}
	}

	// Connect after disposal completes immediately.
	agg, sub := optest.Observe[string, person](st)
	defer sub.Dispose()
	if !agg.Completed() {
		t.Error("expected immediate completion on disposed store")
	}
	if agg.SetCount() != 0 {
		t.Errorf("expected no sets from disposed store, got %d", agg.SetCount())
	}
}

func TestMetricsOptionsDoNotInterfere(t *testing.T) {
	st := NewExplicit[string, int](&Options{MetricsName: "test-store"})
	defer st.Dispose()

	if err := st.Set("a", 1); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if v, ok := st.Get("a"); !ok || v != 1 {
		t.Errorf("expected a=1, got %d (ok=%v)", v, ok)
	}
}
