package testing

import (
	"fmt"
	"testing"
	"time"

	"github.com/rkvlib/rkv/lib/store"
)

// Pipeline bundles the backing store of a stage under test with the output
// the stage exposes. For the store itself both fields point at the same
// object; for an operator Out is the operator's output source.
type Pipeline struct {
	Store store.Store[string, string]
	Out   store.Source[string, string]
}

// PipelineFactory creates a fresh, empty pipeline for one test case.
type PipelineFactory func() Pipeline

// RunChangeStreamTests runs the conformance suite for an item-preserving
// pipeline stage: whatever the stage does internally, the stream it exposes
// must materialize to exactly the items held by the backing store.
func RunChangeStreamTests(t *testing.T, name string, factory PipelineFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SnapshotReplay", func(t *testing.T) {
			testSnapshotReplay(t, factory())
		})

		t.Run("EmptySnapshot", func(t *testing.T) {
			testEmptySnapshot(t, factory())
		})

		t.Run("LiveForwarding", func(t *testing.T) {
			testLiveForwarding(t, factory())
		})

		t.Run("BatchAtomicity", func(t *testing.T) {
			testBatchAtomicity(t, factory())
		})

		t.Run("IndependentSubscribers", func(t *testing.T) {
			testIndependentSubscribers(t, factory())
		})

		t.Run("DisposeStopsDelivery", func(t *testing.T) {
			testDisposeStopsDelivery(t, factory())
		})

		t.Run("StoreDisposalCompletes", func(t *testing.T) {
			testStoreDisposalCompletes(t, factory())
		})

		t.Run("ReplayEquivalence", func(t *testing.T) {
			testReplayEquivalence(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// waitUntil polls cond until it returns true or the timeout elapses. Stages
// with an asynchronous hop (buffering) need a grace period before asserting.
func waitUntil(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

func mustEdit(t testing.TB, st store.Store[string, string], fn func(ed store.Editor[string, string]) error) {
	t.Helper()
	if err := st.Edit(fn); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSnapshotReplay(t *testing.T, p Pipeline) {
	defer p.Store.Dispose()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := p.Store.Set(key, fmt.Sprintf("value-%d", i)); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	agg, sub := Observe(p.Out)
	defer sub.Dispose()

	waitUntil(t, time.Second, func() bool { return agg.Len() == 10 })

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		got, ok := agg.Get(key)
		if !ok {
			t.Errorf("expected key %s in snapshot", key)
			continue
		}
		if want := fmt.Sprintf("value-%d", i); got != want {
			t.Errorf("expected value %s for key %s, got %s", want, key, got)
		}
	}
}

func testEmptySnapshot(t *testing.T, p Pipeline) {
	defer p.Store.Dispose()

	agg, sub := Observe(p.Out)
	defer sub.Dispose()

	// An empty stage emits nothing on subscribe: no empty change set.
	time.Sleep(20 * time.Millisecond)
	if n := agg.SetCount(); n != 0 {
		t.Errorf("expected no change sets for an empty snapshot, got %d", n)
	}
}

func testLiveForwarding(t *testing.T, p Pipeline) {
	defer p.Store.Dispose()

	agg, sub := Observe(p.Out)
	defer sub.Dispose()

	if err := p.Store.Set("a", "1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return agg.Len() == 1 })

	if err := p.Store.Set("a", "2"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		v, _ := agg.Get("a")
		return v == "2"
	})

	if err := p.Store.Remove("a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return agg.Len() == 0 })
}

func testBatchAtomicity(t *testing.T, p Pipeline) {
	defer p.Store.Dispose()

	agg, sub := Observe(p.Out)
	defer sub.Dispose()

	mustEdit(t, p.Store, func(ed store.Editor[string, string]) error {
		ed.Set("a", "1")
		ed.Set("b", "2")
		ed.Set("c", "3")
		return nil
	})

	waitUntil(t, time.Second, func() bool { return agg.Len() == 3 })

	// All three adds must arrive inside one change set.
	if n := agg.SetCount(); n != 1 {
		t.Errorf("expected 1 change set for the batch, got %d", n)
	}
	if set := agg.LastSet(); set.Adds() != 3 {
		t.Errorf("expected 3 adds in the batch, got %d (%s)", set.Adds(), set)
	}
}

func testIndependentSubscribers(t *testing.T, p Pipeline) {
	defer p.Store.Dispose()

	if err := p.Store.Set("a", "1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	first, firstSub := Observe(p.Out)
	second, secondSub := Observe(p.Out)
	defer secondSub.Dispose()

	waitUntil(t, time.Second, func() bool { return first.Len() == 1 && second.Len() == 1 })

	firstSub.Dispose()

	if err := p.Store.Set("b", "2"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return second.Len() == 2 })

	if first.Len() != 1 {
		t.Errorf("disposed subscriber must not receive further changes, len=%d", first.Len())
	}
}

func testDisposeStopsDelivery(t *testing.T, p Pipeline) {
	defer p.Store.Dispose()

	agg, sub := Observe(p.Out)
	sub.Dispose()

	if err := p.Store.Set("a", "1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := agg.SetCount(); n != 0 {
		t.Errorf("expected no change sets after dispose, got %d", n)
	}
}

func testStoreDisposalCompletes(t *testing.T, p Pipeline) {
	agg, sub := Observe(p.Out)
	defer sub.Dispose()

	if err := p.Store.Set("a", "1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return agg.Len() == 1 })

	if err := p.Store.Dispose(); err != nil {
		t.Fatalf("dispose failed: %v", err)
	}

	waitUntil(t, time.Second, agg.Completed)
}

func testReplayEquivalence(t *testing.T, p Pipeline) {
	defer p.Store.Dispose()

	// Mutate through a mix of single operations and batches, then check a
	// late subscriber's snapshot against an early subscriber's full replay.
	early, earlySub := Observe(p.Out)
	defer earlySub.Dispose()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i%20)
		if err := p.Store.Set(key, fmt.Sprintf("value-%d", i)); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	mustEdit(t, p.Store, func(ed store.Editor[string, string]) error {
		ed.Remove("key-3")
		ed.Remove("key-7")
		ed.Set("key-100", "late")
		return nil
	})

	late, lateSub := Observe(p.Out)
	defer lateSub.Dispose()

	waitUntil(t, time.Second, func() bool { return late.Len() == early.Len() })

	for _, key := range early.Keys() {
		want, _ := early.Get(key)
		got, ok := late.Get(key)
		if !ok {
			t.Errorf("late subscriber misses key %s", key)
			continue
		}
		if got != want {
			t.Errorf("late subscriber has %s=%s, early replay has %s", key, got, want)
		}
	}
}
