package ops

import (
	"sync"
	"testing"
	"time"

	"github.com/rkvlib/rkv/lib/changeset"
	optest "github.com/rkvlib/rkv/lib/ops/testing"
	"github.com/rkvlib/rkv/lib/store/kstore"
	"github.com/rkvlib/rkv/lib/stream"
)

func TestBufferedConformance(t *testing.T) {
	optest.RunChangeStreamTests(t, "Buffered", func() optest.Pipeline {
		st := kstore.NewExplicit[string, string](nil)
		return optest.Pipeline{Store: st, Out: NewBuffered[string, string](st)}
	})
}

func TestBufferedDoesNotBlockEditor(t *testing.T) {
	st := kstore.NewExplicit[string, int](nil)
	defer st.Dispose()
	buffered := NewBuffered[string, int](st)

	// A subscriber that stalls on the first delivery.
	release := make(chan struct{})
	var once sync.Once
	received := make(chan changeset.Set[string, int], 16)

	sub := stream.OnNext(buffered.Connect(), func(set changeset.Set[string, int]) {
		once.Do(func() { <-release })
		received <- set
	})
	defer sub.Dispose()

	// Edits must return promptly even while the subscriber is stuck.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := st.Set("k", i); err != nil {
				t.Errorf("set failed: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("edits blocked behind a stalled subscriber")
	}

	close(release)

	// All sets arrive, in publication order.
	last := -1
	for i := 0; i < 10; i++ {
		select {
		case set := <-received:
			v := set[0].Current
			if v <= last {
				t.Errorf("out of order: %d after %d", v, last)
			}
			last = v
		case <-time.After(time.Second):
			t.Fatalf("missing set %d", i)
		}
	}
}

func TestBufferedDisposeStopsConsumer(t *testing.T) {
	st := kstore.NewExplicit[string, int](nil)
	defer st.Dispose()
	buffered := NewBuffered[string, int](st)

	agg, sub := optest.Observe[string, int](buffered)
	sub.Dispose()

	if err := st.Set("k", 1); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := agg.SetCount(); n != 0 {
		t.Errorf("expected no delivery after dispose, got %d sets", n)
	}
	if agg.Completed() {
		t.Error("dispose must not send a terminal notification")
	}
}
