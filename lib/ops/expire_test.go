package ops

import (
	"sync"
	"testing"
	"time"

	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/store/kstore"
)

type ttlItem struct {
	Name string
	TTL  time.Duration
}

// fakeClock is an injectable clock advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newExpiringStore(clock *fakeClock) (store.Store[string, ttlItem], func()) {
	st := kstore.New[string, ttlItem](func(i ttlItem) string { return i.Name }, nil)
	sub := ExpireAfter[string, ttlItem](st, func(i ttlItem) time.Duration { return i.TTL }, &ExpireOptions{
		SweepInterval: time.Millisecond,
		now:           clock.Now,
	})
	return st, func() {
		sub.Dispose()
		st.Dispose()
	}
}

func waitRemoved(t *testing.T, st store.Store[string, ttlItem], key string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !st.Has(key) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("key %s was not evicted", key)
}

func TestExpireAfterEvicts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, done := newExpiringStore(clock)
	defer done()

	if err := st.AddOrUpdate(ttlItem{"short", time.Second}, ttlItem{"long", time.Hour}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	clock.Advance(2 * time.Second)
	waitRemoved(t, st, "short")

	if !st.Has("long") {
		t.Error("long-lived item evicted early")
	}

	clock.Advance(2 * time.Hour)
	waitRemoved(t, st, "long")
}

func TestExpireAfterZeroLifetimeNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, done := newExpiringStore(clock)
	defer done()

	if err := st.AddOrUpdate(ttlItem{"forever", 0}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	clock.Advance(1000 * time.Hour)
	time.Sleep(20 * time.Millisecond)

	if !st.Has("forever") {
		t.Error("item with zero lifetime must not expire")
	}
}

func TestExpireAfterUpdateReschedules(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, done := newExpiringStore(clock)
	defer done()

	if err := st.AddOrUpdate(ttlItem{"item", time.Second}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	// Extend the lifetime before the original deadline hits.
	if err := st.AddOrUpdate(ttlItem{"item", time.Hour}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if !st.Has("item") {
		t.Fatal("update must reschedule, item evicted on the stale deadline")
	}

	// An update to a non-expiring value cancels the schedule entirely.
	if err := st.AddOrUpdate(ttlItem{"item", 0}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	clock.Advance(10 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	if !st.Has("item") {
		t.Error("cancelled schedule still evicted the item")
	}
}

func TestExpireAfterExternalRemovalCancels(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, done := newExpiringStore(clock)
	defer done()

	if err := st.AddOrUpdate(ttlItem{"item", time.Second}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := st.Remove("item"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	// Re-add under the same key with a long lifetime: the stale schedule
	// must not evict it.
	if err := st.AddOrUpdate(ttlItem{"item", time.Hour}); err != nil {
		t.Fatalf("re-add failed: %v", err)
	}
	clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if !st.Has("item") {
		t.Error("stale schedule evicted a re-added item")
	}
}

func TestExpireAfterDisposeStopsSweeper(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st := kstore.New[string, ttlItem](func(i ttlItem) string { return i.Name }, nil)
	defer st.Dispose()

	sub := ExpireAfter[string, ttlItem](st, func(i ttlItem) time.Duration { return i.TTL }, &ExpireOptions{
		SweepInterval: time.Millisecond,
		now:           clock.Now,
	})

	if err := st.AddOrUpdate(ttlItem{"item", time.Second}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	sub.Dispose()

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if !st.Has("item") {
		t.Error("disposed sweeper still evicting")
	}
}
