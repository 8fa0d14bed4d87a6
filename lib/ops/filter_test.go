package ops

import (
	"testing"

	"github.com/rkvlib/rkv/lib/changeset"
	optest "github.com/rkvlib/rkv/lib/ops/testing"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/store/kstore"
)

func newAdults() (store.Store[string, person], *Filter[string, person]) {
	st := kstore.New[string, person](byName, nil)
	return st, NewFilter[string, person](st, func(p person) bool { return p.Age >= 18 })
}

func TestFilterSnapshot(t *testing.T) {
	st, adults := newAdults()
	defer st.Dispose()

	if err := st.AddOrUpdate(person{"kid", 10}, person{"adult", 30}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	agg, sub := optest.Observe[string, person](adults)
	defer sub.Dispose()

	if agg.Len() != 1 {
		t.Fatalf("expected 1 passing item, got %d", agg.Len())
	}
	if _, ok := agg.Get("adult"); !ok {
		t.Error("expected adult in the view")
	}
}

func TestFilterMembershipTransitions(t *testing.T) {
	st, adults := newAdults()
	defer st.Dispose()

	agg, sub := optest.Observe[string, person](adults)
	defer sub.Dispose()

	// Below the predicate: invisible.
	if err := st.AddOrUpdate(person{"p", 10}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if agg.SetCount() != 0 {
		t.Fatal("non-passing add must not surface")
	}

	// Crosses into the view: surfaces as Add, not Update.
	if err := st.AddOrUpdate(person{"p", 20}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if c := agg.LastSet()[0]; c.Reason != changeset.ReasonAdd {
		t.Fatalf("entry must surface as Add, got %+v", c)
	}

	// Stays inside: plain Update.
	if err := st.AddOrUpdate(person{"p", 21}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if c := agg.LastSet()[0]; c.Reason != changeset.ReasonUpdate {
		t.Fatalf("inside update must stay Update, got %+v", c)
	}

	// Crosses out of the view: surfaces as Remove.
	if err := st.AddOrUpdate(person{"p", 5}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if c := agg.LastSet()[0]; c.Reason != changeset.ReasonRemove {
		t.Fatalf("exit must surface as Remove, got %+v", c)
	}
	if agg.Len() != 0 {
		t.Errorf("expected empty view, got %d items", agg.Len())
	}

	// Upstream removal of an invisible item stays invisible.
	before := agg.SetCount()
	if err := st.RemoveItems(person{Name: "p"}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if agg.SetCount() != before {
		t.Error("removal of a non-passing item must not surface")
	}
}

func TestFilterRefreshReevaluates(t *testing.T) {
	// With mutable values a Refresh can change the predicate result.
	type wallet struct{ cents int }
	st := kstore.NewExplicit[string, *wallet](nil)
	defer st.Dispose()

	rich := NewFilter[string, *wallet](st, func(w *wallet) bool { return w.cents >= 100 })
	agg, sub := optest.Observe[string, *wallet](rich)
	defer sub.Dispose()

	w := &wallet{cents: 250}
	if err := st.Set("w", w); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if agg.Len() != 1 {
		t.Fatal("expected wallet in the view")
	}

	// In-place mutation below the threshold, signalled via Refresh.
	w.cents = 10
	if err := st.Refresh("w"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if c := agg.LastSet()[0]; c.Reason != changeset.ReasonRemove {
		t.Fatalf("refresh below threshold must surface as Remove, got %+v", c)
	}

	// And back in.
	w.cents = 500
	if err := st.Refresh("w"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if c := agg.LastSet()[0]; c.Reason != changeset.ReasonAdd {
		t.Fatalf("refresh above threshold must surface as Add, got %+v", c)
	}
}

func TestFilterCompletesWithUpstream(t *testing.T) {
	st, adults := newAdults()

	agg, sub := optest.Observe[string, person](adults)
	defer sub.Dispose()

	if err := st.Dispose(); err != nil {
		t.Fatalf("dispose failed: %v", err)
	}
	if !agg.Completed() {
		t.Error("expected completion when the upstream store is disposed")
	}
}
