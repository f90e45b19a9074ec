package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hnwatch/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBaselineIsAtomicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	ok, err := st.BaselineEstablished(ctx)
	if err != nil || ok {
		t.Fatalf("fresh db must have no baseline (ok=%v err=%v)", ok, err)
	}

	items := map[int64]KidSet{
		100: NewKidSet(1, 2),
		200: NewKidSet(3),
		300: NewKidSet(),
	}
	if err := st.EstablishBaseline(ctx, items); err != nil {
		t.Fatalf("EstablishBaseline: %v", err)
	}
	ok, err = st.BaselineEstablished(ctx)
	if err != nil || !ok {
		t.Fatalf("baseline flag not set (ok=%v err=%v)", ok, err)
	}

	snap, err := st.LoadMonitoredItems(ctx)
	if err != nil {
		t.Fatalf("LoadMonitoredItems: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("expected 3 items, got %d", len(snap))
	}
	if !snap[100].Has(1) || !snap[100].Has(2) || !snap[200].Has(3) {
		t.Fatalf("known kids missing: %v", snap)
	}
	if len(snap[300]) != 0 {
		t.Fatalf("item 300 should have no kids")
	}

	// Second call is a no-op, not an overwrite.
	if err := st.EstablishBaseline(ctx, map[int64]KidSet{999: NewKidSet(9)}); err != nil {
		t.Fatalf("repeat EstablishBaseline: %v", err)
	}
	snap, _ = st.LoadMonitoredItems(ctx)
	if _, found := snap[999]; found {
		t.Fatal("repeated baseline must not add items")
	}
}

func TestUpsertNeverShrinks(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	if err := st.UpsertItemKids(ctx, 100, 1, 2); err != nil {
		t.Fatalf("UpsertItemKids: %v", err)
	}
	// Upstream omits kid 2 later; the known set must keep it.
	if err := st.UpsertItemKids(ctx, 100, 1, 3); err != nil {
		t.Fatalf("UpsertItemKids: %v", err)
	}

	snap, err := st.LoadMonitoredItems(ctx)
	if err != nil {
		t.Fatalf("LoadMonitoredItems: %v", err)
	}
	got := snap[100].Sorted()
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPruneKeepsLedger(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	if err := st.UpsertItemKids(ctx, 100, 1); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertItemKids(ctx, 200, 3); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkNotified(ctx, 3, 200); err != nil {
		t.Fatal(err)
	}

	removed, err := st.PruneMissingItems(ctx, NewKidSet(100))
	if err != nil {
		t.Fatalf("PruneMissingItems: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned item, got %d", removed)
	}

	snap, _ := st.LoadMonitoredItems(ctx)
	if _, found := snap[200]; found {
		t.Fatal("item 200 should be pruned")
	}
	if _, found := snap[100]; !found {
		t.Fatal("item 100 should survive")
	}

	// The ledger outlives the monitored item.
	ok, err := st.IsNotified(ctx, 3)
	if err != nil || !ok {
		t.Fatalf("ledger entry lost after prune (ok=%v err=%v)", ok, err)
	}
}

func TestMarkNotifiedIsIdempotentAndDurable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	st := openTestStore(t, path)

	if err := st.MarkNotified(ctx, 5, 100); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	if err := st.MarkNotified(ctx, 5, 100); err != nil {
		t.Fatalf("repeat MarkNotified: %v", err)
	}
	n, err := st.CountNotifiedSince(ctx, time.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected single ledger row, got %d (err=%v)", n, err)
	}

	// Reopen the same file: the mark must survive the "restart".
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st2 := openTestStore(t, path)
	ok, err := st2.IsNotified(ctx, 5)
	if err != nil || !ok {
		t.Fatalf("mark lost across reopen (ok=%v err=%v)", ok, err)
	}
}

func TestRecentNotified(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	for kid := int64(1); kid <= 5; kid++ {
		if err := st.MarkNotified(ctx, kid, 100); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := st.RecentNotified(ctx, time.Now().Add(-time.Minute), 3)
	if err != nil {
		t.Fatalf("RecentNotified: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ItemID != 100 || e.At.IsZero() {
			t.Fatalf("bad entry: %+v", e)
		}
	}
}

func TestKidSetMissing(t *testing.T) {
	fetched := NewKidSet(4, 1, 3, 2)
	known := NewKidSet(1, 2)

	got := fetched.Missing(known)
	want := []int64{3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ascending %v, got %v", want, got)
		}
	}
}
