package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"hnwatch/internal/hn"
	"hnwatch/internal/storage"
	"hnwatch/pkg/logx"
)

type fakeFetcher struct {
	submissions []int64
	subErr      error
	items       map[int64]*hn.Item
	itemErrs    map[int64]error
}

func (f *fakeFetcher) UserSubmissions(ctx context.Context, username string) ([]int64, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	return append([]int64(nil), f.submissions...), nil
}

func (f *fakeFetcher) Item(ctx context.Context, id int64) (*hn.Item, error) {
	if err, ok := f.itemErrs[id]; ok {
		return nil, err
	}
	it, ok := f.items[id]
	if !ok {
		return nil, hn.ErrNotFound
	}
	return it, nil
}

type fakeSink struct {
	delivered []string
	// failSubstr makes Deliver fail for messages containing it.
	failSubstr string
}

func (s *fakeSink) Deliver(ctx context.Context, message string) error {
	if s.failSubstr != "" && strings.Contains(message, s.failSubstr) {
		return errors.New("sink unavailable")
	}
	s.delivered = append(s.delivered, message)
	return nil
}

func kidLink(id int64) string { return fmt.Sprintf("item?id=%d", id) }

func newTestStore(t *testing.T) (storage.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := storage.Open(storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func newEngine(fetch Fetcher, sink Sink, st storage.Store) *Engine {
	return New(Config{Username: "alice"}, fetch, sink, st, logx.Nop())
}

func item(id int64, by, text string, kids ...int64) *hn.Item {
	return &hn.Item{ID: id, By: by, Text: text, Kids: kids, Type: "comment"}
}

func TestBaselineSendsNothing(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100, 200},
		items: map[int64]*hn.Item{
			100: item(100, "alice", "", 1, 2),
			200: item(200, "alice", "", 3),
		},
	}
	sink := &fakeSink{}
	eng := newEngine(fetch, sink, st)

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("baseline cycle: %v", err)
	}
	if !stats.Baseline {
		t.Fatal("first cycle should establish the baseline")
	}
	if len(sink.delivered) != 0 {
		t.Fatalf("baseline must send nothing, sent %d", len(sink.delivered))
	}

	snap, err := st.LoadMonitoredItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !snap[100].Has(1) || !snap[100].Has(2) || !snap[200].Has(3) {
		t.Fatalf("baseline did not populate known children: %v", snap)
	}

	// Same upstream data: the next cycle is a steady-state no-op.
	stats, err = eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.Baseline || len(sink.delivered) != 0 {
		t.Fatalf("no-change cycle must stay silent, stats=%+v", stats)
	}
}

// The concrete scenario: known {1,2}, fetch {1,2,3,4}, notify 3 then 4.
func TestNewRepliesNotifiedAscending(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100},
		items: map[int64]*hn.Item{
			100: item(100, "alice", "", 1, 2),
		},
	}
	sink := &fakeSink{}
	eng := newEngine(fetch, sink, st)
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	fetch.items[100] = item(100, "alice", "", 4, 3, 1, 2)
	fetch.items[3] = item(3, "bob", "<p>first reply</p>")
	fetch.items[4] = item(4, "carol", "second reply")

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stats.Notified != 2 {
		t.Fatalf("expected 2 notifications, got %d", stats.Notified)
	}
	if len(sink.delivered) != 2 ||
		!strings.Contains(sink.delivered[0], kidLink(3)) ||
		!strings.Contains(sink.delivered[1], kidLink(4)) {
		t.Fatalf("expected ascending delivery of 3 then 4, got %v", sink.delivered)
	}
	if !strings.Contains(sink.delivered[0], "bob") || !strings.Contains(sink.delivered[0], "first reply") {
		t.Fatalf("message missing author/preview: %q", sink.delivered[0])
	}

	snap, _ := st.LoadMonitoredItems(ctx)
	for _, kid := range []int64{1, 2, 3, 4} {
		if !snap[100].Has(kid) {
			t.Fatalf("known set missing %d: %v", kid, snap[100])
		}
	}
	for _, kid := range []int64{3, 4} {
		ok, err := st.IsNotified(ctx, kid)
		if err != nil || !ok {
			t.Fatalf("kid %d not in ledger (ok=%v err=%v)", kid, ok, err)
		}
	}
}

func TestNoDuplicatesAcrossCycles(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100},
		items:       map[int64]*hn.Item{100: item(100, "alice", "")},
	}
	sink := &fakeSink{}
	eng := newEngine(fetch, sink, st)
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	fetch.items[100] = item(100, "alice", "", 3)
	fetch.items[3] = item(3, "bob", "hi")

	for i := 0; i < 5; i++ {
		if _, err := eng.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if len(sink.delivered) != 1 {
		t.Fatalf("kid 3 delivered %d times", len(sink.delivered))
	}
}

func TestDeliveryFailureRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100},
		items:       map[int64]*hn.Item{100: item(100, "alice", "")},
	}
	sink := &fakeSink{}
	eng := newEngine(fetch, sink, st)
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	fetch.items[100] = item(100, "alice", "", 3, 4)
	fetch.items[3] = item(3, "bob", "three")
	fetch.items[4] = item(4, "carol", "four")

	// Kid 3 fails this cycle; kid 4 must still go out.
	sink.failSubstr = kidLink(3)
	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle with failing sink: %v", err)
	}
	if stats.Notified != 1 || len(sink.delivered) != 1 || !strings.Contains(sink.delivered[0], kidLink(4)) {
		t.Fatalf("expected only kid 4 delivered, got %v", sink.delivered)
	}
	snap, _ := st.LoadMonitoredItems(ctx)
	if snap[100].Has(3) {
		t.Fatal("failed kid must stay out of the known set")
	}

	// Sink recovers: kid 3 goes out exactly once, kid 4 is not repeated.
	sink.failSubstr = ""
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if len(sink.delivered) != 2 || !strings.Contains(sink.delivered[1], kidLink(3)) {
		t.Fatalf("expected kid 3 on recovery, got %v", sink.delivered)
	}
}

// Crash simulation: MarkNotified(5) committed, known-set union lost.
func TestRestartAfterMarkNotified(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100},
		items:       map[int64]*hn.Item{100: item(100, "alice", "", 1, 2)},
	}
	sink := &fakeSink{}
	eng := newEngine(fetch, sink, st)
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	// The "crash": the ledger has kid 5 but the known set does not.
	if err := st.MarkNotified(ctx, 5, 100); err != nil {
		t.Fatal(err)
	}

	fetch.items[100] = item(100, "alice", "", 1, 2, 5, 6)
	fetch.items[5] = item(5, "bob", "already sent before the crash")
	fetch.items[6] = item(6, "carol", "still pending")

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("post-restart cycle: %v", err)
	}
	if stats.Notified != 1 || len(sink.delivered) != 1 || !strings.Contains(sink.delivered[0], kidLink(6)) {
		t.Fatalf("kid 5 must not be re-delivered; got %v", sink.delivered)
	}
	snap, _ := st.LoadMonitoredItems(ctx)
	if !snap[100].Has(5) || !snap[100].Has(6) {
		t.Fatalf("known set not repaired: %v", snap[100])
	}
}

func TestStalePruningKeepsLedger(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100, 200},
		items: map[int64]*hn.Item{
			100: item(100, "alice", "", 1),
			200: item(200, "alice", ""),
		},
	}
	sink := &fakeSink{}
	eng := newEngine(fetch, sink, st)
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	fetch.items[200] = item(200, "alice", "", 4)
	fetch.items[4] = item(4, "bob", "reply on 200")
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	// Item 200 leaves the submission list.
	fetch.submissions = []int64{100}
	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("prune cycle: %v", err)
	}
	if stats.Pruned != 1 {
		t.Fatalf("expected 1 pruned item, got %d", stats.Pruned)
	}
	snap, _ := st.LoadMonitoredItems(ctx)
	if _, found := snap[200]; found {
		t.Fatal("item 200 should be gone from the monitored set")
	}
	ok, err := st.IsNotified(ctx, 4)
	if err != nil || !ok {
		t.Fatalf("ledger entry for kid 4 must survive pruning (ok=%v err=%v)", ok, err)
	}
}

func TestItemFetchFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100, 200},
		items: map[int64]*hn.Item{
			100: item(100, "alice", ""),
			200: item(200, "alice", ""),
		},
	}
	sink := &fakeSink{}
	eng := newEngine(fetch, sink, st)
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	fetch.itemErrs = map[int64]error{100: errors.New("upstream 503")}
	fetch.items[200] = item(200, "alice", "", 9)
	fetch.items[9] = item(9, "bob", "only reply")

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stats.SkippedItems != 1 {
		t.Fatalf("expected item 100 skipped, stats=%+v", stats)
	}
	if len(sink.delivered) != 1 || !strings.Contains(sink.delivered[0], kidLink(9)) {
		t.Fatalf("item 200 must still be processed, got %v", sink.delivered)
	}
}

func TestDeletedReplyRecordedWithoutNotification(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100},
		items:       map[int64]*hn.Item{100: item(100, "alice", "")},
	}
	sink := &fakeSink{}
	eng := newEngine(fetch, sink, st)
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	fetch.items[100] = item(100, "alice", "", 7, 8)
	fetch.items[7] = &hn.Item{ID: 7, Deleted: true}
	// kid 8 has no detail at all (API null).

	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.delivered) != 0 {
		t.Fatalf("deleted replies must not notify, got %v", sink.delivered)
	}
	snap, _ := st.LoadMonitoredItems(ctx)
	if !snap[100].Has(7) || !snap[100].Has(8) {
		t.Fatalf("gone replies must still enter the known set: %v", snap[100])
	}
	if ok, _ := st.IsNotified(ctx, 7); ok {
		t.Fatal("deleted reply must not be in the ledger")
	}
}

func TestNewSubmissionRepliesAreNotified(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100},
		items:       map[int64]*hn.Item{100: item(100, "alice", "", 1)},
	}
	sink := &fakeSink{}
	eng := newEngine(fetch, sink, st)
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	// A submission made after monitoring started already has a reply.
	fetch.submissions = []int64{100, 300}
	fetch.items[300] = item(300, "alice", "", 11)
	fetch.items[11] = item(11, "bob", "fresh reply to a fresh post")

	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.delivered) != 1 || !strings.Contains(sink.delivered[0], kidLink(11)) {
		t.Fatalf("expected reply on the new submission, got %v", sink.delivered)
	}
}

func TestCancelledContextStopsCycle(t *testing.T) {
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100},
		items:       map[int64]*hn.Item{100: item(100, "alice", "")},
	}
	eng := newEngine(fetch, &fakeSink{}, st)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := eng.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSubmissionFetchFailureAbortsCycle(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fetch := &fakeFetcher{
		submissions: []int64{100},
		items:       map[int64]*hn.Item{100: item(100, "alice", "")},
	}
	eng := newEngine(fetch, &fakeSink{}, st)
	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	fetch.subErr = errors.New("rate limited")
	if _, err := eng.RunCycle(ctx); err == nil {
		t.Fatal("expected the cycle to abort")
	}
}
