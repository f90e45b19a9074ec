// Package reconcile implements the polling cycle: diff each monitored
// item's children against durable state and notify each new reply exactly
// once.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"hnwatch/internal/hn"
	"hnwatch/internal/sanitize"
	"hnwatch/internal/storage"
	"hnwatch/pkg/logx"
)

type Engine struct {
	cfg   Config
	fetch Fetcher
	sink  Sink
	store storage.Store
	log   logx.Logger
}

func New(cfg Config, fetch Fetcher, sink Sink, store storage.Store, log logx.Logger) *Engine {
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = sanitize.PreviewLimit
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg, fetch: fetch, sink: sink, store: store, log: log}
}

// RunCycle executes one full reconciliation pass.
//
// The first run establishes a baseline (no notifications). Afterwards each
// cycle refreshes the submission list, diffs children per item, notifies
// new ones in ascending id order with a per-kid commit, and prunes items
// that left the submission list. Errors returned here abort only the
// current cycle; the caller retries on the next tick.
func (e *Engine) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	established, err := e.store.BaselineEstablished(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: baseline check: %w", err)
	}
	if !established {
		return e.bootstrap(ctx)
	}

	ids, err := e.fetch.UserSubmissions(ctx, e.cfg.Username)
	if err != nil {
		return stats, fmt.Errorf("reconcile: fetch submissions: %w", err)
	}
	current := storage.NewKidSet(ids...)

	snapshot, err := e.store.LoadMonitoredItems(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: load state: %w", err)
	}

	for _, itemID := range current.Sorted() {
		// Cancellation is honored between items, never inside one.
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Items++
		if err := e.processItem(ctx, itemID, snapshot[itemID], &stats); err != nil {
			return stats, err
		}
	}

	pruned, err := e.store.PruneMissingItems(ctx, current)
	if err != nil {
		return stats, fmt.Errorf("reconcile: prune: %w", err)
	}
	stats.Pruned = pruned
	return stats, nil
}

// processItem diffs one item's children and drives notification for the new
// ones. Transient fetch trouble skips the item for this cycle only;
// persistence failures propagate and abort the cycle.
func (e *Engine) processItem(ctx context.Context, itemID int64, known storage.KidSet, stats *CycleStats) error {
	ilog := e.log.With(logx.Int64("item", itemID))

	item, err := e.fetch.Item(ctx, itemID)
	if errors.Is(err, hn.ErrNotFound) {
		// Item vanished upstream; nothing to diff. It leaves the monitored
		// set via pruning once the submission list drops it.
		ilog.Debug("item gone upstream")
		return nil
	}
	if err != nil {
		ilog.Warn("item fetch failed, skipping this cycle", logx.Err(err))
		stats.SkippedItems++
		return nil
	}

	if known == nil {
		known = storage.NewKidSet()
	}
	fetched := storage.NewKidSet(item.Kids...)
	newKids := fetched.Missing(known)
	if len(newKids) == 0 {
		return nil
	}

	ilog.Info("new replies detected", logx.Int("count", len(newKids)))
	for _, kid := range newKids {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.NewKids++
		notified, err := e.processKid(ctx, itemID, kid)
		if err != nil {
			return err
		}
		if notified {
			stats.Notified++
		}
	}
	return nil
}

// processKid handles one new child to completion: detail fetch, sanitize,
// deliver, mark notified, and union into the known set -- in that order, so
// a crash at any point is safe. The returned error is nil unless the state
// store failed (which aborts the cycle) or ctx was cancelled.
func (e *Engine) processKid(ctx context.Context, itemID, kidID int64) (bool, error) {
	klog := e.log.With(logx.Int64("item", itemID), logx.Int64("kid", kidID))

	// Ledger check first: a crash after MarkNotified but before the known-set
	// union leaves the kid in the diff, and this is what keeps it silent.
	already, err := e.store.IsNotified(ctx, kidID)
	if err != nil {
		return false, fmt.Errorf("reconcile: ledger check kid %d: %w", kidID, err)
	}
	if already {
		klog.Debug("already notified, repairing known set")
		if err := e.store.UpsertItemKids(ctx, itemID, kidID); err != nil {
			return false, fmt.Errorf("reconcile: commit kid %d: %w", kidID, err)
		}
		return false, nil
	}

	kid, err := e.fetch.Item(ctx, kidID)
	switch {
	case errors.Is(err, hn.ErrNotFound):
		// Deleted before we saw it. Commit it as known so it is not
		// retried forever, but never notify.
		klog.Debug("reply gone upstream, recording without notification")
		if err := e.store.UpsertItemKids(ctx, itemID, kidID); err != nil {
			return false, fmt.Errorf("reconcile: commit kid %d: %w", kidID, err)
		}
		return false, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		klog.Warn("reply fetch failed, will retry next cycle", logx.Err(err))
		return false, nil
	case kid.Deleted || kid.Dead:
		klog.Debug("reply deleted or dead, recording without notification")
		if err := e.store.UpsertItemKids(ctx, itemID, kidID); err != nil {
			return false, fmt.Errorf("reconcile: commit kid %d: %w", kidID, err)
		}
		return false, nil
	}

	if err := e.sink.Deliver(ctx, e.formatNotification(kidID, kid)); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Kid stays outside the known set, so the next cycle retries it.
		klog.Warn("delivery failed, will retry next cycle", logx.Err(err))
		return false, nil
	}

	// Durable before the next kid: worst case after a crash here is a
	// skipped union, repaired by the ledger check above.
	if err := e.store.MarkNotified(ctx, kidID, itemID); err != nil {
		return false, fmt.Errorf("reconcile: mark notified kid %d: %w", kidID, err)
	}
	if err := e.store.UpsertItemKids(ctx, itemID, kidID); err != nil {
		return false, fmt.Errorf("reconcile: commit kid %d: %w", kidID, err)
	}
	klog.Info("notification sent")
	return true, nil
}

// bootstrap performs the first-run baseline: record every submission with
// its full current children set and send nothing. All-or-nothing -- any
// fetch failure aborts so a half-seen item can never trigger false
// notifications later.
func (e *Engine) bootstrap(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{Baseline: true}

	e.log.Info("establishing baseline", logx.String("user", e.cfg.Username))
	ids, err := e.fetch.UserSubmissions(ctx, e.cfg.Username)
	if err != nil {
		return stats, fmt.Errorf("reconcile: bootstrap submissions: %w", err)
	}

	items := make(map[int64]storage.KidSet, len(ids))
	for i, itemID := range ids {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		item, err := e.fetch.Item(ctx, itemID)
		switch {
		case errors.Is(err, hn.ErrNotFound):
			items[itemID] = storage.NewKidSet()
		case err != nil:
			return stats, fmt.Errorf("reconcile: bootstrap item %d: %w", itemID, err)
		default:
			items[itemID] = storage.NewKidSet(item.Kids...)
		}
		if n := i + 1; n%100 == 0 {
			e.log.Info("baseline progress", logx.Int("done", n), logx.Int("total", len(ids)))
		}
	}

	if err := e.store.EstablishBaseline(ctx, items); err != nil {
		return stats, fmt.Errorf("reconcile: establish baseline: %w", err)
	}
	stats.Items = len(items)
	e.log.Info("baseline established", logx.Int("items", len(items)))
	return stats, nil
}
