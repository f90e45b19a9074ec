package storage

import (
	"context"
	"time"
)

// Store is the durable state API used by the reconciliation engine.
//
// Two independent pieces of state live behind it:
//   - the monitored set: item id -> known children (union-only, mirrors the
//     user's current submission list)
//   - the notified ledger: append-only record of every reply already
//     delivered; it survives item pruning and is never rewritten
//
// Every mutation is a single transaction, so a crash between calls leaves
// committed state intact and nothing half-applied.
type Store interface {
	// LoadMonitoredItems returns the full monitored snapshot.
	LoadMonitoredItems(ctx context.Context) (map[int64]KidSet, error)

	// BaselineEstablished reports whether the first-run baseline was written.
	BaselineEstablished(ctx context.Context) (bool, error)

	// EstablishBaseline writes the whole monitored set in one transaction
	// and flips the baseline flag. Calling it again is a no-op.
	EstablishBaseline(ctx context.Context, items map[int64]KidSet) error

	// UpsertItemKids merges kids into an item's known set, creating the
	// item row when absent. Known children are never removed here.
	UpsertItemKids(ctx context.Context, itemID int64, kids ...int64) error

	// PruneMissingItems deletes monitored items (and their known sets) not
	// present in current. The notified ledger is untouched. Returns the
	// number of items removed.
	PruneMissingItems(ctx context.Context, current KidSet) (int, error)

	// IsNotified and MarkNotified are the dedup primitives. MarkNotified is
	// durable before it returns and idempotent for an already-recorded kid.
	IsNotified(ctx context.Context, kidID int64) (bool, error)
	MarkNotified(ctx context.Context, kidID, itemID int64) error

	// CountNotifiedSince and RecentNotified read the ledger for reporting.
	CountNotifiedSince(ctx context.Context, since time.Time) (int, error)
	RecentNotified(ctx context.Context, since time.Time, limit int) ([]NotifiedEntry, error)

	Close() error
}
