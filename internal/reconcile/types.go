package reconcile

import (
	"context"

	"hnwatch/internal/hn"
)

// Fetcher is the slice of the HN client the engine needs.
type Fetcher interface {
	UserSubmissions(ctx context.Context, username string) ([]int64, error)
	Item(ctx context.Context, id int64) (*hn.Item, error)
}

// Sink delivers one formatted notification. It must return nil only after
// the message is confirmed sent; the engine marks the kid notified right
// after and never delivers it again.
type Sink interface {
	Deliver(ctx context.Context, message string) error
}

type Config struct {
	Username     string
	PreviewLimit int
}

// CycleStats summarizes one reconciliation pass, for logging.
type CycleStats struct {
	Baseline     bool
	Items        int
	SkippedItems int
	NewKids      int
	Notified     int
	Pruned       int
}
