// Package digest produces the once-a-day activity summary from the
// notified ledger.
package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hnwatch/internal/hn"
	"hnwatch/internal/storage"
	"hnwatch/pkg/logx"
)

// Sink matches the notification sink; the digest goes to the same chat.
type Sink interface {
	Deliver(ctx context.Context, message string) error
}

const window = 24 * time.Hour
const maxLinks = 5

type Service struct {
	store storage.Store
	sink  Sink
	log   logx.Logger
}

func New(store storage.Store, sink Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, sink: sink, log: log}
}

// Send delivers the summary for the trailing 24 hours. Quiet days send
// nothing.
func (s *Service) Send(ctx context.Context) error {
	since := time.Now().Add(-window)

	n, err := s.store.CountNotifiedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("digest: count: %w", err)
	}
	if n == 0 {
		s.log.Debug("digest skipped, no activity")
		return nil
	}

	entries, err := s.store.RecentNotified(ctx, since, maxLinks)
	if err != nil {
		return fmt.Errorf("digest: recent: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily digest: %d new %s in the last 24h.", n, plural(n, "reply", "replies"))
	if len(entries) > 0 {
		b.WriteString("\n\nMost recent:")
		for _, e := range entries {
			b.WriteString("\n")
			b.WriteString(hn.ItemURL(e.KidID))
		}
	}

	if err := s.sink.Deliver(ctx, b.String()); err != nil {
		return fmt.Errorf("digest: deliver: %w", err)
	}
	s.log.Info("digest sent", logx.Int("replies", n))
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
