package reconcile

import (
	"fmt"

	"hnwatch/internal/hn"
	"hnwatch/internal/sanitize"
)

// formatNotification builds the outbound plain-text message: reply author,
// sanitized preview, permalink.
func (e *Engine) formatNotification(kidID int64, kid *hn.Item) string {
	author := kid.By
	if author == "" {
		author = "unknown"
	}
	preview := sanitize.Truncate(sanitize.Strip(kid.Text), e.cfg.PreviewLimit)
	if preview == "" {
		preview = "(no text)"
	}
	return fmt.Sprintf("New HN reply/comment by %s:\n\n%s\n\n%s", author, preview, hn.ItemURL(kidID))
}
