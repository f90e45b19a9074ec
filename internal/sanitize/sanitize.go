// Package sanitize turns HN comment HTML into plain text suitable for a
// Telegram message body.
package sanitize

import (
	"html"
	"regexp"
	"strings"
)

// PreviewLimit is the default cap for comment previews, marker included.
const PreviewLimit = 300

var (
	breakRe = regexp.MustCompile(`(?i)<(?:p|br)\s*/?>`)
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe = regexp.MustCompile(`[ \t]+`)
	blankRe = regexp.MustCompile(`\n{3,}`)
)

// Strip removes markup from HN comment HTML and unescapes entities.
// Paragraph and line breaks become newlines so quoted replies stay readable.
func Strip(raw string) string {
	s := breakRe.ReplaceAllString(raw, "\n")
	s = tagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = spaceRe.ReplaceAllString(s, " ")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Truncate hard-caps s at max runes. When truncation happens the result is
// exactly max runes long, the last three being the "..." marker.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return strings.Repeat(".", max)
	}
	return string(runes[:max-3]) + "..."
}

// Preview is Strip followed by Truncate at the default limit.
func Preview(raw string) string {
	return Truncate(Strip(raw), PreviewLimit)
}
