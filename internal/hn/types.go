package hn

import "fmt"

// Item is the subset of the HN item schema the watcher cares about.
// Unknown fields in the API response are ignored, so schema additions
// upstream never break decoding.
type Item struct {
	ID      int64   `json:"id"`
	Type    string  `json:"type"`
	By      string  `json:"by"`
	Text    string  `json:"text"`
	Kids    []int64 `json:"kids"`
	Deleted bool    `json:"deleted"`
	Dead    bool    `json:"dead"`
	Time    int64   `json:"time"`
}

// user is the /user/<name>.json response; only the submission list matters.
type user struct {
	Submitted []int64 `json:"submitted"`
}

// ItemURL returns the public permalink for an item or comment.
func ItemURL(id int64) string {
	return fmt.Sprintf("https://news.ycombinator.com/item?id=%d", id)
}
