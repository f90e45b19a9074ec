package storage

import (
	"sort"
	"time"
)

// KidSet is a set of child (reply) ids.
type KidSet map[int64]struct{}

func NewKidSet(ids ...int64) KidSet {
	s := make(KidSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s KidSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

func (s KidSet) Add(ids ...int64) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Sorted returns the members in ascending order.
func (s KidSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing returns the members of s absent from other, ascending.
func (s KidSet) Missing(other KidSet) []int64 {
	var out []int64
	for id := range s {
		if !other.Has(id) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NotifiedEntry is one row of the append-only notified ledger.
type NotifiedEntry struct {
	KidID  int64
	ItemID int64
	At     time.Time
}

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
