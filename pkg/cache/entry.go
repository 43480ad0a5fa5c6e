package cache

import (
	"time"
)

// Entry is a cached value together with the time it was produced and the
// window during which it counts as fresh.
type Entry struct {
	Key             string
	Value           any
	Timestamp       time.Time
	FreshnessWindow time.Duration

	// encoded marks a value seeded from a SessionStore that still holds its
	// JSON form; it is decoded on the first typed read.
	encoded bool
}

// IsFresh reports whether the entry is still within its freshness window at now.
func (e Entry) IsFresh(now time.Time) bool {
	return now.Sub(e.Timestamp) < e.FreshnessWindow
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// StoredEntry is the persisted form of an Entry written to a SessionStore.
// The value is kept as JSON so any store can hold it.
type StoredEntry struct {
	Key             string        `json:"key" firestore:"key"`
	Value           []byte        `json:"value" firestore:"value"`
	Timestamp       time.Time     `json:"timestamp" firestore:"timestamp"`
	FreshnessWindow time.Duration `json:"freshnessWindow" firestore:"freshnessWindow"`
}
