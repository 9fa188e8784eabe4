package cache

import (
	"time"
)

// Freshness classifies a cache entry at a point in time.
type Freshness int

const (
	// Absent means no entry, or an expired one.
	Absent Freshness = iota

	// Fresh entries can be used without touching the network.
	Fresh

	// Stale entries are still usable but should be revalidated in the background.
	Stale
)

// String returns a lowercase label used in logs and metrics.
func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// Entry is a cached value with its freshness window and tags.
type Entry struct {
	// Data is the cached value, as handed to Set.
	Data any

	// Timestamp is when the value was stored.
	Timestamp time.Time

	// Expires is Timestamp + TTL. Reads after Expires evict the entry.
	Expires time.Time

	// Tags group entries for bulk invalidation (e.g. "products").
	Tags []string

	// StaleWhileRevalidate is how long after Timestamp the entry stays fresh.
	// Zero means the entry is fresh until it expires.
	StaleWhileRevalidate time.Duration

	// Version is the write stamp used to reject out-of-order writes.
	Version uint64
}

// IsExpired reports whether now is past Expires.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.Expires)
}

// IsStale reports whether now falls in (Timestamp+StaleWhileRevalidate, Expires].
func (e *Entry) IsStale(now time.Time) bool {
	if e.StaleWhileRevalidate <= 0 || e.IsExpired(now) {
		return false
	}
	return now.After(e.Timestamp.Add(e.StaleWhileRevalidate))
}

// Freshness classifies the entry at now.
func (e *Entry) Freshness(now time.Time) Freshness {
	switch {
	case e.IsExpired(now):
		return Absent
	case e.IsStale(now):
		return Stale
	default:
		return Fresh
	}
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.Expires.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// HasTag reports whether the entry carries any of the given tags.
func (e *Entry) HasTag(tags ...string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}
