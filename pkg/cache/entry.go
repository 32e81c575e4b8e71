package cache

import (
	"time"
)

// State describes where a value returned by the cache came from.
type State string

const (
	// StateFresh means the value is younger than its TTL.
	StateFresh State = "fresh"

	// StateStale means the value expired and a refresh is in flight.
	StateStale State = "stale"

	// StateError means the value expired and the most recent refresh failed.
	StateError State = "error"

	// StateFallback means no cached value was usable and the FallbackProvider answered.
	StateFallback State = "fallback"

	// StateBypass means the resource is not cached (TTL 0) and the value came straight from the refresh.
	StateBypass State = "bypass"
)

// Entry is a cached upstream response.
type Entry struct {
	// Key is the request signature (see CacheKey)
	Key string

	// Value is the decoded response document. It is shared between callers and must not be mutated.
	Value any

	// StoredAt is when the value was last refreshed successfully
	StoredAt time.Time

	// TTL is the freshness window in force when the value was stored
	TTL time.Duration

	// LastError is the error of the most recent failed refresh, nil after a success
	LastError error

	// LastAttempt is when the most recent failed refresh finished
	LastAttempt time.Time
}

// Age returns how long ago the value was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.StoredAt)
	if age < 0 {
		return 0
	}
	return age
}

// IsFresh reports whether the entry is younger than ttl.
func (e *Entry) IsFresh(now time.Time, ttl time.Duration) bool {
	return e.Age(now) < ttl
}

// State derives the entry state for the given ttl.
func (e *Entry) State(now time.Time, ttl time.Duration) State {
	switch {
	case e.IsFresh(now, ttl):
		return StateFresh
	case e.LastError != nil:
		return StateError
	default:
		return StateStale
	}
}

// IsBeyondHardTTL reports whether the entry is too old to be served at all.
// A zero hardTTL disables the limit.
func (e *Entry) IsBeyondHardTTL(now time.Time, hardTTL time.Duration) bool {
	return hardTTL > 0 && e.Age(now) >= hardTTL
}
