package ratelimit

import (
	"context"
	"time"
)

// Entry is the state of one identifier's current window.
type Entry struct {
	Count   int
	ResetAt time.Time
}

// Store holds window entries. Implementations must make Increment atomic per key: concurrent
// callers for one key can never together be admitted past limit within a window.
type Store interface {
	// Get returns the live entry for key, or false when none exists or its window has ended.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Increment starts a fresh window of the given length when the current one has ended, then
	// increments the count if it is below limit. It reports whether the increment happened.
	Increment(ctx context.Context, key string, limit int, window time.Duration) (Entry, bool, error)
	// Reset drops the entry for key.
	Reset(ctx context.Context, key string) error
}
