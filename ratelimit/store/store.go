// Package store provides the counter store adapter backing the sliding
// window rate limiter: a Redis sorted-set implementation for distributed
// deployments and an in-process fallback.
package store

import (
	"context"
	"time"
)

// Result is the outcome of one admission check.
type Result struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Count is the number of requests in the window, including this one
	// when admitted.
	Count int64

	// ResetAt is when the oldest recorded request leaves the window.
	ResetAt time.Time

	// Member identifies the recorded request so it can later be removed
	// via Forget. Empty when the request was rejected.
	Member string
}

// Store is the atomic, TTL-capable counter backend used by the rate limiter.
// Implementations must be safe for concurrent use.
//
// Admit must execute purge-count-record as one atomic step: drop entries
// older than now-window, count the remainder, and record the request only
// when count < limit. A rejected request is never recorded.
type Store interface {
	// Admit performs one sliding-window admission check for key.
	Admit(ctx context.Context, key string, window time.Duration, limit int64) (Result, error)

	// Forget removes a previously recorded member, used by the
	// skip-successful and skip-failed accounting modes.
	Forget(ctx context.Context, key, member string) error

	// Reset removes all recorded requests for the key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
