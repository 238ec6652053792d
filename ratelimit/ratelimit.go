package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencomply/gateway/ratelimit/store"
)

// ErrStoreUnavailable wraps a store failure surfaced under FailClosed.
// Under FailOpen the failure is absorbed and only logged.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

// FailurePolicy selects behavior when the backing store errors.
type FailurePolicy int

const (
	// FailOpen admits the request when the store is unreachable.
	FailOpen FailurePolicy = iota
	// FailClosed rejects the request when the store is unreachable.
	FailClosed
)

// String returns the string representation of the policy.
func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// ParseFailurePolicy parses a policy name, defaulting to FailOpen.
func ParseFailurePolicy(s string) FailurePolicy {
	if s == "fail-closed" {
		return FailClosed
	}
	return FailOpen
}

// Config configures a Limiter.
type Config struct {
	// Window is the sliding window length.
	// Default: 15 minutes
	Window time.Duration

	// MaxRequests is the number of requests admitted per key per window.
	// Default: 100
	MaxRequests int64

	// FailurePolicy selects fail-open or fail-closed on store errors.
	// Default: FailOpen
	FailurePolicy FailurePolicy

	// Logger receives store-failure warnings. Default: zap.NewNop().
	Logger *zap.Logger
}

// Result is the outcome of one admission decision.
type Result struct {
	// Allowed reports whether the request was admitted.
	Allowed bool
	// Limit is the configured per-window maximum.
	Limit int64
	// Count is the number of requests currently in the window.
	Count int64
	// Remaining is Limit minus Count, floored at zero.
	Remaining int64
	// ResetAt is when the oldest in-window request expires.
	ResetAt time.Time
	// Window is the configured window length.
	Window time.Duration
	// Member identifies the recorded request for Forget; empty on rejection.
	Member string
	// FailedOpen marks an admission granted only because the store was
	// unavailable under the fail-open policy.
	FailedOpen bool
}

// RetryAfter returns how long the caller should wait before retrying.
func (r Result) RetryAfter() time.Duration {
	d := time.Until(r.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// Error is the admission-denied condition surfaced on the outbound call
// path. It is never fatal; the caller should retry after ResetAt.
type Error struct {
	Key     string
	Limit   int64
	Window  time.Duration
	ResetAt time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("ratelimit: limit of %d per %s exceeded for %q, retry after %s",
		e.Limit, e.Window, e.Key, e.ResetAt.Format(time.RFC3339))
}

// Limiter is sliding-window admission control over a counter store.
// It is safe for concurrent use; admission checks for different keys are
// independent and are not serialized behind each other's store I/O.
type Limiter struct {
	st     store.Store
	window time.Duration
	limit  int64
	policy FailurePolicy
	log    *zap.Logger
}

// New creates a Limiter with defaults applied.
func New(st store.Store, config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = 15 * time.Minute
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 100
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Limiter{
		st:     st,
		window: config.Window,
		limit:  config.MaxRequests,
		policy: config.FailurePolicy,
		log:    config.Logger,
	}
}

// Limit returns the configured per-window maximum.
func (l *Limiter) Limit() int64 { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit performs one admission check for key.
//
// A "limit exceeded" outcome is a Result with Allowed=false and a nil
// error. A non-nil error is only returned for genuine store failures under
// FailClosed; under FailOpen those are logged and the request is admitted.
func (l *Limiter) Admit(ctx context.Context, key string) (Result, error) {
	res, err := l.st.Admit(ctx, key, l.window, l.limit)
	if err != nil {
		if l.policy == FailClosed {
			l.log.Error("rate limit store unavailable, failing closed",
				zap.String("key", key), zap.Error(err))
			return Result{
				Allowed: false,
				Limit:   l.limit,
				Window:  l.window,
				ResetAt: time.Now().Add(l.window),
			}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		l.log.Warn("rate limit store unavailable, failing open",
			zap.String("key", key), zap.Error(err))
		return Result{
			Allowed:    true,
			Limit:      l.limit,
			Remaining:  l.limit,
			Window:     l.window,
			ResetAt:    time.Now().Add(l.window),
			FailedOpen: true,
		}, nil
	}

	remaining := l.limit - res.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   res.Allowed,
		Limit:     l.limit,
		Count:     res.Count,
		Remaining: remaining,
		ResetAt:   res.ResetAt,
		Window:    l.window,
		Member:    res.Member,
	}, nil
}

// Forget removes a previously admitted request from the window, used by the
// skip-successful and skip-failed accounting modes. Failures are logged,
// not surfaced: losing one decrement never justifies failing a request.
func (l *Limiter) Forget(ctx context.Context, key, member string) {
	if member == "" {
		return
	}
	if err := l.st.Forget(ctx, key, member); err != nil {
		l.log.Warn("rate limit forget failed",
			zap.String("key", key), zap.Error(err))
	}
}
