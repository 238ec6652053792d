// Package ratelimit provides sliding-window admission control per logical
// key (caller identity, route, or user), backed by the store package.
//
// The limiter evaluates a continuously sliding window: only requests within
// [now-window, now] count toward the limit, so bursts spanning a fixed
// window boundary are still capped correctly. The store executes
// purge-count-record as one atomic step; a rejected request is never
// recorded.
//
// When the backing store itself fails, behavior is a configurable policy:
// FailOpen (the default) admits the request and logs the store error,
// prioritizing availability of the protected system over strict quota
// enforcement during a store outage; FailClosed rejects instead.
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	limiter := ratelimit.New(st, ratelimit.Config{
//	    Window:      15 * time.Minute,
//	    MaxRequests: 100,
//	})
//
//	res, err := limiter.Admit(ctx, "user:42")
//	if err == nil && !res.Allowed {
//	    // reject, retry after res.ResetAt
//	}
//
// Middleware adapts the limiter to inbound HTTP admission control with
// X-RateLimit-* response headers and a structured 429 body.
package ratelimit
