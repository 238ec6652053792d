package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencomply/gateway/ratelimit/store"
)

func newTestHandler(t *testing.T, cfg Config, mw MiddlewareConfig) http.Handler {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	limiter := New(st, cfg)
	return limiter.Middleware(mw)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func doRequest(handler http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/requests", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SetsHeadersOnAcceptance(t *testing.T) {
	handler := newTestHandler(t, Config{Window: 900 * time.Second, MaxRequests: 5}, MiddlewareConfig{})

	rec := doRequest(handler, "10.0.0.1:1234")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "900", rec.Header().Get("X-RateLimit-Window"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestMiddleware_RejectsWith429(t *testing.T) {
	handler := newTestHandler(t, Config{Window: 900 * time.Second, MaxRequests: 5}, MiddlewareConfig{})

	for i := 0; i < 5; i++ {
		rec := doRequest(handler, "10.0.0.1:1234")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := doRequest(handler, "10.0.0.1:1234")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body rateLimitErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, ErrorCodeRateLimitExceeded, body.Error.Code)
	assert.InDelta(t, 900, body.Error.RetryAfter, 2, "retryAfter should be about 900 seconds")
	assert.NotEmpty(t, body.Error.Timestamp)
}

func TestMiddleware_KeysClientsIndependently(t *testing.T) {
	handler := newTestHandler(t, Config{Window: time.Minute, MaxRequests: 1}, MiddlewareConfig{})

	require.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.1:1").Code)
	require.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1:2").Code, "same IP, different port")
	assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.2:1").Code, "different IP")
}

func TestMiddleware_EmptyKeySkipsLimiting(t *testing.T) {
	handler := newTestHandler(t, Config{Window: time.Minute, MaxRequests: 1}, MiddlewareConfig{
		KeyFunc: ByHeader("X-API-Key"),
	})

	for i := 0; i < 5; i++ {
		rec := doRequest(handler, "10.0.0.1:1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddleware_ByHeaderKeying(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	limiter := New(st, Config{Window: time.Minute, MaxRequests: 1})
	handler := limiter.Middleware(MiddlewareConfig{KeyFunc: ByHeader("X-API-Key")})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, send("alpha"))
	assert.Equal(t, http.StatusTooManyRequests, send("alpha"))
	assert.Equal(t, http.StatusOK, send("beta"))
}

func TestMiddleware_SkipSuccessfulRequests(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	limiter := New(st, Config{Window: time.Minute, MaxRequests: 1})

	handler := limiter.Middleware(MiddlewareConfig{SkipSuccessfulRequests: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	// Successful responses are refunded, so the same client is never limited.
	for i := 0; i < 4; i++ {
		rec := doRequest(handler, "10.0.0.1:1")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
}

func TestMiddleware_SkipFailedRequests(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	limiter := New(st, Config{Window: time.Minute, MaxRequests: 2})

	status := http.StatusBadGateway
	handler := limiter.Middleware(MiddlewareConfig{SkipFailedRequests: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

	// Failed responses are refunded.
	for i := 0; i < 4; i++ {
		rec := doRequest(handler, "10.0.0.1:1")
		require.Equal(t, http.StatusBadGateway, rec.Code, "request %d", i+1)
	}

	// Successes start counting.
	status = http.StatusOK
	require.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.1:1").Code)
	require.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1:1").Code)
}

func TestMiddleware_FailClosedReturns500(t *testing.T) {
	limiter := New(brokenStore{}, Config{
		Window:        time.Minute,
		MaxRequests:   1,
		FailurePolicy: FailClosed,
	})
	handler := limiter.Middleware(MiddlewareConfig{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := doRequest(handler, "10.0.0.1:1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMiddleware_FailOpenAdmits(t *testing.T) {
	limiter := New(brokenStore{}, Config{Window: time.Minute, MaxRequests: 1})
	handler := limiter.Middleware(MiddlewareConfig{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	for i := 0; i < 3; i++ {
		rec := doRequest(handler, "10.0.0.1:1")
		require.Equal(t, http.StatusOK, rec.Code, "store outage must admit under fail-open")
	}
}
