package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/opencomply/gateway/clock"
	"github.com/opencomply/gateway/ratelimit/store"
)

// brokenStore simulates a backend outage: every operation errors.
type brokenStore struct{}

func (brokenStore) Admit(context.Context, string, time.Duration, int64) (store.Result, error) {
	return store.Result{}, errors.New("dial tcp: connection refused")
}
func (brokenStore) Forget(context.Context, string, string) error { return errors.New("unavailable") }
func (brokenStore) Reset(context.Context, string) error          { return errors.New("unavailable") }
func (brokenStore) Close() error                                 { return nil }

func newMemoryLimiter(t *testing.T, cfg Config) (*Limiter, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	st := store.NewMemory(store.WithClock(clk))
	t.Cleanup(func() { _ = st.Close() })
	return New(st, cfg), clk
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(store.NewMemory(), Config{})
	assert.Equal(t, int64(100), l.Limit())
	assert.Equal(t, 15*time.Minute, l.Window())
}

func TestLimiter_WindowCapNeverExceeded(t *testing.T) {
	l, clk := newMemoryLimiter(t, Config{Window: 10 * time.Second, MaxRequests: 3})
	ctx := context.Background()

	// Interleave admissions with time advances; the accepted count inside
	// any 10s window must never exceed 3.
	accepted := 0
	for i := 0; i < 30; i++ {
		res, err := l.Admit(ctx, "k")
		require.NoError(t, err)
		if res.Allowed {
			accepted++
		}
		assert.LessOrEqual(t, res.Count, int64(3))
		clk.Advance(time.Second)
	}
	assert.Greater(t, accepted, 3, "window must slide, not lock out forever")
}

func TestLimiter_SixthRequestRejected(t *testing.T) {
	l, _ := newMemoryLimiter(t, Config{Window: 900 * time.Second, MaxRequests: 5})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Admit(ctx, "user:1")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i+1)
	}

	res, err := l.Admit(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)

	retryAfter := res.ResetAt.Sub(time.Unix(1_700_000_000, 0))
	assert.InDelta(t, 900, retryAfter.Seconds(), 1, "retryAfter should be about the window length")
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := New(brokenStore{}, Config{
		Window:      time.Minute,
		MaxRequests: 5,
		Logger:      zap.New(core),
	})

	res, err := l.Admit(context.Background(), "k")
	require.NoError(t, err, "store outage must not propagate under fail-open")
	assert.True(t, res.Allowed)
	assert.True(t, res.FailedOpen)
	assert.Equal(t, 1, logs.FilterMessage("rate limit store unavailable, failing open").Len())
}

func TestLimiter_FailsClosedWhenConfigured(t *testing.T) {
	l := New(brokenStore{}, Config{
		Window:        time.Minute,
		MaxRequests:   5,
		FailurePolicy: FailClosed,
	})

	res, err := l.Admit(context.Background(), "k")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, res.Allowed)
}

func TestLimiter_RejectionNotRecorded(t *testing.T) {
	l, clk := newMemoryLimiter(t, Config{Window: 10 * time.Second, MaxRequests: 1})
	ctx := context.Background()

	res, err := l.Admit(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Hammer the limiter while full; rejections must not extend the window.
	for i := 0; i < 5; i++ {
		res, err = l.Admit(ctx, "k")
		require.NoError(t, err)
		require.False(t, res.Allowed)
		clk.Advance(time.Second)
	}

	// 11 seconds after the only accepted request, the window is clear.
	clk.Advance(6 * time.Second)
	res, err = l.Admit(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_ForgetFreesSlot(t *testing.T) {
	l, _ := newMemoryLimiter(t, Config{Window: time.Minute, MaxRequests: 1})
	ctx := context.Background()

	res, err := l.Admit(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	l.Forget(ctx, "k", res.Member)

	res, err = l.Admit(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestParseFailurePolicy(t *testing.T) {
	assert.Equal(t, FailClosed, ParseFailurePolicy("fail-closed"))
	assert.Equal(t, FailOpen, ParseFailurePolicy("fail-open"))
	assert.Equal(t, FailOpen, ParseFailurePolicy(""))
	assert.Equal(t, "fail-open", FailOpen.String())
	assert.Equal(t, "fail-closed", FailClosed.String())
}

func TestNewStore_FallsBackToMemory(t *testing.T) {
	st := NewStore(store.RedisConfig{URL: "127.0.0.1:1"}, zap.NewNop())
	defer st.Close()

	if _, ok := st.(*store.Memory); !ok {
		t.Fatalf("expected in-memory fallback, got %T", st)
	}
}
