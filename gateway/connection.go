package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencomply/gateway/clock"
	"github.com/opencomply/gateway/resilience"
)

// connection bundles everything owned per external endpoint: the HTTP
// client with auth injection, the breaker, the retry executor, the optional
// bulkhead, and the bounded request history.
//
// config and client are swapped together under mu on configuration updates.
// The breaker and history survive updates that do not touch their policy,
// so accumulated failure state is not lost to an unrelated change.
type connection struct {
	mu       sync.RWMutex
	config   ConnectionConfig
	client   *http.Client
	breaker  *resilience.CircuitBreaker
	retrier  *resilience.RetryExecutor
	bulkhead *resilience.Bulkhead
	history  *history
}

// snapshot returns the pieces a call needs under one lock acquisition, so
// a concurrent update cannot hand the call a client from one config and a
// timeout from another.
func (c *connection) snapshot() (ConnectionConfig, *http.Client, *resilience.CircuitBreaker, *resilience.RetryExecutor, *resilience.Bulkhead) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config, c.client, c.breaker, c.retrier, c.bulkhead
}

// joinURL concatenates the base address and request path without collapsing
// or escaping anything the caller wrote.
func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// attemptResult carries the upstream status and body out of the retry loop.
// Only the last attempt's result survives.
type attemptResult struct {
	statusCode int
	body       []byte
	retries    int
}

// doAttempt performs one HTTP attempt. A response with status >= 400 is
// returned as an HTTPError so the retry policy can classify it by status;
// the body is still captured for the caller's envelope.
func doAttempt(ctx context.Context, client *http.Client, req Request, target string, out *attemptResult) error {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway: read response: %w", err)
	}

	out.statusCode = resp.StatusCode
	out.body = data

	if resp.StatusCode >= 400 {
		return resilience.NewHTTPError(resp.StatusCode, resp.Status)
	}
	return nil
}

// newConnection builds a connection from a validated, defaulted config.
// onStateChange receives the breaker's transitions for this connection.
func newConnection(cfg ConnectionConfig, clk clock.Clock, log *zap.Logger, onStateChange func(from, to resilience.State)) *connection {
	c := &connection{
		config:  cfg,
		client:  newHTTPClient(cfg.Auth),
		history: newHistory(),
	}
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Policy:        cfg.CircuitBreakerPolicy,
		Clock:         clk,
		Logger:        log.With(zap.String("connection", cfg.ID)),
		OnStateChange: onStateChange,
	})
	c.retrier = newRetrier(cfg, log)
	if cfg.MaxConcurrent > 0 {
		c.bulkhead = resilience.NewBulkhead(cfg.MaxConcurrent)
	}
	return c
}

func newRetrier(cfg ConnectionConfig, log *zap.Logger) *resilience.RetryExecutor {
	return resilience.NewRetryExecutor(resilience.RetryConfig{
		Policy: cfg.RetryPolicy,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Debug("retrying upstream call",
				zap.String("connection", cfg.ID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	})
}
