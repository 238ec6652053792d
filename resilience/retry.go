package resilience

import (
	"context"
	"errors"
	"math"
	"net"
	"os"
	"slices"
	"syscall"
	"time"
)

// Transport error codes recognized by RetryPolicy.RetryableErrorCodes.
// ErrorCode maps Go network errors onto these identifiers.
const (
	CodeConnectionRefused = "connection_refused"
	CodeConnectionReset   = "connection_reset"
	CodeDNSFailure        = "dns_failure"
	CodeTimeout           = "timeout"
)

// RetryPolicy configures bounded retry with exponential backoff. It is an
// immutable value object; one policy applies for the duration of a call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Default: 3
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 30 seconds
	MaxDelay time.Duration

	// BackoffMultiplier is the exponential growth factor.
	// Default: 2.0
	BackoffMultiplier float64

	// RetryableStatusCodes are HTTP statuses that trigger a retry.
	// Default: 408, 429, 500, 502, 503, 504
	RetryableStatusCodes []int

	// RetryableErrorCodes are transport error codes that trigger a retry.
	// Default: connection_refused, connection_reset, dns_failure, timeout
	RetryableErrorCodes []string
}

// WithDefaults fills unset fields with the documented defaults.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.MaxRetries < 0 {
		// Negative disables retries entirely.
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2.0
	}
	if p.RetryableStatusCodes == nil {
		p.RetryableStatusCodes = []int{408, 429, 500, 502, 503, 504}
	}
	if p.RetryableErrorCodes == nil {
		p.RetryableErrorCodes = []string{
			CodeConnectionRefused,
			CodeConnectionReset,
			CodeDNSFailure,
			CodeTimeout,
		}
	}
	return p
}

// Delay returns the backoff delay before retry number attempt (1-based).
// The delay is deterministic: min(MaxDelay, BaseDelay * Multiplier^(attempt-1)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := math.Pow(p.BackoffMultiplier, float64(attempt-1))
	delay := float64(p.BaseDelay) * multiplier
	if delay > float64(p.MaxDelay) || delay <= 0 {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Retryable reports whether the error is transient under this policy.
// An error carrying an HTTP status is retryable when the status is in
// RetryableStatusCodes; otherwise its transport code must be in
// RetryableErrorCodes.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return slices.Contains(p.RetryableStatusCodes, sc.StatusCode())
	}

	code := ErrorCode(err)
	return code != "" && slices.Contains(p.RetryableErrorCodes, code)
}

// ErrorCode classifies a transport-level error into one of the Code*
// identifiers, or "" when the error is not a recognized transient failure.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeDNSFailure
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return CodeConnectionReset
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, ErrTimeout):
		return CodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}

	return ""
}

// RetryConfig configures a retry executor.
type RetryConfig struct {
	// Policy holds the retry bounds and classification sets.
	Policy RetryPolicy

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// RetryExecutor runs an operation with bounded retry and backoff.
type RetryExecutor struct {
	policy  RetryPolicy
	onRetry func(attempt int, err error, delay time.Duration)
}

// NewRetryExecutor creates a retry executor with defaults applied.
func NewRetryExecutor(config RetryConfig) *RetryExecutor {
	return &RetryExecutor{
		policy:  config.Policy.WithDefaults(),
		onRetry: config.OnRetry,
	}
}

// Policy returns the executor's effective policy after defaulting.
func (r *RetryExecutor) Policy() RetryPolicy {
	return r.policy
}

// Run executes op, retrying transient failures until the policy's retry
// budget is exhausted. It returns the number of retries performed together
// with the final error, which is nil on success.
//
// The backoff delay suspends only this call: it waits on a timer and the
// context, never blocking other goroutines. Context cancellation during the
// wait surfaces ctx.Err() immediately.
func (r *RetryExecutor) Run(ctx context.Context, op func(context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt - 1, nil
		}
		lastErr = err

		if !r.policy.Retryable(err) {
			return attempt - 1, err
		}
		if attempt > r.policy.MaxRetries {
			break
		}

		delay := r.policy.Delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt - 1, ctx.Err()
		case <-timer.C:
		}
	}

	return r.policy.MaxRetries, lastErr
}
