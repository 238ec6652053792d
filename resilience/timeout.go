package resilience

import (
	"context"
	"errors"
	"time"
)

// WithTimeout runs op under a deadline derived from timeout. The gateway
// uses it for each outbound attempt, with the per-call timeout falling back
// to the connection default.
//
// A deadline hit aborts the in-flight attempt and returns ErrTimeout, which
// classifies as a retryable transient failure (ErrorCode reports "timeout").
func WithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
