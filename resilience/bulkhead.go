package resilience

import (
	"context"
	"sync/atomic"
)

// Bulkhead caps concurrent in-flight calls to one connection so a slow
// upstream cannot absorb the whole process's goroutine budget.
type Bulkhead struct {
	sem      chan struct{}
	rejected atomic.Int64
}

// NewBulkhead creates a bulkhead admitting at most maxConcurrent operations.
// A non-positive maxConcurrent defaults to 10.
func NewBulkhead(maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Bulkhead{sem: make(chan struct{}, maxConcurrent)}
}

// Execute runs op if a slot is free, otherwise fails fast with
// ErrBulkheadFull. There is no queueing: a saturated connection should shed
// load, not buffer it.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	select {
	case b.sem <- struct{}{}:
	default:
		b.rejected.Add(1)
		return ErrBulkheadFull
	}
	defer func() { <-b.sem }()

	return op(ctx)
}

// InFlight returns the number of operations currently holding a slot.
func (b *Bulkhead) InFlight() int {
	return len(b.sem)
}

// Rejected returns the number of operations rejected at capacity.
func (b *Bulkhead) Rejected() int64 {
	return b.rejected.Load()
}
