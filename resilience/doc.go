// Package resilience provides the failure-isolation building blocks used for
// outbound calls to external APIs: a circuit breaker, a bounded retry
// executor with exponential backoff, a timeout wrapper, and a bulkhead.
//
// The patterns are designed to be composed by the gateway package, which
// routes every outbound call through them:
//
//	breaker.Execute(ctx, func(ctx context.Context) error {
//	    _, err := retrier.Run(ctx, issueRequest)
//	    return err
//	})
//
// The retry loop runs inside a single circuit breaker execution, so breaker
// accounting treats the whole retried sequence as one logical call. Transient
// single-attempt blips never trip the breaker; only a final outcome (success
// or exhaustion) updates its counters.
//
// Each component can also be used on its own:
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//	    Policy: resilience.CircuitBreakerPolicy{
//	        FailureThreshold: 5,
//	        ResetTimeout:     30 * time.Second,
//	    },
//	})
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return callExternalService(ctx)
//	})
//
// All components are safe for concurrent use. Counter updates are atomic
// regions guarded by a mutex; callers never observe a partially-updated
// breaker state.
package resilience
