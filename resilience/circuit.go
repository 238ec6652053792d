package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencomply/gateway/clock"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is rejecting all requests.
	StateOpen
	// StateHalfOpen means the circuit is probing whether the service recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerPolicy is the per-connection breaker tuning. It is a pure
// value object; a connection configuration update that changes it installs a
// fresh breaker.
type CircuitBreakerPolicy struct {
	// FailureThreshold is the number of failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a single
	// half-open probe is allowed.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// MonitoringPeriod bounds how long a failure counts toward the
	// threshold. Failures older than this are forgotten when the next
	// failure lands, so stale history cannot open the circuit.
	// Default: 60 seconds
	MonitoringPeriod time.Duration

	// ExpectedResponseTime is the latency above which a slow-response
	// warning is logged, independent of success or failure.
	// Default: 5 seconds
	ExpectedResponseTime time.Duration
}

func (p CircuitBreakerPolicy) withDefaults() CircuitBreakerPolicy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 5
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = 30 * time.Second
	}
	if p.MonitoringPeriod <= 0 {
		p.MonitoringPeriod = 60 * time.Second
	}
	if p.ExpectedResponseTime <= 0 {
		p.ExpectedResponseTime = 5 * time.Second
	}
	return p
}

// CircuitBreakerConfig configures a circuit breaker instance.
type CircuitBreakerConfig struct {
	// Policy holds the transition thresholds and timeouts.
	Policy CircuitBreakerPolicy

	// Clock is the time source. Default: clock.System().
	Clock clock.Clock

	// Logger receives slow-response warnings. Default: zap.NewNop().
	Logger *zap.Logger

	// OnStateChange is called on every state transition, while the breaker
	// lock is held. The callback must not call back into the breaker.
	OnStateChange func(from, to State)

	// IsFailure determines whether an error counts as a failure.
	// Default: every non-nil error.
	IsFailure func(err error) bool
}

// CircuitBreaker is a per-connection failure-isolation state machine.
// One instance guards one external connection.
type CircuitBreaker struct {
	policy        CircuitBreakerPolicy
	clk           clock.Clock
	log           *zap.Logger
	onStateChange func(from, to State)
	isFailure     func(err error) bool

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	totalRequests int64
	lastFailure   time.Time
	nextAttempt   time.Time
	halfOpenCount int
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &CircuitBreaker{
		policy:        config.Policy.withDefaults(),
		clk:           config.Clock,
		log:           config.Logger,
		onStateChange: config.OnStateChange,
		isFailure:     config.IsFailure,
		state:         StateClosed,
	}
}

// Policy returns the breaker's effective policy after defaulting.
func (cb *CircuitBreaker) Policy() CircuitBreakerPolicy {
	return cb.policy
}

// Execute runs the operation through the circuit breaker.
//
// While the circuit is open and the reset timeout has not elapsed, Execute
// returns ErrCircuitOpen without invoking op. The first call after the reset
// timeout becomes the single half-open probe; concurrent calls arriving
// while the probe is in flight are rejected with ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	start := cb.clk.Now()
	err := op(ctx)
	elapsed := cb.clk.Now().Sub(start)

	if elapsed > cb.policy.ExpectedResponseTime {
		cb.log.Warn("response exceeded expected response time",
			zap.Duration("elapsed", elapsed),
			zap.Duration("expected", cb.policy.ExpectedResponseTime))
	}

	cb.afterRequest(err)
	return err
}

// State returns the current circuit state. A breaker that is open past its
// reset timeout reports half-open, matching what the next call would see.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// Snapshot is a point-in-time view of the breaker counters, exposed on the
// operator query surface.
type Snapshot struct {
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	TotalRequests   int64     `json:"totalRequests"`
	LastFailureTime time.Time `json:"lastFailureTime,omitzero"`
	NextAttemptTime time.Time `json:"nextAttemptTime,omitzero"`
}

// Snapshot returns the current state and counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentStateLocked()
	return Snapshot{
		State:           state,
		StateName:       state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalRequests:   cb.totalRequests,
		LastFailureTime: cb.lastFailure,
		NextAttemptTime: cb.nextAttempt,
	}
}

// Reset forces the breaker to closed and zeroes all counters. Intended for
// manual operator recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.totalRequests = 0
	cb.lastFailure = time.Time{}
	cb.nextAttempt = time.Time{}
	cb.halfOpenCount = 0

	if oldState != StateClosed && cb.onStateChange != nil {
		cb.onStateChange(oldState, StateClosed)
	}
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.currentStateLocked() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= 1 {
			return ErrCircuitOpen
		}
		cb.halfOpenCount++
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clk.Now()
	failed := cb.isFailure(err)
	oldState := cb.state

	switch cb.state {
	case StateClosed:
		if failed {
			// Failures outside the monitoring period no longer count
			// toward the threshold.
			if !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.policy.MonitoringPeriod {
				cb.failureCount = 0
			}
			cb.failureCount++
			cb.lastFailure = now
			if cb.failureCount >= cb.policy.FailureThreshold {
				cb.state = StateOpen
				cb.nextAttempt = now.Add(cb.policy.ResetTimeout)
			}
		} else {
			cb.successCount++
		}

	case StateHalfOpen:
		if failed {
			// Probe failed, reopen with a fresh cooldown.
			cb.failureCount++
			cb.lastFailure = now
			cb.state = StateOpen
			cb.nextAttempt = now.Add(cb.policy.ResetTimeout)
		} else {
			cb.successCount++
			cb.failureCount = 0
			cb.state = StateClosed
		}
	}

	if oldState != cb.state && cb.onStateChange != nil {
		cb.onStateChange(oldState, cb.state)
	}
}

// currentStateLocked lazily transitions open to half-open once the reset
// timeout has elapsed. Must be called with cb.mu held.
func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && !cb.clk.Now().Before(cb.nextAttempt) {
		cb.state = StateHalfOpen
		cb.halfOpenCount = 0
		if cb.onStateChange != nil {
			cb.onStateChange(StateOpen, StateHalfOpen)
		}
	}
	return cb.state
}
