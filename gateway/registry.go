package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencomply/gateway/clock"
	"github.com/opencomply/gateway/ratelimit"
	"github.com/opencomply/gateway/resilience"
)

// Registry errors.
var (
	// ErrConnectionNotFound is returned when the connection ID is unknown.
	ErrConnectionNotFound = errors.New("gateway: connection not found")

	// ErrConnectionExists is returned when registering a duplicate ID.
	ErrConnectionExists = errors.New("gateway: connection already registered")
)

// Error codes carried on the Response envelope.
const (
	ErrorCodeCircuitOpen          = "CIRCUIT_OPEN"
	ErrorCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrorCodeRateLimitUnavailable = "RATE_LIMIT_UNAVAILABLE"
	ErrorCodeBulkheadFull         = "BULKHEAD_FULL"
	ErrorCodeHTTPError            = "HTTP_ERROR"
	ErrorCodeUpstreamError        = "UPSTREAM_ERROR"
)

// Request describes one outbound call through a registered connection.
type Request struct {
	// Method is the HTTP method. Default: GET.
	Method string

	// Path is appended to the connection's base address.
	Path string

	// Headers are set on every attempt, after auth injection.
	Headers map[string]string

	// Body is sent as the request body on every attempt.
	Body []byte

	// CallerKey is the rate limit key. Empty falls back to the
	// connection ID, giving the connection one shared quota.
	CallerKey string

	// Timeout overrides the connection's per-call timeout when positive.
	Timeout time.Duration
}

// Response is the uniform call envelope. Every completed call produces one,
// successful or not; Call only returns an error for an unknown connection.
type Response struct {
	RequestID      string    `json:"requestId"`
	ConnectionID   string    `json:"connectionId"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"statusCode,omitempty"`
	Data           []byte    `json:"data,omitempty"`
	Error          string    `json:"error,omitempty"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	RetryCount     int       `json:"retryCount"`
	Timestamp      time.Time `json:"timestamp"`
}

// Config configures a Registry.
type Config struct {
	// Logger is the structured logger. Default: zap.NewNop().
	Logger *zap.Logger

	// Clock is the time source shared by all breakers. Default: clock.System().
	Clock clock.Clock

	// Limiter applies per-caller admission control to outbound calls.
	// Nil disables rate limiting.
	Limiter *ratelimit.Limiter

	// OnEvent receives lifecycle events. See EventFunc for the calling
	// contract.
	OnEvent EventFunc
}

// Registry manages the set of named external connections and routes calls
// through each connection's resilience pipeline.
type Registry struct {
	log     *zap.Logger
	clk     clock.Clock
	limiter *ratelimit.Limiter
	onEvent EventFunc
	tel     *telemetry

	mu    sync.RWMutex
	conns map[string]*connection
}

// New creates an empty registry.
func New(config Config) (*Registry, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}

	tel, err := newTelemetry()
	if err != nil {
		return nil, fmt.Errorf("gateway: init telemetry: %w", err)
	}

	return &Registry{
		log:     config.Logger,
		clk:     config.Clock,
		limiter: config.Limiter,
		onEvent: config.OnEvent,
		tel:     tel,
		conns:   make(map[string]*connection),
	}, nil
}

func (r *Registry) publish(ev Event) {
	if r.onEvent != nil {
		ev.Timestamp = r.clk.Now()
		r.onEvent(ev)
	}
}

// Register adds a connection. The configuration is validated and defaulted;
// a duplicate ID is rejected with ErrConnectionExists.
func (r *Registry) Register(cfg ConnectionConfig) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg, err := cfg.expandAuth()
	if err != nil {
		return err
	}

	id := cfg.ID
	conn := newConnection(cfg, r.clk, r.log, r.transitionHook(id))

	r.mu.Lock()
	if _, ok := r.conns[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrConnectionExists, id)
	}
	r.conns[id] = conn
	r.mu.Unlock()

	r.log.Info("connection registered",
		zap.String("connection", id),
		zap.String("baseAddress", cfg.BaseAddress))
	r.publish(Event{Type: EventConnectionRegistered, ConnectionID: id})
	return nil
}

// UpdateConfig applies a partial update to an existing connection.
//
// A change to the base address, auth, or timeout rebuilds the HTTP client
// and probes the new base address before the swap; a failed probe rejects
// the update and the connection keeps serving with its previous settings.
// A breaker policy change installs a fresh breaker in the closed state.
// Updates that leave the breaker policy alone keep the live breaker and its
// accumulated state.
func (r *Registry) UpdateConfig(ctx context.Context, id string, update ConfigUpdate) error {
	conn, err := r.lookup(id)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	merged, clientChanged, retryChanged, breakerChanged := update.apply(conn.config)
	if err := merged.Validate(); err != nil {
		return err
	}
	if update.Auth != nil {
		merged, err = merged.expandAuth()
		if err != nil {
			return err
		}
	}

	client := conn.client
	if clientChanged {
		client = newHTTPClient(merged.Auth)
		if err := probeConnectivity(ctx, client, merged.BaseAddress); err != nil {
			return fmt.Errorf("gateway: connectivity probe failed for %q: %w", merged.BaseAddress, err)
		}
	}

	conn.config = merged
	conn.client = client
	if retryChanged {
		conn.retrier = newRetrier(merged, r.log)
	}
	if breakerChanged {
		conn.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Policy:        merged.CircuitBreakerPolicy,
			Clock:         r.clk,
			Logger:        r.log.With(zap.String("connection", id)),
			OnStateChange: r.transitionHook(id),
		})
	}
	switch {
	case merged.MaxConcurrent == 0:
		conn.bulkhead = nil
	case conn.bulkhead == nil, update.MaxConcurrent != nil:
		conn.bulkhead = resilience.NewBulkhead(merged.MaxConcurrent)
	}

	r.log.Info("connection updated", zap.String("connection", id))
	r.publish(Event{Type: EventConnectionUpdated, ConnectionID: id})
	return nil
}

func (r *Registry) transitionHook(id string) func(from, to resilience.State) {
	return func(from, to resilience.State) {
		r.tel.recordTransition(id, from.String(), to.String())
		r.publish(Event{
			Type:         EventCircuitStateChanged,
			ConnectionID: id,
			CircuitFrom:  from.String(),
			CircuitTo:    to.String(),
		})
	}
}

// Remove deletes a connection. In-flight calls complete against the removed
// connection's own client and breaker.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrConnectionNotFound, id)
	}

	conn.mu.RLock()
	conn.client.CloseIdleConnections()
	conn.mu.RUnlock()

	r.log.Info("connection removed", zap.String("connection", id))
	r.publish(Event{Type: EventConnectionRemoved, ConnectionID: id})
	return nil
}

func (r *Registry) lookup(id string) (*connection, error) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConnectionNotFound, id)
	}
	return conn, nil
}

// Call routes one request through the connection's full pipeline: rate
// limit admission, bulkhead, circuit breaker, and bounded retry with a
// per-attempt timeout.
//
// The retried sequence runs as a single breaker call, so one slow upstream
// episode counts as one failure regardless of how many attempts it took.
// All outcomes, including rejections, land in the connection's history.
func (r *Registry) Call(ctx context.Context, id string, req Request) (*Response, error) {
	conn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if req.Method == "" {
		req.Method = "GET"
	}

	cfg, client, breaker, retrier, bulkhead := conn.snapshot()

	resp := &Response{
		RequestID:    uuid.NewString(),
		ConnectionID: id,
	}

	ctx, span := r.tel.startSpan(ctx, id)
	start := r.clk.Now()

	callErr := r.admit(ctx, id, req)
	var result attemptResult
	if callErr == nil {
		callErr = r.execute(ctx, cfg, client, breaker, retrier, bulkhead, req, &result)
	}

	elapsed := r.clk.Now().Sub(start)
	resp.ResponseTimeMs = elapsed.Milliseconds()
	resp.Timestamp = r.clk.Now()
	resp.StatusCode = result.statusCode
	resp.RetryCount = result.retries

	if callErr == nil {
		resp.Success = true
		resp.Data = result.body
	} else {
		resp.Error = callErr.Error()
		resp.ErrorCode = errorCodeFor(callErr)
	}

	rec := RequestRecord{
		RequestID:      resp.RequestID,
		ConnectionID:   id,
		Success:        resp.Success,
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: resp.ResponseTimeMs,
		RetryCount:     resp.RetryCount,
		Timestamp:      resp.Timestamp,
	}
	conn.history.append(rec)

	r.tel.recordCall(ctx, id, elapsed, callErr)
	r.tel.endSpan(span, callErr)
	r.publish(Event{Type: EventCallCompleted, ConnectionID: id, Record: &rec})

	if callErr != nil {
		r.log.Warn("call failed",
			zap.String("connection", id),
			zap.String("requestId", resp.RequestID),
			zap.String("errorCode", resp.ErrorCode),
			zap.Int("retries", resp.RetryCount),
			zap.Error(callErr))
	}

	return resp, nil
}

// admit runs the rate limit check when a limiter is configured. A denied
// admission surfaces as a ratelimit.Error so the envelope can carry the
// reset time in its message.
func (r *Registry) admit(ctx context.Context, id string, req Request) error {
	if r.limiter == nil {
		return nil
	}

	key := req.CallerKey
	if key == "" {
		key = id
	}

	res, err := r.limiter.Admit(ctx, key)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &ratelimit.Error{
			Key:     key,
			Limit:   res.Limit,
			Window:  res.Window,
			ResetAt: res.ResetAt,
		}
	}
	return nil
}

func (r *Registry) execute(ctx context.Context, cfg ConnectionConfig, client *http.Client, breaker *resilience.CircuitBreaker, retrier *resilience.RetryExecutor, bulkhead *resilience.Bulkhead, req Request, result *attemptResult) error {
	timeout := cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	target := joinURL(cfg.BaseAddress, req.Path)

	run := func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			retries, err := retrier.Run(ctx, func(ctx context.Context) error {
				return resilience.WithTimeout(ctx, timeout, func(ctx context.Context) error {
					return doAttempt(ctx, client, req, target, result)
				})
			})
			result.retries = retries
			return err
		})
	}

	if bulkhead != nil {
		return bulkhead.Execute(ctx, run)
	}
	return run(ctx)
}

// errorCodeFor maps a pipeline error to the envelope's error code.
func errorCodeFor(err error) string {
	var rlErr *ratelimit.Error
	switch {
	case errors.As(err, &rlErr):
		return ErrorCodeRateLimitExceeded
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return ErrorCodeRateLimitUnavailable
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ErrorCodeCircuitOpen
	case errors.Is(err, resilience.ErrBulkheadFull):
		return ErrorCodeBulkheadFull
	}

	var sc resilience.StatusCoder
	if errors.As(err, &sc) {
		return ErrorCodeHTTPError
	}

	if code := resilience.ErrorCode(err); code != "" {
		return strings.ToUpper(code)
	}
	return ErrorCodeUpstreamError
}

// Metrics returns the aggregates derived from the connection's bounded
// request history.
func (r *Registry) Metrics(id string) (ConnectionMetrics, error) {
	conn, err := r.lookup(id)
	if err != nil {
		return ConnectionMetrics{}, err
	}
	return conn.history.metrics(), nil
}

// History returns up to n request records, most recent first. n <= 0
// returns the whole retained history.
func (r *Registry) History(id string, n int) ([]RequestRecord, error) {
	conn, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return conn.history.recent(n), nil
}

// CircuitState returns the connection breaker's current snapshot.
func (r *Registry) CircuitState(id string) (resilience.Snapshot, error) {
	conn, err := r.lookup(id)
	if err != nil {
		return resilience.Snapshot{}, err
	}
	conn.mu.RLock()
	breaker := conn.breaker
	conn.mu.RUnlock()
	return breaker.Snapshot(), nil
}

// ResetCircuitBreaker forces the connection's breaker back to closed.
func (r *Registry) ResetCircuitBreaker(id string) error {
	conn, err := r.lookup(id)
	if err != nil {
		return err
	}
	conn.mu.RLock()
	breaker := conn.breaker
	conn.mu.RUnlock()
	breaker.Reset()

	r.log.Info("circuit breaker reset", zap.String("connection", id))
	return nil
}

// Connections returns the registered configurations, sorted by ID.
func (r *Registry) Connections() []ConnectionConfig {
	r.mu.RLock()
	out := make([]ConnectionConfig, 0, len(r.conns))
	for _, conn := range r.conns {
		conn.mu.RLock()
		out = append(out, conn.config)
		conn.mu.RUnlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Health probes every registered connection's base address and returns the
// per-connection result. A nil map value means the probe succeeded.
func (r *Registry) Health(ctx context.Context) map[string]error {
	r.mu.RLock()
	conns := make(map[string]*connection, len(r.conns))
	for id, conn := range r.conns {
		conns[id] = conn
	}
	r.mu.RUnlock()

	out := make(map[string]error, len(conns))
	for id, conn := range conns {
		conn.mu.RLock()
		client, base := conn.client, conn.config.BaseAddress
		conn.mu.RUnlock()
		out[id] = probeConnectivity(ctx, client, base)
	}
	return out
}

// Close releases idle transport resources for every connection. The
// registry itself holds no background goroutines.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.conns {
		conn.mu.RLock()
		conn.client.CloseIdleConnections()
		conn.mu.RUnlock()
	}
}
