package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencomply/gateway/ratelimit"
	"github.com/opencomply/gateway/ratelimit/store"
	"github.com/opencomply/gateway/resilience"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func fastRetry(maxRetries int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestRegistryRegister(t *testing.T) {
	r := newTestRegistry(t, Config{})

	cfg := ConnectionConfig{ID: "pii-service", BaseAddress: "http://localhost:8001"}
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := r.Register(cfg)
	if !errors.Is(err, ErrConnectionExists) {
		t.Errorf("duplicate Register() error = %v, want ErrConnectionExists", err)
	}

	if err := r.Register(ConnectionConfig{ID: "bad"}); err == nil {
		t.Error("Register() with missing base address should fail validation")
	}
	if err := r.Register(ConnectionConfig{BaseAddress: "http://x"}); err == nil {
		t.Error("Register() with missing ID should fail validation")
	}

	conns := r.Connections()
	if len(conns) != 1 || conns[0].ID != "pii-service" {
		t.Errorf("Connections() = %+v, want single pii-service entry", conns)
	}
	if conns[0].Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", conns[0].Timeout)
	}
}

func TestRegistryCallSuccess(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{})
	if err := r.Register(ConnectionConfig{ID: "svc", BaseAddress: srv.URL}); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "svc", Request{Method: "POST", Path: "/api/v1/detect"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !resp.Success {
		t.Errorf("Success = false, error = %s", resp.Error)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Data) != `{"ok":true}` {
		t.Errorf("Data = %q", resp.Data)
	}
	if resp.RequestID == "" {
		t.Error("RequestID should be set")
	}
	if resp.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", resp.RetryCount)
	}
	if gotPath != "/api/v1/detect" {
		t.Errorf("upstream path = %q, want /api/v1/detect", gotPath)
	}
}

func TestRegistryCallUnknownConnection(t *testing.T) {
	r := newTestRegistry(t, Config{})

	_, err := r.Call(context.Background(), "nope", Request{})
	if !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Call() error = %v, want ErrConnectionNotFound", err)
	}
}

func TestRegistryCallRetriesExhausted(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{})
	err := r.Register(ConnectionConfig{
		ID:          "flaky",
		BaseAddress: srv.URL,
		RetryPolicy: fastRetry(3),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "flaky", Request{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.Success {
		t.Error("Success = true, want failure envelope")
	}
	if resp.ErrorCode != ErrorCodeHTTPError {
		t.Errorf("ErrorCode = %q, want %q", resp.ErrorCode, ErrorCodeHTTPError)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", resp.StatusCode)
	}
	if resp.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", resp.RetryCount)
	}
	if got := hits.Load(); got != 4 {
		t.Errorf("upstream hits = %d, want 4 (initial attempt plus 3 retries)", got)
	}
}

func TestRegistryCallRecoversMidRetry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{})
	if err := r.Register(ConnectionConfig{ID: "svc", BaseAddress: srv.URL, RetryPolicy: fastRetry(3)}); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "svc", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("Success = false, error = %s", resp.Error)
	}
	if resp.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", resp.RetryCount)
	}
	if string(resp.Data) != "recovered" {
		t.Errorf("Data = %q", resp.Data)
	}
}

func TestRegistryCallNonRetryableStatus(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{})
	if err := r.Register(ConnectionConfig{ID: "svc", BaseAddress: srv.URL, RetryPolicy: fastRetry(3)}); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "svc", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.ErrorCode != ErrorCodeHTTPError {
		t.Errorf("got success=%v code=%q, want HTTP_ERROR failure", resp.Success, resp.ErrorCode)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1 (400 is not retryable)", got)
	}
}

func TestRegistryCircuitOpensAndShortCircuits(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{})
	err := r.Register(ConnectionConfig{
		ID:          "down",
		BaseAddress: srv.URL,
		RetryPolicy: resilience.RetryPolicy{MaxRetries: -1},
		CircuitBreakerPolicy: resilience.CircuitBreakerPolicy{
			FailureThreshold: 2,
			ResetTimeout:     time.Hour,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		resp, err := r.Call(ctx, "down", Request{})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Success {
			t.Fatal("expected upstream failure")
		}
	}

	snap, err := r.CircuitState("down")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != resilience.StateOpen {
		t.Fatalf("circuit state = %v, want open", snap.State)
	}

	before := hits.Load()
	resp, err := r.Call(ctx, "down", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != ErrorCodeCircuitOpen {
		t.Errorf("ErrorCode = %q, want %q", resp.ErrorCode, ErrorCodeCircuitOpen)
	}
	if hits.Load() != before {
		t.Error("open circuit should not reach the upstream")
	}

	if err := r.ResetCircuitBreaker("down"); err != nil {
		t.Fatal(err)
	}
	snap, _ = r.CircuitState("down")
	if snap.State != resilience.StateClosed || snap.FailureCount != 0 {
		t.Errorf("after reset snapshot = %+v, want closed with zero failures", snap)
	}
}

func TestRegistryRateLimit(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	defer mem.Close()
	limiter := ratelimit.New(mem, ratelimit.Config{Window: time.Minute, MaxRequests: 1})

	r := newTestRegistry(t, Config{Limiter: limiter})
	if err := r.Register(ConnectionConfig{ID: "svc", BaseAddress: srv.URL}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	req := Request{CallerKey: "caller-a"}

	resp, err := r.Call(ctx, "svc", req)
	if err != nil || !resp.Success {
		t.Fatalf("first call: err=%v success=%v", err, resp.Success)
	}

	resp, err = r.Call(ctx, "svc", req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.ErrorCode != ErrorCodeRateLimitExceeded {
		t.Errorf("second call: success=%v code=%q, want rate limit rejection", resp.Success, resp.ErrorCode)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1 (rejection must not reach upstream)", got)
	}

	// A different caller key has its own quota.
	resp, err = r.Call(ctx, "svc", Request{CallerKey: "caller-b"})
	if err != nil || !resp.Success {
		t.Errorf("caller-b call: err=%v success=%v, want admitted", err, resp.Success)
	}
}

func TestRegistryBulkhead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	r := newTestRegistry(t, Config{})
	if err := r.Register(ConnectionConfig{ID: "slow", BaseAddress: srv.URL, MaxConcurrent: 1}); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	done := make(chan *Response, 1)
	go func() {
		close(started)
		resp, _ := r.Call(context.Background(), "slow", Request{})
		done <- resp
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	resp, err := r.Call(context.Background(), "slow", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != ErrorCodeBulkheadFull {
		t.Errorf("ErrorCode = %q, want %q", resp.ErrorCode, ErrorCodeBulkheadFull)
	}

	release <- struct{}{}
	if first := <-done; !first.Success {
		t.Errorf("first call failed: %s", first.Error)
	}
}

func TestRegistryHistoryAndMetrics(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1)%2 == 0 {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{})
	if err := r.Register(ConnectionConfig{ID: "svc", BaseAddress: srv.URL}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := r.Call(ctx, "svc", Request{}); err != nil {
			t.Fatal(err)
		}
	}

	m, err := r.Metrics("svc")
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalRequests != 4 {
		t.Errorf("TotalRequests = %d, want 4", m.TotalRequests)
	}
	if m.SuccessRate != 0.5 || m.ErrorRate != 0.5 {
		t.Errorf("SuccessRate = %v ErrorRate = %v, want 0.5 each", m.SuccessRate, m.ErrorRate)
	}

	recs, err := r.History("svc", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("History(2) returned %d records", len(recs))
	}
	if !recs[0].Timestamp.Before(time.Now().Add(time.Second)) {
		t.Error("record timestamp not plausible")
	}
	// Most recent first: the fourth call failed with 400.
	if recs[0].Success || recs[0].StatusCode != http.StatusBadRequest {
		t.Errorf("latest record = %+v, want failed 400", recs[0])
	}

	if _, err := r.Metrics("missing"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Metrics(missing) error = %v", err)
	}
}

func TestRegistryUpdateConfig(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("a"))
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("b"))
	}))
	defer srvB.Close()

	r := newTestRegistry(t, Config{})
	if err := r.Register(ConnectionConfig{ID: "svc", BaseAddress: srvA.URL}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := r.UpdateConfig(ctx, "svc", ConfigUpdate{BaseAddress: &srvB.URL}); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	resp, err := r.Call(ctx, "svc", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Data) != "b" {
		t.Errorf("Data = %q, want routed to new base address", resp.Data)
	}

	// A probe failure rejects the update and keeps the old address.
	dead := "http://127.0.0.1:1"
	if err := r.UpdateConfig(ctx, "svc", ConfigUpdate{BaseAddress: &dead}); err == nil {
		t.Fatal("UpdateConfig() to unreachable address should fail")
	}
	resp, err = r.Call(ctx, "svc", Request{})
	if err != nil || string(resp.Data) != "b" {
		t.Errorf("after rejected update: err=%v data=%q, want previous address kept", err, resp.Data)
	}

	if err := r.UpdateConfig(ctx, "missing", ConfigUpdate{}); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("UpdateConfig(missing) error = %v", err)
	}
}

func TestRegistryUpdateBreakerPolicyInstallsFreshBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{})
	err := r.Register(ConnectionConfig{
		ID:          "svc",
		BaseAddress: srv.URL,
		RetryPolicy: resilience.RetryPolicy{MaxRetries: -1},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Call(ctx, "svc", Request{}); err != nil {
			t.Fatal(err)
		}
	}
	snap, _ := r.CircuitState("svc")
	if snap.FailureCount != 3 {
		t.Fatalf("FailureCount = %d, want 3", snap.FailureCount)
	}

	policy := resilience.CircuitBreakerPolicy{FailureThreshold: 10}
	if err := r.UpdateConfig(ctx, "svc", ConfigUpdate{CircuitBreakerPolicy: &policy}); err != nil {
		t.Fatal(err)
	}
	snap, _ = r.CircuitState("svc")
	if snap.FailureCount != 0 || snap.State != resilience.StateClosed {
		t.Errorf("after policy change snapshot = %+v, want fresh closed breaker", snap)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := newTestRegistry(t, Config{})
	if err := r.Register(ConnectionConfig{ID: "svc", BaseAddress: "http://localhost:9"}); err != nil {
		t.Fatal(err)
	}

	if err := r.Remove("svc"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := r.Remove("svc"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("second Remove() error = %v", err)
	}
	if _, err := r.Call(context.Background(), "svc", Request{}); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Call() after remove error = %v", err)
	}
}

func TestRegistryEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	var events []Event
	r := newTestRegistry(t, Config{OnEvent: func(ev Event) { events = append(events, ev) }})

	if err := r.Register(ConnectionConfig{ID: "svc", BaseAddress: srv.URL}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Call(context.Background(), "svc", Request{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove("svc"); err != nil {
		t.Fatal(err)
	}

	want := []EventType{EventConnectionRegistered, EventCallCompleted, EventConnectionRemoved}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event[%d].Type = %q, want %q", i, ev.Type, want[i])
		}
		if ev.ConnectionID != "svc" || ev.Timestamp.IsZero() {
			t.Errorf("event[%d] = %+v, missing connection or timestamp", i, ev)
		}
	}
	if events[1].Record == nil || !events[1].Record.Success {
		t.Error("call.completed event should carry the request record")
	}
}

func TestRegistryTimeoutClassifiedRetryable(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		select {
		case <-req.Context().Done():
		case <-time.After(200 * time.Millisecond):
		}
	}))
	defer srv.Close()

	r := newTestRegistry(t, Config{})
	err := r.Register(ConnectionConfig{
		ID:          "slow",
		BaseAddress: srv.URL,
		Timeout:     20 * time.Millisecond,
		RetryPolicy: fastRetry(1),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "slow", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Fatal("expected timeout failure")
	}
	if resp.ErrorCode != "TIMEOUT" {
		t.Errorf("ErrorCode = %q, want TIMEOUT", resp.ErrorCode)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("upstream hits = %d, want 2 (timeout retried once)", got)
	}
}
