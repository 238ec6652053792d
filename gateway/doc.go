// Package gateway routes outbound calls to named external connections
// through admission control, circuit breaking, and bounded retry.
//
// The Registry is the single owner of all connections and their state
// (circuit breaker, request history). Construct one per process and pass it
// explicitly to callers; there is no package-level instance.
//
//	reg, err := gateway.New(gateway.Config{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer reg.Close()
//
//	err = reg.Register(gateway.ConnectionConfig{
//	    ID:          "pii-service",
//	    BaseAddress: "https://pii.internal:8000",
//	    Auth:        gateway.AuthConfig{Type: gateway.AuthBearer, Token: "${PII_TOKEN}"},
//	})
//
//	resp, err := reg.Call(ctx, "pii-service", gateway.Request{
//	    Method: http.MethodPost,
//	    Path:   "/analyze/presidio",
//	    Body:   payload,
//	})
//
// One Call runs: rate limiter admission (when a limiter is configured) →
// circuit breaker → retry executor → HTTP attempt with a per-call timeout.
// The retried sequence counts as one logical call for breaker accounting.
// Every completed call, including rejected and fully-failed ones, lands in
// the connection's bounded history and in the uniform Response envelope.
//
// Calls to different connections are fully independent. Calls to the same
// connection share one breaker and one history; their mutations are
// serialized internally, but requests themselves run concurrently.
package gateway
