package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/opencomply/gateway"

// telemetry bundles the gateway's OpenTelemetry instruments. Without an SDK
// installed the global providers are no-ops, so recording is always safe.
type telemetry struct {
	tracer trace.Tracer

	callTotal    metric.Int64Counter
	callErrors   metric.Int64Counter
	callDuration metric.Float64Histogram
	transitions  metric.Int64Counter
}

func newTelemetry() (*telemetry, error) {
	meter := otel.Meter(instrumentationName)

	callTotal, err := meter.Int64Counter(
		"gateway.call.total",
		metric.WithDescription("Total number of outbound calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	callErrors, err := meter.Int64Counter(
		"gateway.call.errors",
		metric.WithDescription("Total number of failed outbound calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	callDuration, err := meter.Float64Histogram(
		"gateway.call.duration_ms",
		metric.WithDescription("Outbound call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"gateway.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:       otel.Tracer(instrumentationName),
		callTotal:    callTotal,
		callErrors:   callErrors,
		callDuration: callDuration,
		transitions:  transitions,
	}, nil
}

func (t *telemetry) startSpan(ctx context.Context, connectionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "gateway.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("connection.id", connectionID)),
	)
}

func (t *telemetry) endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (t *telemetry) recordCall(ctx context.Context, connectionID string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("connection.id", connectionID))
	t.callTotal.Add(ctx, 1, attrs)
	if err != nil {
		t.callErrors.Add(ctx, 1, attrs)
	}
	t.callDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

func (t *telemetry) recordTransition(connectionID, from, to string) {
	t.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("connection.id", connectionID),
		attribute.String("circuit.from", from),
		attribute.String("circuit.to", to),
	))
}
