package paygate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/paybridge/internal/telemetry"
)

type clientMetrics struct {
	requests  metric.Int64Counter
	retries   metric.Int64Counter
	anomalies metric.Int64Counter
	latency   metric.Float64Histogram
}

func newClientMetrics() *clientMetrics {
	meter := otel.Meter("adapter.paygate")
	m := new(clientMetrics)
	m.requests, _ = meter.Int64Counter("paybridge_gateway_requests_total",
		metric.WithDescription("Gateway calls by operation and result"),
		metric.WithUnit("{request}"))
	m.retries, _ = meter.Int64Counter("paybridge_gateway_retries_total",
		metric.WithDescription("Transport retries issued against the gateway"),
		metric.WithUnit("{retry}"))
	m.anomalies, _ = meter.Int64Counter("paybridge_gateway_anomalies_total",
		metric.WithDescription("Signature rejections and duplicate submissions reported by the gateway"),
		metric.WithUnit("{response}"))
	m.latency, _ = meter.Float64Histogram("paybridge_gateway_request_duration",
		metric.WithDescription("Gateway HTTP round-trip latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *clientMetrics) recordRequest(ctx context.Context, path, result string, started time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(path),
		telemetry.AttrResult.String(result),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}

func (m *clientMetrics) recordRetry(ctx context.Context, path string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", path)))
}

func (m *clientMetrics) recordAnomaly(ctx context.Context, path string, anomaly Anomaly) {
	if m == nil || m.anomalies == nil || anomaly == AnomalyNone {
		return
	}
	m.anomalies.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrOperation.String(path),
		telemetry.AttrReason.String(string(anomaly)),
	))
}
