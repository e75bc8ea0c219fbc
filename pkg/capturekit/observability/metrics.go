package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records capture pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordCapture records an event handed to delivery.
	RecordCapture(ctx context.Context, eventName string, batched bool)

	// RecordDropped records an event that never reached delivery.
	RecordDropped(ctx context.Context, eventName, reason string)

	// RecordSend records one HTTP send with its duration and error status.
	RecordSend(ctx context.Context, endpoint string, duration time.Duration, sizeBytes int, err error)

	// RecordRetry records a request scheduled for another attempt.
	RecordRetry(ctx context.Context, endpoint string, attempt int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	captures    metric.Int64Counter
	dropped     metric.Int64Counter
	sends       metric.Int64Counter
	sendErrors  metric.Int64Counter
	sendLatency metric.Float64Histogram
	payloadSize metric.Int64Histogram
	retries     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("capturekit")

	captures, err := meter.Int64Counter("capturekit.events.captured",
		metric.WithDescription("Number of events handed to delivery"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("capturekit.events.dropped",
		metric.WithDescription("Number of events dropped before delivery"),
	)
	if err != nil {
		return nil, err
	}

	sends, err := meter.Int64Counter("capturekit.requests.sent",
		metric.WithDescription("Number of HTTP requests sent"),
	)
	if err != nil {
		return nil, err
	}

	sendErrors, err := meter.Int64Counter("capturekit.requests.errors",
		metric.WithDescription("Number of failed HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	sendLatency, err := meter.Float64Histogram("capturekit.requests.latency_ms",
		metric.WithDescription("HTTP request latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	payloadSize, err := meter.Int64Histogram("capturekit.requests.size_bytes",
		metric.WithDescription("Encoded request body size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("capturekit.requests.retries",
		metric.WithDescription("Number of requests scheduled for retry"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		captures:    captures,
		dropped:     dropped,
		sends:       sends,
		sendErrors:  sendErrors,
		sendLatency: sendLatency,
		payloadSize: payloadSize,
		retries:     retries,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordCapture records a captured event.
func (m *otelMetrics) RecordCapture(ctx context.Context, eventName string, batched bool) {
	m.captures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventName),
		attribute.Bool("batched", batched),
	))
}

// RecordDropped records a dropped event.
func (m *otelMetrics) RecordDropped(ctx context.Context, eventName, reason string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventName),
		attribute.String("reason", reason),
	))
}

// RecordSend records an HTTP send.
func (m *otelMetrics) RecordSend(ctx context.Context, endpoint string, duration time.Duration, sizeBytes int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
	}

	m.sends.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.sendLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.payloadSize.Record(ctx, int64(sizeBytes), metric.WithAttributes(attrs...))

	if err != nil {
		m.sendErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRetry records a scheduled retry.
func (m *otelMetrics) RecordRetry(ctx context.Context, endpoint string, attempt int) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Int("attempt", attempt),
	))
}
