package bridge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder provides OpenTelemetry metrics for the persistence bridge.
//
// All methods are nil-safe; calling methods on a nil *MetricsRecorder is a
// no-op.
//
// Available metrics:
//   - bridge_enqueued_total: Counter of buffered writes
//   - bridge_flushed_total: Counter of records persisted
//   - bridge_flush_failures_total: Counter of failed write attempts
//   - bridge_quarantined_total: Counter of records abandoned to quarantine
//   - bridge_write_latency_seconds: Histogram of enqueue-to-persist latency
//   - bridge_flush_cycle_duration_seconds: Histogram of full cycle durations
type MetricsRecorder struct {
	enqueuedCounter    metric.Int64Counter
	flushedCounter     metric.Int64Counter
	failuresCounter    metric.Int64Counter
	quarantinedCounter metric.Int64Counter
	latencyHistogram   metric.Float64Histogram
	cycleHistogram     metric.Float64Histogram
}

// metricsOptions holds configuration for MetricsRecorder
type metricsOptions struct {
	meterProvider metric.MeterProvider
	namespace     string
}

// MetricsOption is a functional option for configuring MetricsRecorder
type MetricsOption func(*metricsOptions)

// WithMeterProvider sets a custom OpenTelemetry meter provider.
//
// If not set, the global meter provider is used.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithMetricsNamespace sets a prefix for metric names.
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		o.namespace = namespace
	}
}

// NewMetricsRecorder creates a new MetricsRecorder with OpenTelemetry
// instruments.
func NewMetricsRecorder(opts ...MetricsOption) (*MetricsRecorder, error) {
	o := &metricsOptions{
		meterProvider: otel.GetMeterProvider(),
		namespace:     "",
	}
	for _, opt := range opts {
		opt(o)
	}

	prefix := ""
	if o.namespace != "" {
		prefix = o.namespace + "_"
	}

	meter := o.meterProvider.Meter("github.com/sagakit/choreo/bridge")

	m := &MetricsRecorder{}

	var err error
	m.enqueuedCounter, err = meter.Int64Counter(
		prefix+"bridge_enqueued_total",
		metric.WithDescription("Total number of writes buffered by the bridge"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	m.flushedCounter, err = meter.Int64Counter(
		prefix+"bridge_flushed_total",
		metric.WithDescription("Total number of records persisted to the backend"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	m.failuresCounter, err = meter.Int64Counter(
		prefix+"bridge_flush_failures_total",
		metric.WithDescription("Total number of failed backend write attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.quarantinedCounter, err = meter.Int64Counter(
		prefix+"bridge_quarantined_total",
		metric.WithDescription("Total number of records abandoned after exhausting retries"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	m.latencyHistogram, err = meter.Float64Histogram(
		prefix+"bridge_write_latency_seconds",
		metric.WithDescription("Time from buffering a write to persisting it"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.cycleHistogram, err = meter.Float64Histogram(
		prefix+"bridge_flush_cycle_duration_seconds",
		metric.WithDescription("Duration of one full flush cycle"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordEnqueue records a buffered write.
func (m *MetricsRecorder) RecordEnqueue(ctx context.Context, storeName string) {
	if m == nil {
		return
	}
	m.enqueuedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", storeName),
	))
}

// RecordFlush records a persisted record and its enqueue-to-persist latency.
func (m *MetricsRecorder) RecordFlush(ctx context.Context, storeName string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("store", storeName))
	m.flushedCounter.Add(ctx, 1, attrs)
	m.latencyHistogram.Record(ctx, latency.Seconds(), attrs)
}

// RecordFlushFailure records one failed backend write attempt.
func (m *MetricsRecorder) RecordFlushFailure(ctx context.Context, storeName string) {
	if m == nil {
		return
	}
	m.failuresCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", storeName),
	))
}

// RecordQuarantine records a record abandoned to quarantine.
func (m *MetricsRecorder) RecordQuarantine(ctx context.Context, storeName string) {
	if m == nil {
		return
	}
	m.quarantinedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", storeName),
	))
}

// RecordFlushCycle records the duration of one full flush cycle.
func (m *MetricsRecorder) RecordFlushCycle(ctx context.Context, flushed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleHistogram.Record(ctx, duration.Seconds())
}
