package saga

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder provides OpenTelemetry metrics for the coordination engine.
//
// All methods are nil-safe; calling methods on a nil *MetricsRecorder is a
// no-op. This allows optional metrics without nil checks in application code.
//
// Available metrics:
//   - saga_started_total: Counter of started sagas
//   - saga_ended_total: Counter of sagas reaching a terminal state
//   - saga_transitions_total: Counter of state transitions
//   - saga_timeouts_total: Counter of deadline expirations caught by the detector
//   - saga_duration_seconds: Histogram of start-to-terminal durations
//   - saga_compensation_step_duration_seconds: Histogram of compensating action runtimes
//   - saga_active: Gauge of currently active (non-terminal) sagas
type MetricsRecorder struct {
	startedCounter     metric.Int64Counter
	endedCounter       metric.Int64Counter
	transitionsCounter metric.Int64Counter
	timeoutsCounter    metric.Int64Counter
	durationHistogram  metric.Float64Histogram
	stepHistogram      metric.Float64Histogram

	active atomic.Int64
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
//
// Example: WithMetricsNamespace("orders") produces "orders_saga_started_total"
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

	meter := o.meterProvider.Meter("github.com/sagakit/choreo/saga")

	m := &MetricsRecorder{}

	var err error
	m.startedCounter, err = meter.Int64Counter(
		prefix+"saga_started_total",
		metric.WithDescription("Total number of started sagas"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, err
	}

	m.endedCounter, err = meter.Int64Counter(
		prefix+"saga_ended_total",
		metric.WithDescription("Total number of sagas that reached a terminal state"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, err
	}

	m.transitionsCounter, err = meter.Int64Counter(
		prefix+"saga_transitions_total",
		metric.WithDescription("Total number of saga state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	m.timeoutsCounter, err = meter.Int64Counter(
		prefix+"saga_timeouts_total",
		metric.WithDescription("Total number of saga deadline expirations caught by the timeout detector"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, err
	}

	m.durationHistogram, err = meter.Float64Histogram(
		prefix+"saga_duration_seconds",
		metric.WithDescription("Time from saga start to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.stepHistogram, err = meter.Float64Histogram(
		prefix+"saga_compensation_step_duration_seconds",
		metric.WithDescription("Runtime of a single compensating action invocation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		prefix+"saga_active",
		metric.WithDescription("Number of currently active (non-terminal) sagas"),
		metric.WithUnit("{saga}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(m.active.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSagaStart records a new saga instance.
func (m *MetricsRecorder) RecordSagaStart(ctx context.Context, sagaType string) {
	if m == nil {
		return
	}
	m.active.Add(1)
	m.startedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
	))
}

// RecordSagaEnd records a saga reaching a terminal state.
func (m *MetricsRecorder) RecordSagaEnd(ctx context.Context, sagaType string, state State, duration time.Duration) {
	if m == nil {
		return
	}
	m.active.Add(-1)
	attrs := metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("state", string(state)),
	)
	m.endedCounter.Add(ctx, 1, attrs)
	m.durationHistogram.Record(ctx, duration.Seconds(), attrs)
}

// RecordTransition records a state transition.
func (m *MetricsRecorder) RecordTransition(ctx context.Context, sagaType string, state State) {
	if m == nil {
		return
	}
	m.transitionsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("state", string(state)),
	))
}

// RecordTimeout records a deadline expiration caught by the timeout detector.
func (m *MetricsRecorder) RecordTimeout(ctx context.Context, sagaType string) {
	if m == nil {
		return
	}
	m.timeoutsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
	))
}

// RecordCompensationStep records one compensating action invocation.
func (m *MetricsRecorder) RecordCompensationStep(ctx context.Context, sagaType, stepName, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("step", stepName),
		attribute.String("result", result),
	))
}
