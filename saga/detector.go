package saga

import (
	"context"
	"log/slog"
	"time"
)

// TimeoutDetector periodically scans for sagas stuck past their deadline and
// forces them into compensation.
//
// The detector races with the normal event path: a saga can complete between
// the scan's read and its compare-and-set attempt. A concurrency conflict on
// that attempt means someone else made progress, which is exactly the desired
// outcome, so the detector treats it as a benign no-op and moves on.
type TimeoutDetector struct {
	store    *StateStore
	registry *Registry
	journal  *Journal

	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	metrics  *MetricsRecorder
}

// DetectorOption configures a TimeoutDetector.
type DetectorOption func(*TimeoutDetector)

// WithDetectorLogger sets a custom logger.
func WithDetectorLogger(logger *slog.Logger) DetectorOption {
	return func(d *TimeoutDetector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDetectorMetrics enables OpenTelemetry metrics for timeout detection.
func WithDetectorMetrics(m *MetricsRecorder) DetectorOption {
	return func(d *TimeoutDetector) {
		d.metrics = m
	}
}

// WithDetectorRegistry lets the detector drive compensation of the sagas it
// times out. Without a registry the detector marks overdue sagas terminal
// TIMED_OUT instead, leaving cleanup to an operator.
func WithDetectorRegistry(r *Registry) DetectorOption {
	return func(d *TimeoutDetector) {
		d.registry = r
	}
}

// WithDetectorJournal lets the detector journal a SAGA_TIMED_OUT closure when
// it marks a saga TIMED_OUT, so a journal replay restores the terminal state.
// Only used without a registry; with one, the compensation run journals its
// own closure.
func WithDetectorJournal(j *Journal) DetectorOption {
	return func(d *TimeoutDetector) {
		d.journal = j
	}
}

// NewTimeoutDetector creates a detector that considers a saga stuck when it
// is past its deadline or has seen no update for the inactivity window.
func NewTimeoutDetector(store *StateStore, window, interval time.Duration, opts ...DetectorOption) *TimeoutDetector {
	d := &TimeoutDetector{
		store:    store,
		window:   window,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run scans on the configured interval until the context is cancelled.
func (d *TimeoutDetector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("timeout detector started",
		"window", d.window,
		"interval", d.interval)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("timeout detector stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Scan(ctx); err != nil {
				d.logger.Error("timeout scan failed", "error", err)
			}
		}
	}
}

// Scan performs a single detection pass and returns how many sagas it timed
// out. Safe to call concurrently with the event path and with other scans:
// every takeover is a compare-and-set, and losing the race is a no-op.
func (d *TimeoutDetector) Scan(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-d.window)
	stuck, err := d.store.ListActive(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	timedOut := 0
	for _, in := range stuck {
		if in.State == StateCompensating {
			// Already being unwound; a second takeover would only add
			// conflict noise.
			continue
		}

		handled, err := d.timeout(ctx, in)
		if err != nil {
			d.logger.Error("failed to time out saga",
				"saga_id", in.SagaID,
				"error", err)
			continue
		}
		if handled {
			timedOut++
		}
	}

	if timedOut > 0 {
		d.logger.Info("timeout scan finished",
			"scanned", len(stuck),
			"timed_out", timedOut)
	}
	return timedOut, nil
}

// timeout takes over one overdue saga. Reports false when the takeover lost
// a version race, which means the saga made progress on its own.
func (d *TimeoutDetector) timeout(ctx context.Context, in *Instance) (bool, error) {
	update := &StepUpdate{FailureReason: "saga deadline exceeded"}

	if d.registry == nil {
		_, err := d.store.Transition(ctx, in.SagaID, in.Version, StateTimedOut, update)
		if IsConcurrencyConflict(err) || IsTerminal(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if d.journal != nil {
			if _, err := d.journal.Append(ctx, Event{
				SagaID:   in.SagaID,
				SagaType: in.SagaType,
				Type:     EventSagaTimedOut,
				Reason:   "saga deadline exceeded",
			}); err != nil {
				d.logger.Error("failed to journal timeout closure",
					"saga_id", in.SagaID, "error", err)
			}
		}
		d.logger.Warn("saga timed out",
			"saga_id", in.SagaID,
			"saga_type", in.SagaType,
			"deadline", in.DeadlineAt)
		if d.metrics != nil {
			d.metrics.RecordTimeout(ctx, in.SagaType)
			d.metrics.RecordSagaEnd(ctx, in.SagaType, StateTimedOut, in.Duration())
		}
		return true, nil
	}

	_, err := d.store.Transition(ctx, in.SagaID, in.Version, StateCompensating, update)
	if IsConcurrencyConflict(err) || IsTerminal(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d.logger.Warn("saga timed out, compensating",
		"saga_id", in.SagaID,
		"saga_type", in.SagaType,
		"deadline", in.DeadlineAt,
		"completed_steps", len(in.CompletedSteps))
	if d.metrics != nil {
		d.metrics.RecordTimeout(ctx, in.SagaType)
	}

	final, err := d.registry.Compensate(ctx, in.SagaID)
	if err != nil {
		return true, err
	}
	if d.metrics != nil {
		d.metrics.RecordSagaEnd(ctx, final.SagaType, final.State, final.Duration())
	}
	return true, nil
}
