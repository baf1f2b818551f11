package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// CompensationFunc semantically undoes a previously completed step, given the
// payload recorded for that step.
//
// Compensating actions must be idempotent: bounded retries and timeout
// detector races can invoke the same action for the same payload more than
// once, and the second invocation must produce the same externally
// observable effect as the first.
type CompensationFunc func(ctx context.Context, payload json.RawMessage) error

// Notifier receives a notification each time a step's compensation
// succeeded, so the owning domain service can reverse side effects visible
// outside the core. Delivery is best effort: failures are logged, never
// block compensation progress.
type Notifier interface {
	StepCompensated(ctx context.Context, sagaID, sagaType, stepName string) error
}

// Registry maps (sagaType, stepName) to a compensating action and drives
// reverse-order compensation of saga instances.
type Registry struct {
	actions *xsync.MapOf[string, CompensationFunc]

	store      *StateStore
	journal    *Journal
	notifier   Notifier
	logger     *slog.Logger
	metrics    *MetricsRecorder
	backoff    BackoffStrategy
	maxRetries int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNotifier sets the outbound destination for step-compensated
// notifications.
func WithNotifier(n Notifier) RegistryOption {
	return func(r *Registry) {
		r.notifier = n
	}
}

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryMetrics enables OpenTelemetry metrics for compensation runs.
func WithRegistryMetrics(m *MetricsRecorder) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithRegistryBackoff sets the delay strategy between retries of a failing
// compensating action. Without a strategy, retries happen immediately.
func WithRegistryBackoff(strategy BackoffStrategy) RegistryOption {
	return func(r *Registry) {
		r.backoff = strategy
	}
}

// WithRegistryMaxRetries bounds how many times one compensating action is
// retried before the saga is abandoned to FAILED_COMPENSATION.
func WithRegistryMaxRetries(max int) RegistryOption {
	return func(r *Registry) {
		if max >= 0 {
			r.maxRetries = max
		}
	}
}

// NewRegistry creates a compensation registry bound to the given state store
// and journal.
func NewRegistry(store *StateStore, journal *Journal, opts ...RegistryOption) *Registry {
	r := &Registry{
		actions:    xsync.NewMapOf[string, CompensationFunc](),
		store:      store,
		journal:    journal,
		logger:     slog.Default(),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func actionKey(sagaType, stepName string) string {
	return sagaType + "/" + stepName
}

// Register associates a compensating action with a step of a saga type.
// Returns ErrDuplicateRegistration when the step already has one.
func (r *Registry) Register(sagaType, stepName string, fn CompensationFunc) error {
	if sagaType == "" || stepName == "" {
		return fmt.Errorf("saga type and step name are required")
	}
	if fn == nil {
		return fmt.Errorf("compensating action is required")
	}

	key := actionKey(sagaType, stepName)
	if _, loaded := r.actions.LoadOrStore(key, fn); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, key)
	}
	return nil
}

// Lookup returns the compensating action for a step.
// Returns ErrNoCompensationDefined when none is registered.
func (r *Registry) Lookup(sagaType, stepName string) (CompensationFunc, error) {
	fn, ok := r.actions.Load(actionKey(sagaType, stepName))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCompensationDefined, actionKey(sagaType, stepName))
	}
	return fn, nil
}

// ValidateDefinition verifies every step of the definition has a registered
// compensating action. A missing action is a saga design error and must fail
// at registration time, not during a live compensation run.
func (r *Registry) ValidateDefinition(def Definition) error {
	for _, step := range def.Steps {
		if _, err := r.Lookup(def.Type, step); err != nil {
			return err
		}
	}
	return nil
}

// Compensate undoes the saga's completed steps in strict reverse completion
// order, one at a time. The instance must already be in COMPENSATING.
//
// Each failing action is retried with backoff up to the configured attempt
// bound; exhausting retries moves the saga to terminal FAILED_COMPENSATION
// and stops; that case needs an operator, never skip-and-continue. When every
// step is undone the saga reaches COMPENSATED. Steps already present in
// CompensatedSteps are skipped, which makes re-entry from detector races a
// no-op.
func (r *Registry) Compensate(ctx context.Context, sagaID string) (*Instance, error) {
	in, err := r.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if in.State != StateCompensating {
		return nil, fmt.Errorf("saga %s is not compensating: %s", sagaID, in.State)
	}

	r.logger.Info("starting compensation",
		"saga_id", sagaID,
		"saga_type", in.SagaType,
		"steps_to_compensate", len(in.CompletedSteps)-len(in.CompensatedSteps))

	done := make(map[string]bool, len(in.CompensatedSteps))
	for _, step := range in.CompensatedSteps {
		done[step] = true
	}

	// CompletedSteps is frozen while COMPENSATING; snapshot it so later
	// transition results can't shift the iteration under us.
	steps := in.CompletedSteps
	payloads := in.StepPayloads

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if done[step] {
			continue
		}

		payload := payloads[step]
		if err := r.compensateStep(ctx, in, step, payload); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Shutdown, not a broken action. The saga stays COMPENSATING
				// and a later run resumes from the steps already undone.
				return nil, err
			}
			reason := fmt.Sprintf("compensation of %s exhausted retries: %v", step, err)
			failed, terr := r.transition(ctx, sagaID, StateFailedCompensation, &StepUpdate{
				FailureReason: reason,
			})
			if terr != nil {
				r.logger.Error("failed to mark saga FAILED_COMPENSATION",
					"saga_id", sagaID, "error", terr)
				return nil, fmt.Errorf("%w: step %s: %v", ErrCompensationFailed, step, err)
			}
			r.journalClosure(ctx, Event{
				SagaID:   sagaID,
				SagaType: failed.SagaType,
				Type:     EventCompensationFailed,
				Reason:   reason,
			})
			return failed, fmt.Errorf("%w: step %s: %v", ErrCompensationFailed, step, err)
		}

		in, err = r.transition(ctx, sagaID, StateCompensating, &StepUpdate{
			StepName:    step,
			Compensated: true,
		})
		if err != nil {
			return nil, err
		}

		if ev, err := r.journal.Append(ctx, Event{
			SagaID:   sagaID,
			SagaType: in.SagaType,
			StepName: step,
			Type:     EventStepCompensated,
		}); err != nil {
			r.logger.Error("failed to journal compensation",
				"saga_id", sagaID, "step", step, "error", err)
		} else {
			r.logger.Debug("step compensated",
				"saga_id", sagaID, "step", step, "event_id", ev.EventID)
		}

		r.notify(ctx, in, step)
	}

	final, err := r.transition(ctx, sagaID, StateCompensated, nil)
	if err != nil {
		return nil, err
	}
	r.journalClosure(ctx, Event{
		SagaID:   sagaID,
		SagaType: final.SagaType,
		Type:     EventSagaCompensated,
	})

	r.logger.Info("compensation completed", "saga_id", sagaID)
	return final, nil
}

// journalClosure records the terminal outcome so a journal replay restores it.
// The state store already holds the truth, so a failed append is logged and
// tolerated rather than unwinding the transition.
func (r *Registry) journalClosure(ctx context.Context, ev Event) {
	if _, err := r.journal.Append(ctx, ev); err != nil {
		r.logger.Error("failed to journal saga closure",
			"saga_id", ev.SagaID, "event_type", ev.Type, "error", err)
	}
}

// compensateStep runs one compensating action with bounded retries.
func (r *Registry) compensateStep(ctx context.Context, in *Instance, step string, payload json.RawMessage) error {
	fn, err := r.Lookup(in.SagaType, step)
	if err != nil {
		// Should have been rejected at definition registration; treat a
		// runtime hole as unrecoverable for this saga.
		return err
	}

	maxAttempts := r.maxRetries + 1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			var delay time.Duration
			if r.backoff != nil {
				delay = r.backoff.NextDelay(attempt - 1)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		lastErr = fn(ctx, payload)
		if r.metrics != nil {
			result := "success"
			if lastErr != nil {
				result = "failure"
			}
			r.metrics.RecordCompensationStep(ctx, in.SagaType, step, result, time.Since(start))
		}
		if lastErr == nil {
			return nil
		}

		r.logger.Warn("compensating action failed",
			"saga_id", in.SagaID,
			"step", step,
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"error", lastErr)
	}
	return lastErr
}

// transition is the read-compute-attempt loop against the state store,
// retrying on concurrency conflicts. Compensation is strictly sequential per
// saga, so conflicts here only come from detector races and resolve quickly.
func (r *Registry) transition(ctx context.Context, sagaID string, newState State, update *StepUpdate) (*Instance, error) {
	const maxAttempts = 5

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		in, err := r.store.Get(ctx, sagaID)
		if err != nil {
			return nil, err
		}
		next, err := r.store.Transition(ctx, sagaID, in.Version, newState, update)
		if err == nil {
			return next, nil
		}
		if !IsConcurrencyConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transition of %s to %s: %w", sagaID, newState, lastErr)
}

func (r *Registry) notify(ctx context.Context, in *Instance, step string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.StepCompensated(ctx, in.SagaID, in.SagaType, step); err != nil {
		r.logger.Error("failed to emit compensation notification",
			"saga_id", in.SagaID,
			"step", step,
			"error", err)
	}
}
