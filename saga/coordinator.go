package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Coordinator is the state machine driver external services interact with.
//
// It applies incoming step events to saga instances: the in-memory update
// and journal append complete synchronously, durable persistence happens
// out of band through the write-behind bridge, and a STEP_FAILED event hands
// the instance to the compensation registry. HandleEvent returns as soon as
// the in-memory update and journal append succeed; it never waits on
// durable-storage I/O.
//
// The coordinator holds no locks across reads and writes: every mutation is
// a compare-and-set on the instance version, retried on conflict.
type Coordinator struct {
	store    *StateStore
	journal  *Journal
	registry *Registry

	mu   sync.RWMutex
	defs map[string]Definition

	logger     *slog.Logger
	metrics    *MetricsRecorder
	maxRetries int // transition CAS attempts per event
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets a custom logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCoordinatorMetrics enables OpenTelemetry metrics collection.
func WithCoordinatorMetrics(m *MetricsRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTransitionRetries bounds the local read-compute-attempt loop on
// concurrency conflicts before the conflict is surfaced to the caller.
func WithTransitionRetries(max int) CoordinatorOption {
	return func(c *Coordinator) {
		if max > 0 {
			c.maxRetries = max
		}
	}
}

// NewCoordinator builds a coordinator from explicitly constructed parts.
// There is no process-wide registry: everything the coordinator touches is
// passed in here.
func NewCoordinator(store *StateStore, journal *Journal, registry *Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:      store,
		journal:    journal,
		registry:   registry,
		defs:       make(map[string]Definition),
		logger:     slog.Default(),
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterDefinition registers a saga type. Every step must already have a
// compensating action in the registry; a hole fails here, at startup, with
// ErrNoCompensationDefined rather than during a live compensation run.
func (c *Coordinator) RegisterDefinition(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("saga type is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("saga type %s: at least one step is required", def.Type)
	}
	if err := c.registry.ValidateDefinition(def); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[def.Type]; exists {
		return fmt.Errorf("saga type already registered: %s", def.Type)
	}
	c.defs[def.Type] = def
	return nil
}

// Definition returns the registered definition for a saga type.
func (c *Coordinator) Definition(sagaType string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[sagaType]
	return def, ok
}

// Get returns the current state of a saga.
func (c *Coordinator) Get(ctx context.Context, sagaID string) (*Instance, error) {
	return c.store.Get(ctx, sagaID)
}

// HandleEvent applies one step event to its saga instance and returns the
// updated instance.
//
// The first STEP_STARTED for a new saga ID creates the instance with the
// definition's deadline. An event carrying Sequence 0 receives the next
// journal sequence for its saga, while an event carrying an explicit
// sequence is validated against the journal and rejected with
// ErrSequenceViolation when it does not line up, the defense against
// duplication and reordering by an at-least-once transport.
func (c *Coordinator) HandleEvent(ctx context.Context, ev Event) (*Instance, error) {
	def, ok := c.Definition(ev.SagaType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, ev.SagaType)
	}
	if ev.SagaID == "" {
		return nil, fmt.Errorf("event saga ID is required")
	}
	if ev.StepName != "" && !def.HasStep(ev.StepName) {
		return nil, fmt.Errorf("saga type %s has no step %s", ev.SagaType, ev.StepName)
	}

	// An event carrying an explicit sequence is validated before touching
	// saga state, so a duplicate delivery is rejected without a state
	// transition. Events with Sequence 0 get the next sequence atomically
	// at journal-append time.
	if ev.Sequence != 0 {
		expected := c.journal.LastSequence(ev.SagaID) + 1
		if ev.Sequence != expected {
			c.logger.Warn("rejecting out-of-order event",
				"saga_id", ev.SagaID,
				"step", ev.StepName,
				"event_type", ev.Type,
				"sequence", ev.Sequence,
				"expected", expected)
			return nil, fmt.Errorf("%w: saga %s expected sequence %d, got %d",
				ErrSequenceViolation, ev.SagaID, expected, ev.Sequence)
		}
	}

	switch ev.Type {
	case EventStepStarted:
		return c.handleStepStarted(ctx, def, ev)
	case EventStepCompleted:
		return c.handleStepCompleted(ctx, def, ev)
	case EventStepFailed:
		return c.handleStepFailed(ctx, ev)
	case EventStepCompensated:
		// External confirmation of a side-effect reversal. Journal it for
		// the audit trail; the registry already advanced the state.
		in, err := c.store.Get(ctx, ev.SagaID)
		if err != nil {
			return nil, err
		}
		if _, err := c.journal.Append(ctx, ev); err != nil {
			return nil, err
		}
		return in, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", ev.Type)
	}
}

func (c *Coordinator) handleStepStarted(ctx context.Context, def Definition, ev Event) (*Instance, error) {
	in, err := c.store.Get(ctx, ev.SagaID)
	if IsNotFound(err) {
		in, err = c.store.Create(ctx, ev.SagaID, ev.SagaType, time.Now().Add(def.Timeout))
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.RecordSagaStart(ctx, ev.SagaType)
		}
		c.logger.Info("saga started",
			"saga_id", ev.SagaID,
			"saga_type", ev.SagaType,
			"deadline", in.DeadlineAt)
	} else if err != nil {
		return nil, err
	}

	if in.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSagaTerminal, ev.SagaID, in.State)
	}
	if in.State == StateCompensating {
		return nil, fmt.Errorf("%w: %s", ErrSagaCompensating, ev.SagaID)
	}

	ev.Deadline = in.DeadlineAt
	if _, err := c.journal.Append(ctx, ev); err != nil {
		return nil, err
	}
	return in, nil
}

func (c *Coordinator) handleStepCompleted(ctx context.Context, def Definition, ev Event) (*Instance, error) {
	in, err := c.transition(ctx, ev.SagaID, func(cur *Instance) (State, *StepUpdate, error) {
		if cur.State == StateCompensating {
			// Compensation never yields back to forward progress: a late
			// completion racing a detector takeover or an in-flight failure
			// must not pull the saga out of its unwind.
			return "", nil, fmt.Errorf("%w: %s", ErrSagaCompensating, ev.SagaID)
		}
		for _, done := range cur.CompletedSteps {
			if done == ev.StepName {
				return "", nil, fmt.Errorf("%w: step %s already completed for saga %s",
					ErrSequenceViolation, ev.StepName, ev.SagaID)
			}
		}
		next := StateStepCompleted
		if len(cur.CompletedSteps)+1 == len(def.Steps) {
			next = StateCompleted
		}
		return next, &StepUpdate{StepName: ev.StepName, Payload: ev.Payload}, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.journal.Append(ctx, ev); err != nil {
		return nil, err
	}
	if in.State == StateCompleted {
		// Journal the closure so a replayed journal restores COMPLETED
		// instead of leaving the saga one step short of done.
		closure := Event{SagaID: ev.SagaID, SagaType: ev.SagaType, Type: EventSagaCompleted}
		if _, err := c.journal.Append(ctx, closure); err != nil {
			return nil, err
		}
	}

	if c.metrics != nil {
		c.metrics.RecordTransition(ctx, in.SagaType, in.State)
		if in.State == StateCompleted {
			c.metrics.RecordSagaEnd(ctx, in.SagaType, in.State, in.Duration())
		}
	}
	c.logger.Debug("step completed",
		"saga_id", ev.SagaID,
		"step", ev.StepName,
		"state", in.State,
		"progress", in.Progress(len(def.Steps)))
	return in, nil
}

func (c *Coordinator) handleStepFailed(ctx context.Context, ev Event) (*Instance, error) {
	reason := ev.Reason
	if reason == "" {
		reason = fmt.Sprintf("step %s failed", ev.StepName)
	}

	in, err := c.transition(ctx, ev.SagaID, func(cur *Instance) (State, *StepUpdate, error) {
		return StateCompensating, &StepUpdate{FailureReason: reason}, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.journal.Append(ctx, ev); err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.RecordTransition(ctx, in.SagaType, StateCompensating)
	}
	c.logger.Warn("step failed, compensating",
		"saga_id", ev.SagaID,
		"step", ev.StepName,
		"reason", reason,
		"completed_steps", len(in.CompletedSteps))

	final, err := c.registry.Compensate(ctx, ev.SagaID)
	if err != nil {
		return final, err
	}
	if c.metrics != nil {
		c.metrics.RecordSagaEnd(ctx, final.SagaType, final.State, final.Duration())
	}
	return final, nil
}

// transition runs the read-compute-attempt loop: read the instance, let
// decide compute the next state from what was read, attempt the CAS, and on
// ErrConcurrencyConflict reread and try again up to the configured bound.
func (c *Coordinator) transition(ctx context.Context, sagaID string, decide func(*Instance) (State, *StepUpdate, error)) (*Instance, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		in, err := c.store.Get(ctx, sagaID)
		if err != nil {
			return nil, err
		}
		next, update, err := decide(in)
		if err != nil {
			return nil, err
		}
		out, err := c.store.Transition(ctx, sagaID, in.Version, next, update)
		if err == nil {
			return out, nil
		}
		if !IsConcurrencyConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("saga %s: transition retries exhausted: %w", sagaID, lastErr)
}
