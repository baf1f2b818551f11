// Package saga coordinates choreographed distributed transactions.
//
// A saga is a multi-step business transaction spanning independently owned
// services. There is no central transaction manager: each service reacts to
// step events and emits further events. This package provides the
// coordination engine sitting underneath that choreography:
//   - StateStore: authoritative in-memory tracking of every saga instance,
//     mutated only through version-checked transitions (optimistic CAS)
//   - Journal: append-only, gap-free per-saga log of step events
//   - Registry: step name to compensating action mapping, driving
//     reverse-order compensation with retry and backoff
//   - Coordinator: the state machine driver external services talk to
//   - TimeoutDetector: background reclamation of sagas stuck past deadline
//
// Durability is write-behind: accepted transitions and journal appends are
// visible immediately from memory and flushed asynchronously through a
// persistence bridge (see the bridge package). The hot path never blocks on
// durable-storage I/O; a crash loses at most one flush window of writes.
//
// # Basic Usage
//
// Wire the components explicitly at startup:
//
//	store := saga.NewStateStore(saga.WithViewWriter(br))
//	journal := saga.NewJournal(saga.WithEventWriter(br))
//	registry := saga.NewRegistry(store, journal,
//	    saga.WithRegistryMaxRetries(3),
//	    saga.WithRegistryBackoff(&backoff.Exponential{
//	        Initial:    time.Second,
//	        Multiplier: 2.0,
//	        Max:        30 * time.Second,
//	    }),
//	)
//	coord := saga.NewCoordinator(store, journal, registry)
//
// Each domain service registers its compensating actions once at startup,
// then the saga type is registered with the coordinator:
//
//	registry.Register("OrderFulfillment", "ReserveInventory", releaseStock)
//	registry.Register("OrderFulfillment", "ChargePayment", refundPayment)
//	registry.Register("OrderFulfillment", "ConfirmOrder", cancelOrder)
//
//	err := coord.RegisterDefinition(saga.Definition{
//	    Type:    "OrderFulfillment",
//	    Steps:   []string{"ReserveInventory", "ChargePayment", "ConfirmOrder"},
//	    Timeout: 30 * time.Second,
//	})
//
// Step events arriving from the transport are handed to the coordinator:
//
//	instance, err := coord.HandleEvent(ctx, ev)
//
// A STEP_FAILED event (or a timed-out saga found by the detector) moves the
// instance to COMPENSATING and the registry undoes completed steps in exact
// reverse order. Compensating actions must be idempotent: retries and
// detector races can invoke them more than once.
package saga

import (
	"encoding/json"
	"time"

	"github.com/rbaliyan/event/v3/backoff"
)

// State represents the lifecycle state of a saga instance.
//
// State transitions:
//
//	STARTED -> STEP_COMPLETED -> ... -> COMPLETED
//	                          \
//	                       COMPENSATING -> COMPENSATED
//	                                    \
//	                                    FAILED_COMPENSATION
//
// TIMED_OUT is reachable only when a timeout detector runs without a
// compensation registry (observe-only deployments).
type State string

const (
	// StateStarted indicates the saga was created by its first step event.
	StateStarted State = "STARTED"

	// StateStepCompleted indicates at least one step completed and more remain.
	StateStepCompleted State = "STEP_COMPLETED"

	// StateCompensating indicates completed steps are being undone.
	StateCompensating State = "COMPENSATING"

	// StateCompleted indicates every step completed. Terminal.
	StateCompleted State = "COMPLETED"

	// StateCompensated indicates all completed steps were undone. Terminal.
	StateCompensated State = "COMPENSATED"

	// StateFailedCompensation indicates compensation exhausted its retries
	// and manual intervention is required. Terminal.
	StateFailedCompensation State = "FAILED_COMPENSATION"

	// StateTimedOut indicates the saga exceeded its deadline and was closed
	// without compensation. Terminal.
	StateTimedOut State = "TIMED_OUT"
)

// IsTerminal reports whether no further transitions are accepted from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCompensated, StateFailedCompensation, StateTimedOut:
		return true
	}
	return false
}

// IsActive reports whether the saga still makes progress.
func (s State) IsActive() bool {
	return !s.IsTerminal()
}

// IsSuccessful reports whether the saga finished with every step completed.
func (s State) IsSuccessful() bool {
	return s == StateCompleted
}

// Instance is one in-flight or completed saga.
//
// Instances are owned by the StateStore and mutated exclusively through its
// version-checked Transition contract; callers always receive copies.
type Instance struct {
	SagaID        string          // Unique, immutable identity
	SagaType      string          // Identifies the step sequence and compensation set
	CorrelationID string          // Optional business correlation key
	State         State           // Current lifecycle state
	CompletedSteps []string       // Step names in completion order; reversed for compensation
	CompensatedSteps []string     // Step names already undone, in compensation order
	StepPayloads  map[string]json.RawMessage // Payload recorded per completed step
	FailureReason string          // Why the saga entered compensation, if it did
	Version       int64           // Optimistic concurrency control
	StartedAt     time.Time
	LastUpdatedAt time.Time
	DeadlineAt    time.Time
	CompletedAt   *time.Time // Set when the saga reaches a terminal state
}

// Overdue reports whether the saga is active and past its deadline.
func (in *Instance) Overdue(now time.Time) bool {
	return in.State.IsActive() && !in.DeadlineAt.IsZero() && now.After(in.DeadlineAt)
}

// Duration returns the time since the saga started, or the total runtime
// once it reached a terminal state.
func (in *Instance) Duration() time.Duration {
	if in.CompletedAt != nil {
		return in.CompletedAt.Sub(in.StartedAt)
	}
	return time.Since(in.StartedAt)
}

// Progress returns the percentage of completed steps out of totalSteps.
func (in *Instance) Progress(totalSteps int) int {
	if totalSteps <= 0 {
		return 0
	}
	return len(in.CompletedSteps) * 100 / totalSteps
}

// clone returns a deep copy so callers can never alias store-owned state.
func (in *Instance) clone() *Instance {
	out := *in
	if in.CompletedSteps != nil {
		out.CompletedSteps = make([]string, len(in.CompletedSteps))
		copy(out.CompletedSteps, in.CompletedSteps)
	}
	if in.CompensatedSteps != nil {
		out.CompensatedSteps = make([]string, len(in.CompensatedSteps))
		copy(out.CompensatedSteps, in.CompensatedSteps)
	}
	if in.StepPayloads != nil {
		out.StepPayloads = make(map[string]json.RawMessage, len(in.StepPayloads))
		for k, v := range in.StepPayloads {
			out.StepPayloads[k] = v
		}
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// EventType classifies a journal entry.
type EventType string

const (
	// EventStepStarted is emitted when a service begins a step. The first
	// STEP_STARTED for an unknown saga ID creates the instance.
	EventStepStarted EventType = "STEP_STARTED"

	// EventStepCompleted is emitted when a step's forward action succeeded.
	EventStepCompleted EventType = "STEP_COMPLETED"

	// EventStepFailed is emitted when a step's forward action failed,
	// triggering compensation of everything completed so far.
	EventStepFailed EventType = "STEP_FAILED"

	// EventStepCompensated records that a completed step was undone.
	EventStepCompensated EventType = "STEP_COMPENSATED"
)

// Closure events are journaled by the engine itself when a saga reaches a
// terminal state, so that replay restores the terminal outcome instead of
// resurrecting the saga as active. They never arrive from the transport; the
// ingest layer only accepts the four step event types above.
const (
	// EventSagaCompleted closes a saga whose every step completed.
	EventSagaCompleted EventType = "SAGA_COMPLETED"

	// EventSagaCompensated closes a saga whose completed steps were all undone.
	EventSagaCompensated EventType = "SAGA_COMPENSATED"

	// EventCompensationFailed closes a saga whose compensation exhausted its
	// retries and needs an operator.
	EventCompensationFailed EventType = "COMPENSATION_FAILED"

	// EventSagaTimedOut closes a saga the detector marked TIMED_OUT.
	EventSagaTimedOut EventType = "SAGA_TIMED_OUT"
)

// Event is an immutable journal entry for one saga step.
//
// Sequence numbers are gap-free and strictly increasing per saga; the
// coordinator assigns them, never the caller. EventID and RecordedAt are
// assigned by the journal on append.
type Event struct {
	EventID    string          `json:"event_id"`
	SagaID     string          `json:"saga_id"`
	SagaType   string          `json:"saga_type"`
	StepName   string          `json:"step_name"`
	Type       EventType       `json:"event_type"`
	Sequence   int64           `json:"sequence"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Source     string          `json:"source,omitempty"`   // Emitting service
	Reason     string          `json:"reason,omitempty"`   // Failure reason for STEP_FAILED
	Deadline   time.Time       `json:"deadline,omitzero"`  // Saga deadline, on the creating STEP_STARTED
	RecordedAt time.Time       `json:"recorded_at"`
}

// Definition describes a saga type: its ordered step sequence and the
// deadline applied to new instances.
type Definition struct {
	Type    string
	Steps   []string
	Timeout time.Duration
}

// HasStep reports whether name is one of the definition's steps.
func (d Definition) HasStep(name string) bool {
	for _, s := range d.Steps {
		if s == name {
			return true
		}
	}
	return false
}

// BackoffStrategy is an alias for backoff.Strategy from the shared event
// library. All implementations from github.com/rbaliyan/event/v3/backoff can
// be used directly.
//
// Implementations must be stateless and safe for concurrent use.
type BackoffStrategy = backoff.Strategy

// RecordWriter accepts durable writes without blocking on storage I/O.
// It is satisfied by *bridge.Bridge; the zero dependency direction keeps the
// core independent of any concrete backend.
type RecordWriter interface {
	// Store schedules a write-behind upsert of payload under (storeName, key).
	Store(storeName, key string, payload []byte, version int64)

	// Delete schedules a write-behind removal of (storeName, key).
	Delete(storeName, key string, version int64)
}

// Store names used for write-behind records produced by this package.
const (
	// ViewStoreName is the derived, read-optimized saga snapshot store.
	ViewStoreName = "saga-view"

	// EventStoreName is the durable event journal store.
	EventStoreName = "saga-events"
)
