package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// viewSchemaVersion is bumped whenever the serialized view snapshot changes
// shape. Readers of the durable view store use it to pick a decoder.
const viewSchemaVersion = 1

// instanceView is the write-behind snapshot of an Instance. It is a derived,
// eventually consistent projection: reads of live state always come from the
// StateStore, never from here.
type instanceView struct {
	SchemaVersion    int                        `json:"schema_version"`
	SagaID           string                     `json:"saga_id"`
	SagaType         string                     `json:"saga_type"`
	CorrelationID    string                     `json:"correlation_id,omitempty"`
	State            State                      `json:"state"`
	CompletedSteps   []string                   `json:"completed_steps,omitempty"`
	CompensatedSteps []string                   `json:"compensated_steps,omitempty"`
	StepPayloads     map[string]json.RawMessage `json:"step_payloads,omitempty"`
	FailureReason    string                     `json:"failure_reason,omitempty"`
	Version          int64                      `json:"version"`
	StartedAt        time.Time                  `json:"started_at"`
	LastUpdatedAt    time.Time                  `json:"last_updated_at"`
	DeadlineAt       time.Time                  `json:"deadline_at"`
	CompletedAt      *time.Time                 `json:"completed_at,omitempty"`
}

// StepUpdate carries the per-step detail of a transition.
type StepUpdate struct {
	// StepName is appended to CompletedSteps, or to CompensatedSteps when
	// Compensated is set.
	StepName string

	// Payload is recorded for the step and later handed to its compensating
	// action.
	Payload json.RawMessage

	// FailureReason is recorded when entering COMPENSATING.
	FailureReason string

	// Compensated marks the step as undone instead of completed.
	Compensated bool
}

// StateStore is the authoritative in-memory map from saga identity to the
// current saga instance.
//
// All reads are served from memory, guaranteeing read-your-writes for every
// caller that already observed the write. Durability happens out of band: an
// optional RecordWriter receives a view snapshot after each accepted
// mutation, and the caller is never blocked on storage I/O. A crash between
// an accepted transition and the next flush window loses at most that
// window's writes; that trade-off is deliberate.
//
// Mutation goes exclusively through Create and Transition. Transition is a
// compare-and-set on Version: callers loop read, compute, attempt, and retry
// on ErrConcurrencyConflict.
type StateStore struct {
	mu     sync.RWMutex
	sagas  map[string]*Instance
	writer RecordWriter
	logger *slog.Logger
}

// StateStoreOption configures a StateStore.
type StateStoreOption func(*StateStore)

// WithViewWriter sets the write-behind destination for view snapshots.
// Without a writer the store is purely in-memory.
func WithViewWriter(w RecordWriter) StateStoreOption {
	return func(s *StateStore) {
		s.writer = w
	}
}

// WithStateStoreLogger sets a custom logger.
func WithStateStoreLogger(logger *slog.Logger) StateStoreOption {
	return func(s *StateStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStateStore creates an empty state store.
func NewStateStore(opts ...StateStoreOption) *StateStore {
	s := &StateStore{
		sagas:  make(map[string]*Instance),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new saga instance in STARTED state.
// Returns ErrDuplicateSaga if the saga ID already exists. Saga IDs must not
// contain '#', the journal's key separator.
func (s *StateStore) Create(ctx context.Context, sagaID, sagaType string, deadline time.Time) (*Instance, error) {
	if sagaID == "" {
		return nil, fmt.Errorf("saga ID is required")
	}
	if strings.Contains(sagaID, "#") {
		return nil, fmt.Errorf("saga ID must not contain '#': %s", sagaID)
	}
	if sagaType == "" {
		return nil, fmt.Errorf("saga type is required")
	}

	now := time.Now()
	in := &Instance{
		SagaID:        sagaID,
		SagaType:      sagaType,
		State:         StateStarted,
		StepPayloads:  make(map[string]json.RawMessage),
		StartedAt:     now,
		LastUpdatedAt: now,
		DeadlineAt:    deadline,
	}

	s.mu.Lock()
	if _, exists := s.sagas[sagaID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSaga, sagaID)
	}
	s.sagas[sagaID] = in
	snapshot := in.clone()
	s.mu.Unlock()

	s.scheduleViewWrite(snapshot)
	return snapshot, nil
}

// Get returns a copy of the saga instance.
// Returns ErrNotFound if the saga ID is unknown.
func (s *StateStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sagaID)
	}
	return in.clone(), nil
}

// Transition applies a state change if and only if the stored version equals
// expectedVersion. On success the version increments by one, LastUpdatedAt is
// refreshed and the updated instance is returned.
//
// Returns ErrNotFound for unknown sagas, ErrSagaTerminal when the instance
// already reached a terminal state, and ErrConcurrencyConflict on a version
// mismatch; conflicted callers must reread and retry, never overwrite.
func (s *StateStore) Transition(ctx context.Context, sagaID string, expectedVersion int64, newState State, update *StepUpdate) (*Instance, error) {
	s.mu.Lock()

	in, ok := s.sagas[sagaID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sagaID)
	}
	if in.State.IsTerminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrSagaTerminal, sagaID, in.State)
	}
	if in.Version != expectedVersion {
		s.mu.Unlock()
		return nil, NewConcurrencyConflictError(sagaID, expectedVersion, in.Version)
	}

	in.Version++
	in.LastUpdatedAt = time.Now()
	in.State = newState

	if update != nil {
		if update.FailureReason != "" {
			in.FailureReason = update.FailureReason
		}
		if update.StepName != "" {
			if update.Compensated {
				in.CompensatedSteps = append(in.CompensatedSteps, update.StepName)
			} else {
				in.CompletedSteps = append(in.CompletedSteps, update.StepName)
				if update.Payload != nil {
					if in.StepPayloads == nil {
						in.StepPayloads = make(map[string]json.RawMessage)
					}
					in.StepPayloads[update.StepName] = update.Payload
				}
			}
		}
	}

	if newState.IsTerminal() && in.CompletedAt == nil {
		now := in.LastUpdatedAt
		in.CompletedAt = &now
	}

	snapshot := in.clone()
	s.mu.Unlock()

	s.scheduleViewWrite(snapshot)
	return snapshot, nil
}

// ListActive returns every non-terminal saga that has not been updated since
// olderThan or whose deadline has passed. It is the timeout detector's scan
// input; result order is unspecified.
func (s *StateStore) ListActive(ctx context.Context, olderThan time.Time) ([]*Instance, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Instance
	for _, in := range s.sagas {
		if in.State.IsTerminal() {
			continue
		}
		if in.LastUpdatedAt.Before(olderThan) || in.Overdue(now) {
			results = append(results, in.clone())
		}
	}
	return results, nil
}

// Filter specifies criteria for List. All fields are optional; an empty
// filter returns all sagas.
type Filter struct {
	SagaType string  // Filter by saga type (empty = all types)
	States   []State // Filter by state (empty = all states)
	Limit    int     // Maximum results (0 = no limit)
}

// List returns sagas matching the filter.
func (s *StateStore) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Instance
	for _, in := range s.sagas {
		if filter.SagaType != "" && in.SagaType != filter.SagaType {
			continue
		}
		if len(filter.States) > 0 {
			matched := false
			for _, st := range filter.States {
				if in.State == st {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}

		results = append(results, in.clone())
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// Count returns the total number of tracked sagas.
func (s *StateStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sagas)
}

// CountByState returns the number of sagas currently in the given state.
func (s *StateStore) CountByState(state State) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, in := range s.sagas {
		if in.State == state {
			n++
		}
	}
	return n
}

// PurgeCompleted removes terminal sagas whose completion is older than age
// and schedules deletion of their view snapshots. Non-terminal sagas are
// never removed. Returns the number purged.
func (s *StateStore) PurgeCompleted(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	var purged []*Instance
	for id, in := range s.sagas {
		if in.State.IsTerminal() && in.CompletedAt != nil && in.CompletedAt.Before(cutoff) {
			purged = append(purged, in)
			delete(s.sagas, id)
		}
	}
	s.mu.Unlock()

	if s.writer != nil {
		for _, in := range purged {
			s.writer.Delete(ViewStoreName, in.SagaID, in.Version)
		}
	}
	return len(purged)
}

// Rebuild reconstructs the store from the journal, replaying each saga's
// events in sequence order. Existing in-memory state is discarded. It is the
// recovery path when the authoritative map must be rebuilt after a restart.
func (s *StateStore) Rebuild(ctx context.Context, journal *Journal) error {
	rebuilt := make(map[string]*Instance)

	for _, sagaID := range journal.SagaIDs() {
		events := journal.Events(ctx, sagaID)
		if len(events) == 0 {
			continue
		}

		var in *Instance
		for _, ev := range events {
			if in == nil {
				in = &Instance{
					SagaID:        ev.SagaID,
					SagaType:      ev.SagaType,
					State:         StateStarted,
					StepPayloads:  make(map[string]json.RawMessage),
					StartedAt:     ev.RecordedAt,
					LastUpdatedAt: ev.RecordedAt,
				}
			}
			in.LastUpdatedAt = ev.RecordedAt
			in.Version++

			switch ev.Type {
			case EventStepStarted:
				// Creation is implied by the first event, which also carries
				// the deadline the saga was created with.
				if in.DeadlineAt.IsZero() && !ev.Deadline.IsZero() {
					in.DeadlineAt = ev.Deadline
				}
			case EventStepCompleted:
				in.CompletedSteps = append(in.CompletedSteps, ev.StepName)
				if ev.Payload != nil {
					in.StepPayloads[ev.StepName] = ev.Payload
				}
				in.State = StateStepCompleted
			case EventStepFailed:
				in.State = StateCompensating
				in.FailureReason = ev.Reason
			case EventStepCompensated:
				in.CompensatedSteps = append(in.CompensatedSteps, ev.StepName)
				in.State = StateCompensating
			case EventSagaCompleted:
				in.State = StateCompleted
			case EventSagaCompensated:
				in.State = StateCompensated
			case EventCompensationFailed:
				in.State = StateFailedCompensation
				if ev.Reason != "" {
					in.FailureReason = ev.Reason
				}
			case EventSagaTimedOut:
				in.State = StateTimedOut
				if ev.Reason != "" {
					in.FailureReason = ev.Reason
				}
			}
		}

		// A replayed saga that compensated everything it completed is closed
		// even when its closure event was lost.
		if in.State == StateCompensating && len(in.CompensatedSteps) == len(in.CompletedSteps) {
			in.State = StateCompensated
		}
		if in.State.IsTerminal() && in.CompletedAt == nil {
			t := in.LastUpdatedAt
			in.CompletedAt = &t
		}
		rebuilt[sagaID] = in
	}

	s.mu.Lock()
	s.sagas = rebuilt
	s.mu.Unlock()

	s.logger.Info("state store rebuilt from journal", "sagas", len(rebuilt))
	return nil
}

// scheduleViewWrite hands the instance snapshot to the write-behind bridge.
// Serialization failures are logged, never surfaced to the hot path.
func (s *StateStore) scheduleViewWrite(in *Instance) {
	if s.writer == nil {
		return
	}

	view := instanceView{
		SchemaVersion:    viewSchemaVersion,
		SagaID:           in.SagaID,
		SagaType:         in.SagaType,
		CorrelationID:    in.CorrelationID,
		State:            in.State,
		CompletedSteps:   in.CompletedSteps,
		CompensatedSteps: in.CompensatedSteps,
		StepPayloads:     in.StepPayloads,
		FailureReason:    in.FailureReason,
		Version:          in.Version,
		StartedAt:        in.StartedAt,
		LastUpdatedAt:    in.LastUpdatedAt,
		DeadlineAt:       in.DeadlineAt,
		CompletedAt:      in.CompletedAt,
	}

	payload, err := json.Marshal(view)
	if err != nil {
		s.logger.Error("failed to serialize saga view",
			"saga_id", in.SagaID,
			"error", err)
		return
	}
	s.writer.Store(ViewStoreName, in.SagaID, payload, in.Version)
}

// Health reports on the in-memory store. Always healthy; details expose the
// live saga population.
func (s *StateStore) Health(ctx context.Context) *health.Result {
	s.mu.RLock()
	total := len(s.sagas)
	active := 0
	compensating := 0
	for _, in := range s.sagas {
		if in.State.IsActive() {
			active++
		}
		if in.State == StateCompensating {
			compensating++
		}
	}
	s.mu.RUnlock()

	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"total_sagas":        total,
			"active_sagas":       active,
			"compensating_sagas": compensating,
		},
	}
}

// Compile-time check
var _ health.Checker = (*StateStore)(nil)
