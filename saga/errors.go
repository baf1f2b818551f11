package saga

import (
	"errors"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Sentinel errors returned by the coordination engine. Callers classify
// failures with errors.Is or the helper predicates below.
var (
	// ErrDuplicateSaga is returned by StateStore.Create when the saga ID
	// already exists.
	ErrDuplicateSaga = errors.New("saga: already exists")

	// ErrNotFound is returned when a saga ID is unknown.
	ErrNotFound = errors.New("saga: not found")

	// ErrSagaTerminal is returned when a transition is attempted on a saga
	// that already reached a terminal state.
	ErrSagaTerminal = errors.New("saga: instance is terminal")

	// ErrSequenceViolation is returned by Journal.Append when an event's
	// sequence is not exactly one greater than the last recorded sequence
	// for its saga. It marks duplicated or reordered upstream delivery and
	// must not be retried blindly.
	ErrSequenceViolation = errors.New("saga: sequence violation")

	// ErrDuplicateRegistration is returned by Registry.Register when the
	// step already has a compensating action for that saga type.
	ErrDuplicateRegistration = errors.New("saga: compensation already registered")

	// ErrNoCompensationDefined is returned when a step has no compensating
	// action. It is a saga design error, fatal at definition-registration
	// time rather than at runtime.
	ErrNoCompensationDefined = errors.New("saga: no compensation defined")

	// ErrCompensationFailed is returned when a compensating action exhausted
	// its retry budget; the saga lands in FAILED_COMPENSATION and requires
	// operator intervention.
	ErrCompensationFailed = errors.New("saga: compensation failed")

	// ErrUnknownSagaType is returned by the coordinator for events naming a
	// saga type with no registered definition.
	ErrUnknownSagaType = errors.New("saga: unknown saga type")

	// ErrSagaCompensating is returned when a forward event arrives for a saga
	// whose completed steps are being undone. Compensation never yields back
	// to forward progress, so redelivery cannot make the event valid.
	ErrSagaCompensating = errors.New("saga: compensation in progress")
)

// ErrConcurrencyConflict is returned when a transition fails its optimistic
// version check: another process modified the saga since it was read. The
// caller must reread and retry, never overwrite.
//
// This is an alias to the shared event errors package for ecosystem
// consistency.
var ErrConcurrencyConflict = eventerrors.ErrVersionConflict

// NewConcurrencyConflictError creates a detailed version conflict error for
// a saga instance.
func NewConcurrencyConflictError(sagaID string, expected, actual int64) error {
	return eventerrors.NewVersionConflictError("saga instance", sagaID, expected, actual)
}

// IsConcurrencyConflict checks if an error indicates an optimistic
// concurrency conflict.
func IsConcurrencyConflict(err error) bool {
	return eventerrors.IsVersionConflict(err)
}

// IsNotFound checks if an error indicates a saga was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsSequenceViolation checks if an error indicates an out-of-order or
// duplicate event delivery.
func IsSequenceViolation(err error) bool {
	return errors.Is(err, ErrSequenceViolation)
}

// IsTerminal checks if an error indicates a transition was rejected because
// the saga already reached a terminal state.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSagaTerminal)
}

// IsCompensating checks if an error indicates a forward event was rejected
// because the saga is compensating.
func IsCompensating(err error) bool {
	return errors.Is(err, ErrSagaCompensating)
}
