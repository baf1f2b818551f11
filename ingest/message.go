// Package ingest moves step events between Kafka and the coordination
// engine: a consumer feeds inbound step events to the coordinator, and an
// emitter publishes compensation notifications back to the participating
// services.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sagakit/choreo/saga"
)

// StepEventMessage is the wire format of a step event on the ingest topic.
//
// Sequence is optional: a zero (or absent) sequence lets the engine assign
// the next one, while an explicit sequence is validated for gap-free
// ordering and duplicates are rejected.
type StepEventMessage struct {
	SagaID     string          `json:"saga_id"`
	SagaType   string          `json:"saga_type"`
	StepName   string          `json:"step_name,omitempty"`
	EventType  string          `json:"event_type"`
	Sequence   int64           `json:"sequence,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Source     string          `json:"source,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
}

// Validate checks the message for structural problems that no amount of
// retrying can fix.
func (m *StepEventMessage) Validate() error {
	if m.SagaID == "" {
		return fmt.Errorf("saga_id is required")
	}
	if m.SagaType == "" {
		return fmt.Errorf("saga_type is required")
	}
	switch saga.EventType(m.EventType) {
	case saga.EventStepStarted, saga.EventStepCompleted, saga.EventStepFailed, saga.EventStepCompensated:
	default:
		return fmt.Errorf("unknown event_type: %q", m.EventType)
	}
	if m.Sequence < 0 {
		return fmt.Errorf("sequence must not be negative")
	}
	return nil
}

// toEvent converts the wire message to an engine event.
func (m *StepEventMessage) toEvent() saga.Event {
	return saga.Event{
		SagaID:   m.SagaID,
		SagaType: m.SagaType,
		StepName: m.StepName,
		Type:     saga.EventType(m.EventType),
		Sequence: m.Sequence,
		Payload:  m.Payload,
		Source:   m.Source,
		Reason:   m.Reason,
	}
}
