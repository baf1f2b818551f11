package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sagakit/choreo/saga"
)

// EmitterConfig holds Kafka producer configuration for outbound
// notifications.
type EmitterConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultEmitterConfig returns sensible defaults for the emitter.
func DefaultEmitterConfig(brokers []string, topic string) EmitterConfig {
	return EmitterConfig{
		Brokers:      brokers,
		Topic:        topic,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Emitter publishes compensation notifications to Kafka so participating
// services can reverse their side effects. It satisfies saga.Notifier.
type Emitter struct {
	writer  *kafka.Writer
	brokers []string
	logger  *slog.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithEmitterLogger sets a custom logger.
func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEmitter creates a Kafka emitter.
func NewEmitter(cfg EmitterConfig, opts ...EmitterOption) *Emitter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}

	e := &Emitter{
		writer:  w,
		brokers: cfg.Brokers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepCompensated publishes a step-compensated notification. Messages are
// keyed by saga ID so all notifications of one saga stay ordered on a single
// partition.
func (e *Emitter) StepCompensated(ctx context.Context, sagaID, sagaType, stepName string) error {
	msg := StepEventMessage{
		SagaID:     sagaID,
		SagaType:   sagaType,
		StepName:   stepName,
		EventType:  string(saga.EventStepCompensated),
		OccurredAt: time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sagaID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(saga.EventStepCompensated)},
			{Key: "saga_type", Value: []byte(sagaType)},
		},
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to publish compensation notification",
			slog.String("saga_id", sagaID),
			slog.String("step", stepName),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish notification: %w", err)
	}

	e.logger.DebugContext(ctx, "compensation notification published",
		slog.String("saga_id", sagaID),
		slog.String("step", stepName),
	)
	return nil
}

// Ping checks Kafka broker connectivity by dialing the first reachable
// broker.
func (e *Emitter) Ping(ctx context.Context) error {
	if len(e.brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}

	var lastErr error
	for _, addr := range e.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("kafka ping: all brokers unreachable: %w", lastErr)
}

// Close closes the emitter and flushes pending messages.
func (e *Emitter) Close() error {
	return e.writer.Close()
}

// Compile-time check
var _ saga.Notifier = (*Emitter)(nil)
