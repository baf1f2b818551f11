package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/sagakit/choreo/saga"
)

// maxHandlerRetries is the maximum number of times a message is attempted
// before it is committed and skipped (poison pill protection). Only
// transient failures are retried; rejections are committed immediately.
const maxHandlerRetries = 3

// Handler applies one step event to the engine. *saga.Coordinator satisfies
// this.
type Handler interface {
	HandleEvent(ctx context.Context, ev saga.Event) (*saga.Instance, error)
}

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int

	// RateLimit caps handled messages per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Consumer feeds inbound step events from Kafka into the engine.
//
// The transport is at-least-once, so the consumer leans on the engine's
// sequence validation: an event the engine rejects as a duplicate, gap, or
// any other permanent condition is committed and dropped, because redelivery
// can never make it valid. Only transient failures are retried, and a
// message that keeps failing is committed and skipped rather than wedging
// the partition.
type Consumer struct {
	reader    *kafka.Reader
	handler   Handler
	limiter   *rate.Limiter
	logger    *slog.Logger
	closeOnce sync.Once
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets a custom logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a Kafka consumer feeding the given handler.
func NewConsumer(cfg ConsumerConfig, handler Handler, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})

	c := &Consumer{
		reader:  r,
		handler: handler,
		logger:  slog.Default(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins consuming messages. It blocks until the context is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("ingest consumer started",
		slog.String("topic", c.reader.Config().Topic),
		slog.String("group", c.reader.Config().GroupID),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("ingest consumer stopping", slog.String("topic", c.reader.Config().Topic))
			return c.Close()
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return c.Close()
				}
				c.logger.Error("failed to fetch message", slog.String("error", err.Error()))
				continue
			}

			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return c.Close()
				}
			}

			if err := c.handleValue(ctx, msg.Value); err != nil {
				if ctx.Err() != nil {
					return c.Close()
				}
				c.logger.Error("dropping message after failed handling",
					slog.String("topic", msg.Topic),
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
					slog.String("error", err.Error()),
				)
			}

			// Commit regardless: rejected and poison messages must not wedge
			// the partition, and redelivering them cannot help.
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				c.logger.Error("failed to commit message", slog.String("error", err.Error()))
			}
		}
	}
}

// handleValue decodes and applies one raw message. A nil return means the
// event was applied or knowingly dropped; an error means it was dropped
// after exhausting retries.
func (c *Consumer) handleValue(ctx context.Context, value []byte) error {
	var msg StepEventMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.logger.Error("failed to unmarshal step event", slog.String("error", err.Error()))
		return nil
	}
	if err := msg.Validate(); err != nil {
		c.logger.Error("invalid step event",
			slog.String("saga_id", msg.SagaID),
			slog.String("error", err.Error()))
		return nil
	}

	ev := msg.toEvent()

	var lastErr error
	for attempt := 1; attempt <= maxHandlerRetries; attempt++ {
		_, err := c.handler.HandleEvent(ctx, ev)
		if err == nil {
			return nil
		}

		if permanent(err) {
			// The engine rejected the event; redelivery cannot fix it.
			c.logger.Warn("engine rejected step event",
				slog.String("saga_id", ev.SagaID),
				slog.String("step", ev.StepName),
				slog.String("event_type", string(ev.Type)),
				slog.String("error", err.Error()))
			return nil
		}

		lastErr = err
		c.logger.Warn("handler failed, will retry",
			slog.String("saga_id", ev.SagaID),
			slog.String("step", ev.StepName),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxHandlerRetries),
			slog.String("error", err.Error()))

		if attempt < maxHandlerRetries {
			backoff := time.Duration(attempt) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("handler failed after %d attempts: %w", maxHandlerRetries, lastErr)
}

// permanent reports whether the engine's rejection is final for this event.
func permanent(err error) bool {
	return saga.IsSequenceViolation(err) ||
		saga.IsTerminal(err) ||
		saga.IsCompensating(err) ||
		errors.Is(err, saga.ErrUnknownSagaType) ||
		errors.Is(err, saga.ErrDuplicateSaga) ||
		errors.Is(err, saga.ErrCompensationFailed)
}

// Close closes the consumer. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}
