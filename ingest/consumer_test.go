package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/sagakit/choreo/saga"
)

// stubHandler scripts HandleEvent responses.
type stubHandler struct {
	calls    int
	failures int // fail the first N calls with err
	err      error
	events   []saga.Event
}

func (h *stubHandler) HandleEvent(ctx context.Context, ev saga.Event) (*saga.Instance, error) {
	h.calls++
	h.events = append(h.events, ev)
	if h.calls <= h.failures {
		return nil, h.err
	}
	return &saga.Instance{SagaID: ev.SagaID, SagaType: ev.SagaType}, nil
}

func testConsumer(h Handler) *Consumer {
	return &Consumer{handler: h, logger: slog.Default()}
}

func validMessage() []byte {
	data, _ := json.Marshal(StepEventMessage{
		SagaID:    "saga-1",
		SagaType:  "order-fulfillment",
		StepName:  "reserve-inventory",
		EventType: string(saga.EventStepCompleted),
		Payload:   json.RawMessage(`{"sku":"x"}`),
	})
	return data
}

func TestHandleValue(t *testing.T) {
	ctx := context.Background()

	t.Run("applies valid event", func(t *testing.T) {
		h := &stubHandler{}
		c := testConsumer(h)

		if err := c.handleValue(ctx, validMessage()); err != nil {
			t.Fatalf("handleValue failed: %v", err)
		}
		if h.calls != 1 {
			t.Errorf("expected 1 call, got %d", h.calls)
		}
		ev := h.events[0]
		if ev.SagaID != "saga-1" || ev.Type != saga.EventStepCompleted || ev.StepName != "reserve-inventory" {
			t.Errorf("unexpected event: %+v", ev)
		}
		if string(ev.Payload) != `{"sku":"x"}` {
			t.Errorf("payload not carried through: %s", ev.Payload)
		}
	})

	t.Run("malformed JSON dropped without handling", func(t *testing.T) {
		h := &stubHandler{}
		c := testConsumer(h)

		if err := c.handleValue(ctx, []byte("{not json")); err != nil {
			t.Errorf("malformed message should be dropped cleanly: %v", err)
		}
		if h.calls != 0 {
			t.Errorf("handler must not see malformed messages, got %d calls", h.calls)
		}
	})

	t.Run("invalid message dropped without handling", func(t *testing.T) {
		h := &stubHandler{}
		c := testConsumer(h)

		data, _ := json.Marshal(StepEventMessage{SagaType: "order-fulfillment", EventType: string(saga.EventStepStarted)})
		if err := c.handleValue(ctx, data); err != nil {
			t.Errorf("invalid message should be dropped cleanly: %v", err)
		}
		if h.calls != 0 {
			t.Errorf("handler must not see invalid messages, got %d calls", h.calls)
		}
	})

	t.Run("permanent rejection is not retried", func(t *testing.T) {
		rejections := []error{
			fmt.Errorf("%w: duplicate", saga.ErrSequenceViolation),
			fmt.Errorf("%w: saga-1 is COMPLETED", saga.ErrSagaTerminal),
			fmt.Errorf("%w: saga-1", saga.ErrSagaCompensating),
			fmt.Errorf("%w: mystery", saga.ErrUnknownSagaType),
		}
		for _, rejection := range rejections {
			h := &stubHandler{failures: 100, err: rejection}
			c := testConsumer(h)

			if err := c.handleValue(ctx, validMessage()); err != nil {
				t.Errorf("%v: rejection should be dropped cleanly, got %v", rejection, err)
			}
			if h.calls != 1 {
				t.Errorf("%v: expected 1 call, got %d", rejection, h.calls)
			}
		}
	})

	t.Run("transient failure retried then succeeds", func(t *testing.T) {
		h := &stubHandler{failures: 2, err: errors.New("store busy")}
		c := testConsumer(h)

		if err := c.handleValue(ctx, validMessage()); err != nil {
			t.Fatalf("handleValue failed: %v", err)
		}
		if h.calls != 3 {
			t.Errorf("expected 3 calls, got %d", h.calls)
		}
	})

	t.Run("poison message fails after max retries", func(t *testing.T) {
		h := &stubHandler{failures: 100, err: errors.New("store busy")}
		c := testConsumer(h)

		if err := c.handleValue(ctx, validMessage()); err == nil {
			t.Fatal("expected error for poison message")
		}
		if h.calls != maxHandlerRetries {
			t.Errorf("expected %d calls, got %d", maxHandlerRetries, h.calls)
		}
	})
}

func TestStepEventMessageValidate(t *testing.T) {
	base := StepEventMessage{
		SagaID:    "saga-1",
		SagaType:  "order-fulfillment",
		EventType: string(saga.EventStepStarted),
	}

	t.Run("valid", func(t *testing.T) {
		msg := base
		if err := msg.Validate(); err != nil {
			t.Errorf("expected valid, got %v", err)
		}
	})

	t.Run("missing saga_id", func(t *testing.T) {
		msg := base
		msg.SagaID = ""
		if err := msg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("missing saga_type", func(t *testing.T) {
		msg := base
		msg.SagaType = ""
		if err := msg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("unknown event type", func(t *testing.T) {
		msg := base
		msg.EventType = "STEP_EXPLODED"
		if err := msg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("negative sequence", func(t *testing.T) {
		msg := base
		msg.Sequence = -1
		if err := msg.Validate(); err == nil {
			t.Error("expected error")
		}
	})
}
