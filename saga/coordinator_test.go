package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// orderSteps is the canonical four step fulfillment flow used across the
// coordinator tests.
var orderSteps = []string{"reserve-inventory", "charge-payment", "arrange-shipping", "send-confirmation"}

func newTestCoordinator(t *testing.T) (*Coordinator, *StateStore, *Journal, *Registry) {
	t.Helper()

	store := NewStateStore()
	journal := NewJournal()
	registry := NewRegistry(store, journal)
	for _, step := range orderSteps {
		if err := registry.Register("order-fulfillment", step, func(ctx context.Context, payload json.RawMessage) error {
			return nil
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	c := NewCoordinator(store, journal, registry)
	if err := c.RegisterDefinition(Definition{
		Type:    "order-fulfillment",
		Steps:   orderSteps,
		Timeout: time.Minute,
	}); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}
	return c, store, journal, registry
}

func TestRegisterDefinition(t *testing.T) {
	store := NewStateStore()
	journal := NewJournal()
	registry := NewRegistry(store, journal)
	c := NewCoordinator(store, journal, registry)

	t.Run("rejects definition without compensations", func(t *testing.T) {
		err := c.RegisterDefinition(Definition{Type: "order", Steps: []string{"reserve-inventory"}})
		if !errors.Is(err, ErrNoCompensationDefined) {
			t.Errorf("expected ErrNoCompensationDefined, got %v", err)
		}
	})

	t.Run("rejects empty steps", func(t *testing.T) {
		if err := c.RegisterDefinition(Definition{Type: "order"}); err == nil {
			t.Error("expected error for empty steps")
		}
	})

	t.Run("rejects duplicate type", func(t *testing.T) {
		_ = registry.Register("order", "reserve-inventory", func(ctx context.Context, payload json.RawMessage) error {
			return nil
		})
		def := Definition{Type: "order", Steps: []string{"reserve-inventory"}, Timeout: time.Minute}
		if err := c.RegisterDefinition(def); err != nil {
			t.Fatalf("RegisterDefinition failed: %v", err)
		}
		if err := c.RegisterDefinition(def); err == nil {
			t.Error("expected error for duplicate type")
		}
	})
}

func TestHandleEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path completes the saga", func(t *testing.T) {
		c, _, journal, _ := newTestCoordinator(t)

		in, err := c.HandleEvent(ctx, Event{
			SagaID:   "saga-1",
			SagaType: "order-fulfillment",
			StepName: "reserve-inventory",
			Type:     EventStepStarted,
		})
		if err != nil {
			t.Fatalf("HandleEvent failed: %v", err)
		}
		if in.State != StateStarted {
			t.Errorf("expected STARTED, got %s", in.State)
		}
		if in.DeadlineAt.IsZero() {
			t.Error("expected deadline to be set")
		}

		for i, step := range orderSteps {
			in, err = c.HandleEvent(ctx, Event{
				SagaID:   "saga-1",
				SagaType: "order-fulfillment",
				StepName: step,
				Type:     EventStepCompleted,
				Payload:  json.RawMessage(fmt.Sprintf(`{"step":%d}`, i)),
			})
			if err != nil {
				t.Fatalf("step %s failed: %v", step, err)
			}
		}

		if in.State != StateCompleted {
			t.Errorf("expected COMPLETED, got %s", in.State)
		}
		if in.Progress(len(orderSteps)) != 100 {
			t.Errorf("expected 100%% progress, got %d", in.Progress(len(orderSteps)))
		}
		if in.CompletedAt == nil {
			t.Error("expected CompletedAt to be set")
		}

		// One STEP_STARTED, four STEP_COMPLETED entries and the closure,
		// gap free.
		events := journal.Events(ctx, "saga-1")
		if len(events) != 6 {
			t.Fatalf("expected 6 journal entries, got %d", len(events))
		}
		for i, ev := range events {
			if ev.Sequence != int64(i+1) {
				t.Errorf("entry %d has sequence %d", i, ev.Sequence)
			}
		}
		if events[0].Deadline.IsZero() {
			t.Error("creating STEP_STARTED must carry the saga deadline")
		}
		if events[5].Type != EventSagaCompleted {
			t.Errorf("expected SAGA_COMPLETED closure, got %s", events[5].Type)
		}
	})

	t.Run("intermediate completions leave saga in STEP_COMPLETED", func(t *testing.T) {
		c, _, _, _ := newTestCoordinator(t)

		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepStarted})
		in, err := c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepCompleted})
		if err != nil {
			t.Fatalf("HandleEvent failed: %v", err)
		}
		if in.State != StateStepCompleted {
			t.Errorf("expected STEP_COMPLETED, got %s", in.State)
		}
		if in.Progress(len(orderSteps)) != 25 {
			t.Errorf("expected 25%% progress, got %d", in.Progress(len(orderSteps)))
		}
	})

	t.Run("step failure compensates completed steps in reverse", func(t *testing.T) {
		store := NewStateStore()
		journal := NewJournal()
		registry := NewRegistry(store, journal)

		var mu sync.Mutex
		var compensated []string
		for _, step := range orderSteps {
			step := step
			_ = registry.Register("order-fulfillment", step, func(ctx context.Context, payload json.RawMessage) error {
				mu.Lock()
				compensated = append(compensated, step)
				mu.Unlock()
				return nil
			})
		}

		c := NewCoordinator(store, journal, registry)
		_ = c.RegisterDefinition(Definition{Type: "order-fulfillment", Steps: orderSteps, Timeout: time.Minute})

		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepStarted})
		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepCompleted})
		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "charge-payment", Type: EventStepCompleted})

		in, err := c.HandleEvent(ctx, Event{
			SagaID:   "saga-1",
			SagaType: "order-fulfillment",
			StepName: "arrange-shipping",
			Type:     EventStepFailed,
			Reason:   "no carrier available",
		})
		if err != nil {
			t.Fatalf("HandleEvent failed: %v", err)
		}
		if in.State != StateCompensated {
			t.Errorf("expected COMPENSATED, got %s", in.State)
		}
		if in.FailureReason != "no carrier available" {
			t.Errorf("expected failure reason, got %q", in.FailureReason)
		}

		want := []string{"charge-payment", "reserve-inventory"}
		if len(compensated) != 2 || compensated[0] != want[0] || compensated[1] != want[1] {
			t.Errorf("expected %v, got %v", want, compensated)
		}
	})

	t.Run("unknown saga type rejected", func(t *testing.T) {
		c, _, _, _ := newTestCoordinator(t)

		_, err := c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "mystery", Type: EventStepStarted})
		if !errors.Is(err, ErrUnknownSagaType) {
			t.Errorf("expected ErrUnknownSagaType, got %v", err)
		}
	})

	t.Run("unknown step rejected", func(t *testing.T) {
		c, _, _, _ := newTestCoordinator(t)

		_, err := c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "teleport-package", Type: EventStepStarted})
		if err == nil {
			t.Error("expected error for unknown step")
		}
	})

	t.Run("explicit out-of-order sequence rejected", func(t *testing.T) {
		c, _, journal, _ := newTestCoordinator(t)

		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepStarted, Sequence: 1})

		_, err := c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepCompleted, Sequence: 5})
		if !IsSequenceViolation(err) {
			t.Errorf("expected sequence violation, got %v", err)
		}
		if journal.LastSequence("saga-1") != 1 {
			t.Error("rejected event must not be journaled")
		}
	})

	t.Run("redelivered event rejected without state change", func(t *testing.T) {
		c, store, _, _ := newTestCoordinator(t)

		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepStarted, Sequence: 1})
		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepCompleted, Sequence: 2})

		before, _ := store.Get(ctx, "saga-1")

		// Same delivery again.
		_, err := c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepCompleted, Sequence: 2})
		if !IsSequenceViolation(err) {
			t.Errorf("expected sequence violation, got %v", err)
		}

		after, _ := store.Get(ctx, "saga-1")
		if after.Version != before.Version {
			t.Error("duplicate delivery must not change saga state")
		}
	})

	t.Run("duplicate step completion with fresh sequence rejected", func(t *testing.T) {
		c, _, _, _ := newTestCoordinator(t)

		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepStarted})
		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepCompleted})

		_, err := c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepCompleted})
		if !IsSequenceViolation(err) {
			t.Errorf("expected sequence violation, got %v", err)
		}
	})

	t.Run("event for terminal saga rejected", func(t *testing.T) {
		c, _, _, _ := newTestCoordinator(t)

		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepStarted})
		for _, step := range orderSteps {
			_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: step, Type: EventStepCompleted})
		}

		_, err := c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepStarted})
		if !IsTerminal(err) {
			t.Errorf("expected terminal error, got %v", err)
		}
	})

	t.Run("forward events rejected while compensating", func(t *testing.T) {
		c, store, journal, _ := newTestCoordinator(t)

		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepStarted})
		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepCompleted})

		// A detector takeover moves the saga into COMPENSATING between
		// deliveries.
		before, _ := store.Get(ctx, "saga-1")
		if _, err := store.Transition(ctx, "saga-1", before.Version, StateCompensating, &StepUpdate{FailureReason: "deadline exceeded"}); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		entries := journal.CountBySaga("saga-1")

		_, err := c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "charge-payment", Type: EventStepCompleted})
		if !IsCompensating(err) {
			t.Errorf("expected compensating rejection, got %v", err)
		}
		_, err = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "charge-payment", Type: EventStepStarted})
		if !IsCompensating(err) {
			t.Errorf("expected compensating rejection, got %v", err)
		}

		after, _ := store.Get(ctx, "saga-1")
		if after.State != StateCompensating {
			t.Errorf("expected COMPENSATING, got %s", after.State)
		}
		if len(after.CompletedSteps) != 1 {
			t.Errorf("expected 1 completed step, got %v", after.CompletedSteps)
		}
		if journal.CountBySaga("saga-1") != entries {
			t.Error("rejected forward events must not be journaled")
		}
	})

	t.Run("concurrent completions of distinct steps all land", func(t *testing.T) {
		c, store, _, _ := newTestCoordinator(t)

		_, _ = c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: "reserve-inventory", Type: EventStepStarted})

		// Distinct steps racing: the CAS retry loop absorbs version conflicts
		// and the journal assigns sequences atomically, so every delivery
		// lands exactly once.
		var wg sync.WaitGroup
		for _, step := range orderSteps {
			wg.Add(1)
			go func(step string) {
				defer wg.Done()
				if _, err := c.HandleEvent(ctx, Event{SagaID: "saga-1", SagaType: "order-fulfillment", StepName: step, Type: EventStepCompleted}); err != nil {
					t.Errorf("step %s: %v", step, err)
				}
			}(step)
		}
		wg.Wait()

		in, _ := store.Get(ctx, "saga-1")
		if in.State != StateCompleted {
			t.Errorf("expected COMPLETED, got %s", in.State)
		}
		if len(in.CompletedSteps) != len(orderSteps) {
			t.Errorf("expected %d completions, got %v", len(orderSteps), in.CompletedSteps)
		}
	})
}
