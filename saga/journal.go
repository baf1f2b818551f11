package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// eventKey orders journal entries by (sagaID, sequence). The sequence is
// zero-padded so lexicographic order matches numeric order, which lets a
// single ordered index serve both whole-journal scans and per-saga ranges.
func eventKey(sagaID string, sequence int64) string {
	return fmt.Sprintf("%s#%020d", sagaID, sequence)
}

// Journal is the append-only, ordered-per-saga log of step events.
//
// Appends are synchronous into memory (immediately visible to readers) and
// flushed asynchronously through the persistence bridge, mirroring the
// StateStore's durability contract. The journal is the source of truth for
// rebuilding the state store after a restart (see StateStore.Rebuild).
type Journal struct {
	mu      sync.RWMutex
	entries *btree.Map[string, *Event]
	lastSeq map[string]int64
	writer  RecordWriter
	logger  *slog.Logger
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithEventWriter sets the write-behind destination for journal entries.
func WithEventWriter(w RecordWriter) JournalOption {
	return func(j *Journal) {
		j.writer = w
	}
}

// WithJournalLogger sets a custom logger.
func WithJournalLogger(logger *slog.Logger) JournalOption {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// NewJournal creates an empty journal.
func NewJournal(opts ...JournalOption) *Journal {
	j := &Journal{
		entries: btree.NewMap[string, *Event](16),
		lastSeq: make(map[string]int64),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append records an event. An event carrying Sequence 0 is assigned the next
// sequence for its saga atomically. An explicit Sequence must be exactly one
// greater than the last recorded sequence (the first event of a saga is
// sequence 1); anything else fails with ErrSequenceViolation, the journal's
// defense against duplicated or reordered upstream delivery.
//
// EventID and RecordedAt are assigned here. The stored copy is returned.
// Saga IDs must not contain '#': it is the key separator, and an ID like
// "a#0" would interleave with the ordered range of saga "a".
func (j *Journal) Append(ctx context.Context, ev Event) (*Event, error) {
	if ev.SagaID == "" {
		return nil, fmt.Errorf("event saga ID is required")
	}
	if strings.Contains(ev.SagaID, "#") {
		return nil, fmt.Errorf("event saga ID must not contain '#': %s", ev.SagaID)
	}

	j.mu.Lock()
	last := j.lastSeq[ev.SagaID]
	switch {
	case ev.Sequence == 0:
		ev.Sequence = last + 1
	case ev.Sequence != last+1:
		j.mu.Unlock()
		return nil, fmt.Errorf("%w: saga %s expected sequence %d, got %d",
			ErrSequenceViolation, ev.SagaID, last+1, ev.Sequence)
	}

	stored := ev
	if stored.EventID == "" {
		stored.EventID = uuid.NewString()
	}
	stored.RecordedAt = time.Now()

	j.entries.Set(eventKey(stored.SagaID, stored.Sequence), &stored)
	j.lastSeq[stored.SagaID] = stored.Sequence
	j.mu.Unlock()

	j.scheduleEventWrite(&stored)
	return &stored, nil
}

// Events returns all events for the saga in sequence order.
func (j *Journal) Events(ctx context.Context, sagaID string) []*Event {
	return j.EventsFrom(ctx, sagaID, 1)
}

// EventsFrom returns the saga's events with sequence >= from, in order.
func (j *Journal) EventsFrom(ctx context.Context, sagaID string, from int64) []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var events []*Event
	j.entries.Ascend(eventKey(sagaID, from), func(key string, ev *Event) bool {
		if ev.SagaID != sagaID {
			return false
		}
		events = append(events, ev)
		return true
	})
	return events
}

// LastSequence returns the last recorded sequence for the saga, or zero when
// no events exist. The next valid sequence is always LastSequence+1.
func (j *Journal) LastSequence(sagaID string) int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastSeq[sagaID]
}

// Count returns the total number of journal entries across all sagas.
func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.entries.Len()
}

// CountBySaga returns the number of entries recorded for one saga.
func (j *Journal) CountBySaga(sagaID string) int {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := 0
	j.entries.Ascend(eventKey(sagaID, 0), func(key string, ev *Event) bool {
		if ev.SagaID != sagaID {
			return false
		}
		n++
		return true
	})
	return n
}

// SagaIDs returns the IDs of every saga with at least one journal entry.
func (j *Journal) SagaIDs() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()

	ids := make([]string, 0, len(j.lastSeq))
	for id := range j.lastSeq {
		ids = append(ids, id)
	}
	return ids
}

// CompletedSteps derives the saga's completed step names, in completion
// order, from its journal entries. Used for replay verification.
func (j *Journal) CompletedSteps(ctx context.Context, sagaID string) []string {
	var steps []string
	for _, ev := range j.Events(ctx, sagaID) {
		if ev.Type == EventStepCompleted {
			steps = append(steps, ev.StepName)
		}
	}
	return steps
}

// scheduleEventWrite hands the journal entry to the write-behind bridge.
func (j *Journal) scheduleEventWrite(ev *Event) {
	if j.writer == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		j.logger.Error("failed to serialize journal event",
			"saga_id", ev.SagaID,
			"sequence", ev.Sequence,
			"error", err)
		return
	}
	j.writer.Store(EventStoreName, eventKey(ev.SagaID, ev.Sequence), payload, ev.Sequence)
}
