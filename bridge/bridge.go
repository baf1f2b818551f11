// Package bridge decouples the in-memory coordination engine from durable
// storage.
//
// Mutations from the engine are buffered in memory and flushed to a Backend
// in batches on a fixed interval, or earlier when the buffer grows past the
// batch size. Writes to the same record coalesce in the buffer, so a hot
// saga that transitions many times inside one flush window costs a single
// storage write. The engine is never blocked on storage I/O; the price is a
// bounded durability window on crash.
//
// Failed writes are retried with backoff across flush cycles. A record that
// exhausts its retry budget is quarantined: removed from the flow, kept for
// inspection, surfaced on the alert channel and in the health report.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/event/v3/backoff"
	"github.com/rbaliyan/event/v3/health"
)

// ErrRecordNotFound is returned by Load when a record does not exist in the
// buffer or the backend.
var ErrRecordNotFound = errors.New("bridge: record not found")

// Op is the kind of durable mutation a Record carries.
type Op string

const (
	// OpPut writes or overwrites the record payload.
	OpPut Op = "PUT"

	// OpDelete removes the record.
	OpDelete Op = "DELETE"
)

// Record is one durable mutation: a payload bound for a named logical store.
type Record struct {
	StoreName string
	Key       string
	Payload   []byte
	Op        Op
	Version   int64
}

// Backend persists records. Implementations must tolerate replayed writes:
// the bridge retries on failure, so the same record can arrive more than
// once, and an older version must never overwrite a newer one.
type Backend interface {
	// Load reads the latest persisted payload for a record.
	// Returns ErrRecordNotFound when the record does not exist.
	Load(ctx context.Context, storeName, key string) ([]byte, error)

	// Store persists a put. Stale versions are silently ignored.
	Store(ctx context.Context, rec Record) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, rec Record) error
}

// QuarantinedRecord is a record that exhausted its flush retry budget.
type QuarantinedRecord struct {
	Record        Record
	Attempts      int
	LastError     string
	QuarantinedAt time.Time
}

type bufferKey struct {
	storeName string
	key       string
}

type pendingWrite struct {
	rec         Record
	attempts    int
	nextAttempt time.Time
	enqueued    time.Time
}

// Bridge is the write-behind buffer between the engine and a Backend.
//
// Store and Delete are non-blocking and never fail; Run owns all Backend
// I/O. The zero flush interval and batch size get sensible defaults.
type Bridge struct {
	backend Backend

	mu          sync.Mutex
	buffer      map[bufferKey]*pendingWrite
	quarantined []QuarantinedRecord

	interval   time.Duration
	batchSize  int
	maxRetries int
	backoff    backoff.Strategy

	wake   chan struct{}
	alerts chan QuarantinedRecord

	logger  *slog.Logger
	metrics *MetricsRecorder
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithFlushInterval sets the flush cycle period.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithBatchSize sets the buffer size that triggers an early flush.
func WithBatchSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithMaxFlushRetries bounds per-record retries before quarantine.
func WithMaxFlushRetries(n int) Option {
	return func(b *Bridge) {
		if n >= 0 {
			b.maxRetries = n
		}
	}
}

// WithFlushBackoff sets the delay strategy between retries of a failing
// record. Without a strategy a failed record is retried on the next cycle.
func WithFlushBackoff(strategy backoff.Strategy) Option {
	return func(b *Bridge) {
		b.backoff = strategy
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics collection.
func WithMetrics(m *MetricsRecorder) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithAlertBuffer sets the capacity of the quarantine alert channel.
func WithAlertBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.alerts = make(chan QuarantinedRecord, n)
		}
	}
}

// New creates a bridge in front of the given backend.
func New(backend Backend, opts ...Option) *Bridge {
	b := &Bridge{
		backend:    backend,
		buffer:     make(map[bufferKey]*pendingWrite),
		interval:   time.Second,
		batchSize:  256,
		maxRetries: 5,
		wake:       make(chan struct{}, 1),
		alerts:     make(chan QuarantinedRecord, 64),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store enqueues a put. A pending write for the same record is superseded,
// which is what makes the buffer coalesce.
func (b *Bridge) Store(storeName, key string, payload []byte, version int64) {
	b.enqueue(Record{
		StoreName: storeName,
		Key:       key,
		Payload:   payload,
		Op:        OpPut,
		Version:   version,
	})
}

// Delete enqueues a removal, superseding any pending put for the record.
func (b *Bridge) Delete(storeName, key string, version int64) {
	b.enqueue(Record{
		StoreName: storeName,
		Key:       key,
		Op:        OpDelete,
		Version:   version,
	})
}

func (b *Bridge) enqueue(rec Record) {
	now := time.Now()

	b.mu.Lock()
	b.buffer[bufferKey{rec.StoreName, rec.Key}] = &pendingWrite{
		rec:      rec,
		enqueued: now,
	}
	size := len(b.buffer)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordEnqueue(context.Background(), rec.StoreName)
	}

	if size >= b.batchSize {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// Load returns the most recent payload for a record, buffer first: a pending
// put wins over whatever the backend holds, and a pending delete reports the
// record as gone even if the backend still has it.
func (b *Bridge) Load(ctx context.Context, storeName, key string) ([]byte, error) {
	b.mu.Lock()
	pending, ok := b.buffer[bufferKey{storeName, key}]
	b.mu.Unlock()

	if ok {
		if pending.rec.Op == OpDelete {
			return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, storeName, key)
		}
		return pending.rec.Payload, nil
	}
	return b.backend.Load(ctx, storeName, key)
}

// Pending returns the number of buffered writes.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Quarantined returns a snapshot of records abandoned after exhausting their
// retry budget.
func (b *Bridge) Quarantined() []QuarantinedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]QuarantinedRecord, len(b.quarantined))
	copy(out, b.quarantined)
	return out
}

// Alerts delivers quarantined records as they happen. The channel is
// buffered; when no one listens, alerts are dropped rather than blocking the
// flush loop.
func (b *Bridge) Alerts() <-chan QuarantinedRecord {
	return b.alerts
}

// Run flushes on the configured interval until the context is cancelled,
// then drains whatever is still buffered.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("persistence bridge started",
		"flush_interval", b.interval,
		"batch_size", b.batchSize)

	for {
		select {
		case <-ctx.Done():
			// Final drain with a fresh context: the engine's writes should
			// survive an orderly shutdown. Flush is capped at the batch size,
			// so drain in cycles until one comes back empty.
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			drained := 0
			for {
				n, err := b.Flush(drainCtx)
				drained += n
				if err != nil {
					b.logger.Error("final drain failed", "flushed", drained, "error", err)
					break
				}
				if n == 0 {
					b.logger.Info("persistence bridge stopped", "flushed", drained)
					break
				}
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Flush(ctx); err != nil {
				b.logger.Error("flush cycle failed", "error", err)
			}
		case <-b.wake:
			if _, err := b.Flush(ctx); err != nil {
				b.logger.Error("flush cycle failed", "error", err)
			}
		}
	}
}

// Flush performs one flush cycle: due buffered writes, up to the batch size,
// are each attempted once against the backend. Returns the number of records
// persisted. When more due writes remain past the cap, the wake channel is
// re-signalled so the next cycle starts without waiting a full interval.
//
// A failed record goes back into the buffer with its attempt count bumped
// and its next attempt delayed by the backoff strategy, unless a newer write
// for the same record arrived in the meantime (the newer write wins). A
// record past the retry budget is quarantined.
func (b *Bridge) Flush(ctx context.Context) (int, error) {
	now := time.Now()

	b.mu.Lock()
	due := make(map[bufferKey]*pendingWrite, b.batchSize)
	backlog := false
	for k, pw := range b.buffer {
		if pw.nextAttempt.After(now) {
			continue
		}
		if len(due) == b.batchSize {
			backlog = true
			break
		}
		due[k] = pw
		delete(b.buffer, k)
	}
	b.mu.Unlock()

	if backlog {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	start := time.Now()
	flushed := 0
	for k, pw := range due {
		if err := ctx.Err(); err != nil {
			// Put the rest back untouched.
			b.requeue(k, pw)
			continue
		}

		err := b.write(ctx, pw.rec)
		if err == nil {
			flushed++
			if b.metrics != nil {
				b.metrics.RecordFlush(ctx, pw.rec.StoreName, time.Since(pw.enqueued))
			}
			continue
		}

		pw.attempts++
		if b.metrics != nil {
			b.metrics.RecordFlushFailure(ctx, pw.rec.StoreName)
		}
		b.logger.Warn("flush write failed",
			"store", pw.rec.StoreName,
			"key", pw.rec.Key,
			"attempt", pw.attempts,
			"error", err)

		if pw.attempts > b.maxRetries {
			b.quarantine(ctx, pw, err)
			continue
		}

		if b.backoff != nil {
			pw.nextAttempt = time.Now().Add(b.backoff.NextDelay(pw.attempts - 1))
		}
		b.requeue(k, pw)
	}

	if b.metrics != nil {
		b.metrics.RecordFlushCycle(ctx, flushed, time.Since(start))
	}
	return flushed, nil
}

func (b *Bridge) write(ctx context.Context, rec Record) error {
	if rec.Op == OpDelete {
		return b.backend.Delete(ctx, rec)
	}
	return b.backend.Store(ctx, rec)
}

// requeue puts a failed write back unless a newer write superseded it while
// the flush held it.
func (b *Bridge) requeue(k bufferKey, pw *pendingWrite) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, superseded := b.buffer[k]; superseded {
		return
	}
	b.buffer[k] = pw
}

func (b *Bridge) quarantine(ctx context.Context, pw *pendingWrite, cause error) {
	q := QuarantinedRecord{
		Record:        pw.rec,
		Attempts:      pw.attempts,
		LastError:     cause.Error(),
		QuarantinedAt: time.Now(),
	}

	b.mu.Lock()
	b.quarantined = append(b.quarantined, q)
	b.mu.Unlock()

	b.logger.Error("record quarantined after exhausting flush retries",
		"store", pw.rec.StoreName,
		"key", pw.rec.Key,
		"attempts", pw.attempts,
		"error", cause)
	if b.metrics != nil {
		b.metrics.RecordQuarantine(ctx, pw.rec.StoreName)
	}

	select {
	case b.alerts <- q:
	default:
		b.logger.Warn("alert channel full, dropping quarantine alert",
			"store", pw.rec.StoreName,
			"key", pw.rec.Key)
	}
}

// Health reports on the buffer and quarantine. Quarantined records degrade
// the result; a healthy bridge has an empty quarantine.
func (b *Bridge) Health(ctx context.Context) *health.Result {
	b.mu.Lock()
	pending := len(b.buffer)
	quarantined := len(b.quarantined)
	b.mu.Unlock()

	status := health.StatusHealthy
	message := ""
	if quarantined > 0 {
		status = health.StatusDegraded
		message = fmt.Sprintf("%d records quarantined", quarantined)
	}

	return &health.Result{
		Status:    status,
		Message:   message,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"pending_writes":      pending,
			"quarantined_records": quarantined,
			"flush_interval":      b.interval.String(),
			"batch_size":          b.batchSize,
		},
	}
}

// Compile-time check
var _ health.Checker = (*Bridge)(nil)
