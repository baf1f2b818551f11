package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

type memoryRecord struct {
	payload []byte
	version int64
}

// MemoryBackend is an in-process Backend for tests and single-node use. It
// enforces the same version guard as the durable backends: an older version
// never overwrites a newer one.
type MemoryBackend struct {
	mu     sync.RWMutex
	stores map[string]map[string]memoryRecord
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		stores: make(map[string]map[string]memoryRecord),
	}
}

// Load reads the latest persisted payload for a record.
func (m *MemoryBackend) Load(ctx context.Context, storeName, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.stores[storeName][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, storeName, key)
	}
	out := make([]byte, len(rec.payload))
	copy(out, rec.payload)
	return out, nil
}

// Store persists a put, ignoring stale versions.
func (m *MemoryBackend) Store(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, ok := m.stores[rec.StoreName]
	if !ok {
		store = make(map[string]memoryRecord)
		m.stores[rec.StoreName] = store
	}
	if existing, ok := store[rec.Key]; ok && existing.version > rec.Version {
		return nil
	}
	store[rec.Key] = memoryRecord{payload: rec.Payload, version: rec.Version}
	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (m *MemoryBackend) Delete(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.stores[rec.StoreName], rec.Key)
	return nil
}

// Count returns the number of records held for a logical store.
func (m *MemoryBackend) Count(storeName string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stores[storeName])
}

// Health reports on the in-memory backend. Always healthy.
func (m *MemoryBackend) Health(ctx context.Context) *health.Result {
	m.mu.RLock()
	total := 0
	for _, store := range m.stores {
		total += len(store)
	}
	stores := len(m.stores)
	m.mu.RUnlock()

	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"stores":  stores,
			"records": total,
		},
	}
}

// Compile-time checks
var (
	_ Backend        = (*MemoryBackend)(nil)
	_ health.Checker = (*MemoryBackend)(nil)
)
