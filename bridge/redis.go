package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

Uses Redis Hashes, one per record:
- Hash: {prefix}{storeName}:{key}
  - payload: the record payload
  - version: last persisted version, used as the write guard
*/

// storeVersionGuard writes the hash only when the incoming version is newer
// than whatever is already persisted. KEYS[1] = record hash,
// ARGV[1] = version, ARGV[2] = payload.
var storeVersionGuard = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'version', ARGV[1])
return 1
`)

// RedisBackend persists bridge records in Redis.
//
// Each record is a hash keyed {prefix}{storeName}:{key} holding the payload
// and the last persisted version. The version guard runs as a Lua script so
// a retried older write can never clobber a newer one, even with several
// bridge instances flushing into the same Redis.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	backend := bridge.NewRedisBackend(rdb).
//	    WithKeyPrefix("myapp:choreo:").
//	    WithTTL(7 * 24 * time.Hour)
type RedisBackend struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration // TTL per record (0 = no expiry)
}

// NewRedisBackend creates a Redis backend.
//
// Default configuration:
//   - Key prefix: "choreo:"
//   - TTL: 0 (no expiry)
func NewRedisBackend(client redis.Cmdable) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "choreo:",
	}
}

// WithKeyPrefix sets a custom key prefix.
//
// Use this for multi-tenant deployments or to organize keys by application.
// Returns the backend for method chaining.
func (r *RedisBackend) WithKeyPrefix(prefix string) *RedisBackend {
	r.prefix = prefix
	return r
}

// WithTTL sets a TTL applied to every persisted record.
//
// Returns the backend for method chaining.
func (r *RedisBackend) WithTTL(ttl time.Duration) *RedisBackend {
	r.ttl = ttl
	return r
}

func (r *RedisBackend) recordKey(storeName, key string) string {
	return r.prefix + storeName + ":" + key
}

// Load reads the latest persisted payload for a record.
func (r *RedisBackend) Load(ctx context.Context, storeName, key string) ([]byte, error) {
	payload, err := r.client.HGet(ctx, r.recordKey(storeName, key), "payload").Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, storeName, key)
	}
	if err != nil {
		return nil, fmt.Errorf("hget: %w", err)
	}
	return []byte(payload), nil
}

// Store persists a put. Stale versions are silently ignored.
func (r *RedisBackend) Store(ctx context.Context, rec Record) error {
	key := r.recordKey(rec.StoreName, rec.Key)

	written, err := storeVersionGuard.Run(ctx, r.client, []string{key}, rec.Version, rec.Payload).Int()
	if err != nil {
		return fmt.Errorf("store script: %w", err)
	}
	if written == 1 && r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return fmt.Errorf("expire: %w", err)
		}
	}
	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (r *RedisBackend) Delete(ctx context.Context, rec Record) error {
	if err := r.client.Del(ctx, r.recordKey(rec.StoreName, rec.Key)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Health performs a health check against Redis.
func (r *RedisBackend) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("redis ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"key_prefix": r.prefix,
		},
	}
}

// Compile-time checks
var (
	_ Backend        = (*RedisBackend)(nil)
	_ health.Checker = (*RedisBackend)(nil)
)
