package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"

	// PostgreSQL driver
	_ "github.com/lib/pq"
)

/*
PostgreSQL Schema:

CREATE TABLE records (
    store_name  VARCHAR(255) NOT NULL,
    key         VARCHAR(512) NOT NULL,
    payload     BYTEA,
    version     BIGINT NOT NULL DEFAULT 0,
    updated_at  TIMESTAMP NOT NULL,
    PRIMARY KEY (store_name, key)
);

CREATE INDEX idx_records_store_name ON records(store_name);
*/

// PostgresBackend persists bridge records in PostgreSQL.
type PostgresBackend struct {
	db    *sql.DB
	table string
}

// PostgresBackendOption configures a PostgresBackend.
type PostgresBackendOption func(*postgresBackendOptions)

type postgresBackendOptions struct {
	table string
}

// WithTable sets a custom table name for the PostgreSQL backend.
func WithTable(table string) PostgresBackendOption {
	return func(o *postgresBackendOptions) {
		if table != "" {
			o.table = table
		}
	}
}

// NewPostgresBackend creates a PostgreSQL backend.
//
// The default table name is "records".
func NewPostgresBackend(db *sql.DB, opts ...PostgresBackendOption) *PostgresBackend {
	o := &postgresBackendOptions{
		table: "records",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &PostgresBackend{
		db:    db,
		table: o.table,
	}
}

// Load reads the latest persisted payload for a record.
func (p *PostgresBackend) Load(ctx context.Context, storeName, key string) ([]byte, error) {
	query := fmt.Sprintf(`
		SELECT payload FROM %s
		WHERE store_name = $1 AND key = $2
	`, p.table)

	var payload []byte
	err := p.db.QueryRowContext(ctx, query, storeName, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, storeName, key)
	}
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	return payload, nil
}

// Store persists a put. The upsert's WHERE clause is the version guard: an
// existing row only updates when the incoming version is newer, so retried
// stale writes are no-ops.
func (p *PostgresBackend) Store(ctx context.Context, rec Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (store_name, key, payload, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (store_name, key) DO UPDATE
		SET payload = EXCLUDED.payload,
		    version = EXCLUDED.version,
		    updated_at = EXCLUDED.updated_at
		WHERE %s.version < EXCLUDED.version
	`, p.table, p.table)

	_, err := p.db.ExecContext(ctx, query,
		rec.StoreName,
		rec.Key,
		rec.Payload,
		rec.Version,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (p *PostgresBackend) Delete(ctx context.Context, rec Record) error {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE store_name = $1 AND key = $2
	`, p.table)

	if _, err := p.db.ExecContext(ctx, query, rec.StoreName, rec.Key); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Health performs a health check on the PostgreSQL backend.
func (p *PostgresBackend) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := p.db.PingContext(ctx); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("postgres ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", p.table)
	if err := p.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count records: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"records": count,
			"table":   p.table,
		},
	}
}

// Compile-time checks
var (
	_ Backend        = (*PostgresBackend)(nil)
	_ health.Checker = (*PostgresBackend)(nil)
)
