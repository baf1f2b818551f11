// Package config loads the engine's configuration from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Persistence backend names accepted by PERSISTENCE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMongoDB  = "mongodb"
	BackendPostgres = "postgres"
)

// Config holds all configuration for the coordination engine.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP query API
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Engine
	SagaTimeout          time.Duration `env:"SAGA_TIMEOUT" envDefault:"5m"`
	ScanInterval         time.Duration `env:"TIMEOUT_SCAN_INTERVAL" envDefault:"30s"`
	MaxTransitionRetries int           `env:"MAX_TRANSITION_RETRIES" envDefault:"5"`

	// Compensation
	MaxCompensationRetries int           `env:"MAX_COMPENSATION_RETRIES" envDefault:"3"`
	CompensationBackoff    time.Duration `env:"COMPENSATION_BACKOFF" envDefault:"500ms"`

	// Persistence bridge
	FlushInterval   time.Duration `env:"FLUSH_INTERVAL" envDefault:"1s"`
	FlushBatchSize  int           `env:"FLUSH_BATCH_SIZE" envDefault:"256"`
	MaxFlushRetries int           `env:"MAX_FLUSH_RETRIES" envDefault:"5"`

	// Persistence backend selection
	PersistenceBackend string `env:"PERSISTENCE_BACKEND" envDefault:"memory"`

	// Redis
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string        `env:"REDIS_KEY_PREFIX" envDefault:"choreo:"`
	RedisTTL       time.Duration `env:"REDIS_TTL" envDefault:"0"`

	// MongoDB
	MongoURI        string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase   string `env:"MONGO_DATABASE" envDefault:"choreo"`
	MongoCollection string `env:"MONGO_COLLECTION" envDefault:"records"`

	// PostgreSQL
	PostgresHost  string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort  int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser  string `env:"POSTGRES_USER" envDefault:"choreo"`
	PostgresPass  string `env:"POSTGRES_PASSWORD" envDefault:""`
	PostgresDB    string `env:"POSTGRES_DB" envDefault:"choreo"`
	PostgresSSL   string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	PostgresTable string `env:"POSTGRES_TABLE" envDefault:"records"`

	// Kafka
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	IngestTopic   string   `env:"INGEST_TOPIC" envDefault:"saga.step-events"`
	NotifyTopic   string   `env:"NOTIFY_TOPIC" envDefault:"saga.compensations"`
	ConsumerGroup string   `env:"CONSUMER_GROUP" envDefault:"choreo-engine"`

	// Ingest rate limiting; zero disables limiting.
	IngestRateLimit float64 `env:"INGEST_RATE_LIMIT" envDefault:"0"`
	IngestRateBurst int     `env:"INGEST_RATE_BURST" envDefault:"1"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.PersistenceBackend {
	case BackendMemory, BackendRedis, BackendMongoDB, BackendPostgres:
	default:
		return fmt.Errorf("unknown PERSISTENCE_BACKEND: %q", c.PersistenceBackend)
	}
	if c.SagaTimeout <= 0 {
		return fmt.Errorf("SAGA_TIMEOUT must be positive, got %s", c.SagaTimeout)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("TIMEOUT_SCAN_INTERVAL must be positive, got %s", c.ScanInterval)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive, got %s", c.FlushInterval)
	}
	if c.FlushBatchSize < 1 {
		return fmt.Errorf("FLUSH_BATCH_SIZE must be at least 1, got %d", c.FlushBatchSize)
	}
	if c.MaxTransitionRetries < 1 {
		return fmt.Errorf("MAX_TRANSITION_RETRIES must be at least 1, got %d", c.MaxTransitionRetries)
	}
	if c.MaxCompensationRetries < 0 {
		return fmt.Errorf("MAX_COMPENSATION_RETRIES must not be negative, got %d", c.MaxCompensationRetries)
	}
	if c.MaxFlushRetries < 0 {
		return fmt.Errorf("MAX_FLUSH_RETRIES must not be negative, got %d", c.MaxFlushRetries)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.IngestTopic == "" {
		return fmt.Errorf("INGEST_TOPIC is required")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("CONSUMER_GROUP is required")
	}
	if c.IngestRateLimit < 0 {
		return fmt.Errorf("INGEST_RATE_LIMIT must not be negative, got %f", c.IngestRateLimit)
	}
	return nil
}

// PostgresDSN returns the PostgreSQL connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSL,
	)
}
