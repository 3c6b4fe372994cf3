// Package coord defines the coordination store capability consumed by the
// file queue: durable per-file processing status and exclusive per-bucket
// leases shared across the whole fleet. Backends: in-memory (single node and
// tests), postgres, redis.
package coord

import (
	"context"
	"errors"
	"time"
)

// Status is the durable state of a file record.
type Status string

const (
	StatusUnprocessed Status = "unprocessed"
	StatusProcessing  Status = "processing"
	StatusProcessed   Status = "processed"
	StatusFailed      Status = "failed"
)

// Outcome is what Finalize records for a file.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeRetryable returns the record to unprocessed so another
	// attempt may claim it later.
	OutcomeRetryable Outcome = "retryable"
)

var (
	ErrUnknownBackend = errors.New("unknown coordination backend")
	ErrNotOwner       = errors.New("bucket lease not held by this owner")
)

// Store is the linearizable coordination surface. Every operation must be
// safe to call concurrently from all processors on all nodes.
type Store interface {
	// TryAcquireBucketLease grants the bucket to owner if it is free or
	// already held by the same owner.
	TryAcquireBucketLease(ctx context.Context, bucket uint64, owner string) (bool, error)

	// ReleaseBucketLease frees the bucket. Releasing a bucket held by a
	// different owner returns ErrNotOwner.
	ReleaseBucketLease(ctx context.Context, bucket uint64, owner string) error

	// TryClaimFile moves the file record to processing for owner. It
	// returns false when the file is already claimed, processed or failed.
	TryClaimFile(ctx context.Context, path, owner string) (bool, error)

	// Finalize records the terminal outcome of a processing attempt.
	// Finalizing an already-processed record as processed is a no-op.
	Finalize(ctx context.Context, path string, outcome Outcome, detail string) error

	// FileStatus returns the current record status, StatusUnprocessed if
	// no record exists.
	FileStatus(ctx context.Context, path string) (Status, error)

	Close() error
}

// Config selects and parameterizes the backend.
type Config struct {
	Backend string `env:"COORD_BACKEND" envDefault:"memory" yaml:"backend"` // "memory" | "postgres" | "redis"

	PostgresDSN string `env:"COORD_POSTGRES_DSN" yaml:"postgres_dsn"`

	RedisAddr     string `env:"COORD_REDIS_ADDR" yaml:"redis_addr"`
	RedisPassword string `env:"COORD_REDIS_PASSWORD" yaml:"redis_password"`

	// LeaseTTL bounds how long a crashed owner can hold a bucket or an
	// unclaimed processing record before it becomes claimable again.
	LeaseTTL time.Duration `env:"COORD_LEASE_TTL" envDefault:"10m" yaml:"lease_ttl"`
}

// NewStore creates a coordination store based on configuration.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("PostgresDSN required for postgres backend")
		}
		return NewPostgresStore(cfg)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("RedisAddr required for redis backend")
		}
		return NewRedisStore(cfg)
	default:
		return nil, ErrUnknownBackend
	}
}
