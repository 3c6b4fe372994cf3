package coord

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on PostgreSQL. Bucket leases and file claims
// rely on single-statement upserts, so every operation is linearizable
// without explicit locking.
type PostgresStore struct {
	pool     *pgxpool.Pool
	leaseTTL time.Duration
}

// NewPostgresStore connects, verifies the connection and installs the schema.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &PostgresStore{pool: pool, leaseTTL: cfg.LeaseTTL}, nil
}

func (s *PostgresStore) TryAcquireBucketLease(ctx context.Context, bucket uint64, owner string) (bool, error) {
	// Expired leases of crashed owners are claimable again.
	query := `
		INSERT INTO queue_buckets (bucket, owner, acquired_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (bucket) DO UPDATE SET
			owner = EXCLUDED.owner,
			acquired_at = NOW()
		WHERE queue_buckets.owner = EXCLUDED.owner
		   OR queue_buckets.acquired_at < NOW() - $3::interval
	`
	tag, err := s.pool.Exec(ctx, query, int64(bucket), owner, s.leaseTTL.String())
	if err != nil {
		return false, fmt.Errorf("acquire bucket lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseBucketLease(ctx context.Context, bucket uint64, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM queue_buckets WHERE bucket = $1 AND owner = $2`,
		int64(bucket), owner)
	if err != nil {
		return fmt.Errorf("release bucket lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var holder string
		err := s.pool.QueryRow(ctx,
			`SELECT owner FROM queue_buckets WHERE bucket = $1`, int64(bucket)).Scan(&holder)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("release bucket lease: %w", err)
		}
		return fmt.Errorf("%w: bucket %d held by %s", ErrNotOwner, bucket, holder)
	}
	return nil
}

func (s *PostgresStore) TryClaimFile(ctx context.Context, path, owner string) (bool, error) {
	query := `
		INSERT INTO queue_files (path, status, owner, claimed_at)
		VALUES ($1, 'processing', $2, NOW())
		ON CONFLICT (path) DO UPDATE SET
			status = 'processing',
			owner = EXCLUDED.owner,
			claimed_at = NOW()
		WHERE queue_files.status = 'unprocessed'
		   OR (queue_files.status = 'processing' AND queue_files.claimed_at < NOW() - $3::interval)
	`
	tag, err := s.pool.Exec(ctx, query, path, owner, s.leaseTTL.String())
	if err != nil {
		return false, fmt.Errorf("claim file %s: %w", path, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Finalize(ctx context.Context, path string, outcome Outcome, detail string) error {
	var status string
	switch outcome {
	case OutcomeProcessed:
		status = string(StatusProcessed)
	case OutcomeFailed:
		status = string(StatusFailed)
	case OutcomeRetryable:
		status = string(StatusUnprocessed)
	default:
		return fmt.Errorf("finalize %s: unknown outcome %q", path, outcome)
	}

	// A processed record stays processed (idempotent finalize).
	query := `
		INSERT INTO queue_files (path, status, detail, finalized_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (path) DO UPDATE SET
			status = EXCLUDED.status,
			detail = EXCLUDED.detail,
			owner = CASE WHEN EXCLUDED.status = 'unprocessed' THEN NULL ELSE queue_files.owner END,
			finalized_at = NOW()
		WHERE queue_files.status <> 'processed'
	`
	if _, err := s.pool.Exec(ctx, query, path, status, detail); err != nil {
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStore) FileStatus(ctx context.Context, path string) (Status, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM queue_files WHERE path = $1`, path).Scan(&status)
	if err == pgx.ErrNoRows {
		return StatusUnprocessed, nil
	}
	if err != nil {
		return "", fmt.Errorf("file status %s: %w", path, err)
	}
	return Status(status), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
