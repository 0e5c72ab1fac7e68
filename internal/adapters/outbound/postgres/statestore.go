package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time check that StateStore implements outbound.StateStore.
var _ outbound.StateStore = (*StateStore)(nil)

// schema is applied idempotently on startup. Watermarks are kept per
// (chain, kind) so historic builds and state computation advance
// independently; jobs are keyed by their uuid.
const schema = `
CREATE TABLE IF NOT EXISTS snapshot_watermarks (
    chain TEXT NOT NULL,
    kind TEXT NOT NULL,
    epoch BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (chain, kind)
);

CREATE TABLE IF NOT EXISTS snapshot_runs (
    chain TEXT NOT NULL,
    kind TEXT NOT NULL,
    last_success_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (chain, kind)
);

CREATE TABLE IF NOT EXISTS snapshot_jobs (
    id UUID PRIMARY KEY,
    chain TEXT NOT NULL,
    kind TEXT NOT NULL,
    start_epoch BIGINT NOT NULL,
    end_epoch BIGINT NOT NULL DEFAULT 0,
    format TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS snapshot_jobs_open_idx
    ON snapshot_jobs (chain, kind)
    WHERE status NOT IN ('succeeded', 'failed');
`

// StateStore is the PostgreSQL implementation of the scheduler state store.
// All rows are scoped by chain so one database can serve several networks.
type StateStore struct {
	pool  *pgxpool.Pool
	chain string
}

// NewStateStore creates a state store for the given chain and applies the
// schema.
func NewStateStore(ctx context.Context, pool *pgxpool.Pool, chain string) (*StateStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if chain == "" {
		return nil, fmt.Errorf("chain is required")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply state schema: %w", err)
	}
	return &StateStore{pool: pool, chain: chain}, nil
}

// Watermark returns the highest durably completed epoch for kind, or zero.
func (s *StateStore) Watermark(ctx context.Context, kind entity.JobKind) (uint64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx,
		`SELECT epoch FROM snapshot_watermarks WHERE chain = $1 AND kind = $2`,
		s.chain, string(kind),
	).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	return uint64(epoch), nil
}

// AdvanceWatermark raises the kind's watermark to epoch; lower values are
// ignored so replayed completion events cannot move it backwards.
func (s *StateStore) AdvanceWatermark(ctx context.Context, kind entity.JobKind, epoch uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshot_watermarks (chain, kind, epoch, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain, kind) DO UPDATE
		SET epoch = EXCLUDED.epoch, updated_at = now()
		WHERE snapshot_watermarks.epoch < EXCLUDED.epoch`,
		s.chain, string(kind), int64(epoch),
	)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// LastRun returns when a job of the given kind last succeeded; the zero
// time means never.
func (s *StateStore) LastRun(ctx context.Context, kind entity.JobKind) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_success_at FROM snapshot_runs WHERE chain = $1 AND kind = $2`,
		s.chain, string(kind),
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last run: %w", err)
	}
	return t, nil
}

// RecordRun stores the success time for kind.
func (s *StateStore) RecordRun(ctx context.Context, kind entity.JobKind, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshot_runs (chain, kind, last_success_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain, kind) DO UPDATE
		SET last_success_at = EXCLUDED.last_success_at`,
		s.chain, string(kind), t.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// SaveJob inserts or updates a job record.
func (s *StateStore) SaveJob(ctx context.Context, job *entity.SnapshotJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshot_jobs
		    (id, chain, kind, start_epoch, end_epoch, format, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    updated_at = now()`,
		job.ID, s.chain, string(job.Kind),
		int64(job.StartEpoch), int64(job.EndEpoch),
		job.Format, string(job.Status), job.Attempts, job.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// OpenJobs returns all jobs in a non-terminal state for this chain.
func (s *StateStore) OpenJobs(ctx context.Context) ([]*entity.SnapshotJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, start_epoch, end_epoch, format, status, attempts, created_at
		FROM snapshot_jobs
		WHERE chain = $1 AND status NOT IN ('succeeded', 'failed')
		ORDER BY created_at`,
		s.chain,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*entity.SnapshotJob
	for rows.Next() {
		var job entity.SnapshotJob
		var kind, status string
		var startEpoch, endEpoch int64
		if err := rows.Scan(&job.ID, &kind, &startEpoch, &endEpoch, &job.Format, &status, &job.Attempts, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		job.Kind = entity.JobKind(kind)
		job.Status = entity.JobStatus(status)
		job.StartEpoch = uint64(startEpoch)
		job.EndEpoch = uint64(endEpoch)
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return jobs, nil
}
