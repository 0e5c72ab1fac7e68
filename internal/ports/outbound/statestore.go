package outbound

import (
	"context"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
)

// StateStore persists the scheduler's durable state: the historic epoch
// watermark, per-kind last-run timestamps and job records. This is the only
// state the pipeline must carry across restarts; everything else is
// recomputed from the node or redelivered by the broker.
//
// Only the scheduler writes through this interface (single-writer
// discipline); stages report outcomes via the broker instead.
type StateStore interface {
	// Watermark returns the highest epoch durably completed for the given
	// kind (historic snapshots or computed state), or zero when none has.
	Watermark(ctx context.Context, kind entity.JobKind) (uint64, error)

	// AdvanceWatermark raises the kind's watermark to epoch. Lower values
	// are ignored so replayed events cannot move the watermark backwards.
	AdvanceWatermark(ctx context.Context, kind entity.JobKind, epoch uint64) error

	// LastRun returns when a job of the given kind last succeeded. The zero
	// time means never.
	LastRun(ctx context.Context, kind entity.JobKind) (time.Time, error)

	// RecordRun stores the success time for a kind.
	RecordRun(ctx context.Context, kind entity.JobKind, t time.Time) error

	// SaveJob inserts or updates a job record.
	SaveJob(ctx context.Context, job *entity.SnapshotJob) error

	// OpenJobs returns all jobs in a non-terminal state, used to restore
	// the one-per-kind invariant after a restart.
	OpenJobs(ctx context.Context) ([]*entity.SnapshotJob, error)
}
