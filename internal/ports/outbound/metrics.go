package outbound

import (
	"context"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
)

// MetricsRecorder records pipeline telemetry. All methods are safe to call
// with a nil receiver check at the call site; metrics are optional.
type MetricsRecorder interface {
	// RecordStageDuration records how long a stage attempt took.
	RecordStageDuration(ctx context.Context, stage entity.Stage, d time.Duration, status string)

	// RecordStageOutcome counts a stage success or failure.
	RecordStageOutcome(ctx context.Context, stage entity.Stage, status string)

	// RecordProgress publishes the fraction of the target height reached.
	RecordProgress(ctx context.Context, current, target uint64)

	// RecordETA publishes the current completion estimate in seconds.
	RecordETA(ctx context.Context, eta time.Duration)
}
