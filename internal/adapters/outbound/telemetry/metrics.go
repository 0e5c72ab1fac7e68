package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time check that Metrics implements outbound.MetricsRecorder.
var _ outbound.MetricsRecorder = (*Metrics)(nil)

// Metrics implements the MetricsRecorder port using OpenTelemetry. The
// instrument names mirror the pipeline's historical Prometheus metrics so
// existing dashboards keep working.
type Metrics struct {
	stageDuration metric.Float64Histogram
	stageOutcomes metric.Int64Counter
	progressRatio metric.Float64Gauge
	etaSeconds    metric.Float64Gauge
}

// NewMetrics creates a new OpenTelemetry metrics recorder. meterName should
// typically be the service name.
func NewMetrics(meterName string) (*Metrics, error) {
	meter := otel.Meter(meterName)

	duration, err := meter.Float64Histogram(
		"snapshot_stage_duration_seconds",
		metric.WithDescription("Time taken by one pipeline stage attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot_stage_duration_seconds histogram: %w", err)
	}

	outcomes, err := meter.Int64Counter(
		"snapshot_stage_total",
		metric.WithDescription("Total stage attempts by stage and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot_stage_total counter: %w", err)
	}

	progress, err := meter.Float64Gauge(
		"snapshot_progress_ratio",
		metric.WithDescription("Fraction of the target height reached"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot_progress_ratio gauge: %w", err)
	}

	eta, err := meter.Float64Gauge(
		"snapshot_eta_seconds",
		metric.WithDescription("Estimated seconds until the target height is reached"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot_eta_seconds gauge: %w", err)
	}

	return &Metrics{
		stageDuration: duration,
		stageOutcomes: outcomes,
		progressRatio: progress,
		etaSeconds:    eta,
	}, nil
}

// RecordStageDuration records how long a stage attempt took.
func (m *Metrics) RecordStageDuration(ctx context.Context, stage entity.Stage, d time.Duration, status string) {
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("status", status),
	))
}

// RecordStageOutcome counts a stage success or failure.
func (m *Metrics) RecordStageOutcome(ctx context.Context, stage entity.Stage, status string) {
	m.stageOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("status", status),
	))
}

// RecordProgress publishes the fraction of the target height reached.
func (m *Metrics) RecordProgress(ctx context.Context, current, target uint64) {
	if target == 0 {
		return
	}
	m.progressRatio.Record(ctx, float64(current)/float64(target))
}

// RecordETA publishes the current completion estimate.
func (m *Metrics) RecordETA(ctx context.Context, eta time.Duration) {
	m.etaSeconds.Record(ctx, eta.Seconds())
}
