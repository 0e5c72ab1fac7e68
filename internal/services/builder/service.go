// Package builder produces snapshot artifacts by driving exports against
// the archive node. It is invoked by the scheduler while the scheduler
// holds the node lock; the builder itself never admits work.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/shared"
)

// Config holds configuration for the builder.
type Config struct {
	// Chain is the network name used in snapshot filenames.
	Chain string

	// OutputDir is where snapshot files are written, under per-variant
	// subdirectories (full/, lite/, diff/, latest/).
	OutputDir string

	// Format is the snapshot format tag passed to the node.
	Format string

	// DiffStep is the epoch spacing between diff snapshots inside a
	// historic window; each diff spans DiffStep epochs past its base.
	DiffStep uint64

	// StateRoots is how many state roots lite and diff snapshots carry
	// below their head.
	StateRoots uint64

	// LatestDepth is how many state roots a latest snapshot includes.
	LatestDepth uint64

	// HeadMargin is how many epochs behind the observed head a latest
	// snapshot anchors, so the head tipset is stable by export time.
	HeadMargin uint64

	// Logger for the builder.
	Logger *slog.Logger
}

// ConfigDefaults returns sensible defaults for the builder.
func ConfigDefaults() Config {
	return Config{
		Format:      "v1",
		DiffStep:    3000,
		StateRoots:  900,
		LatestDepth: 2000,
		HeadMargin:  10,
		Logger:      slog.Default(),
	}
}

// Builder executes a single job's build stage against the archive node.
type Builder struct {
	config Config
	node   outbound.ArchiveNode
	clock  clock.Clock
	logger *slog.Logger
}

// NewBuilder creates a builder.
func NewBuilder(config Config, node outbound.ArchiveNode, clk clock.Clock) (*Builder, error) {
	if node == nil {
		return nil, fmt.Errorf("node is required")
	}
	if config.Chain == "" {
		return nil, fmt.Errorf("chain is required")
	}
	if config.OutputDir == "" {
		return nil, fmt.Errorf("output dir is required")
	}

	defaults := ConfigDefaults()
	if config.Format == "" {
		config.Format = defaults.Format
	}
	if config.DiffStep == 0 {
		config.DiffStep = defaults.DiffStep
	}
	if config.StateRoots == 0 {
		config.StateRoots = defaults.StateRoots
	}
	if config.LatestDepth == 0 {
		config.LatestDepth = defaults.LatestDepth
	}
	if config.HeadMargin == 0 {
		config.HeadMargin = defaults.HeadMargin
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Builder{
		config: config,
		node:   node,
		clock:  clk,
		logger: config.Logger.With("component", "builder"),
	}, nil
}

// Execute runs the build stage for a job. Compute-state jobs return no
// artifacts; a latest job returns its single snapshot; a historic job
// returns the window's lite snapshot followed by its diff snapshots. A
// failed export never leaves a partial file behind.
func (b *Builder) Execute(ctx context.Context, job *entity.SnapshotJob) ([]*entity.SnapshotArtifact, error) {
	switch job.Kind {
	case entity.KindComputeState:
		return nil, b.computeState(ctx, job)
	case entity.KindBuildHistoric:
		return b.buildHistoric(ctx, job)
	case entity.KindBuildLatest:
		end, err := b.latestHead(ctx)
		if err != nil {
			return nil, err
		}
		artifact, err := b.exportFile(ctx, job, exportSpec{
			variant: entity.VariantLatest,
			epoch:   end,
			depth:   b.config.LatestDepth,
		})
		if err != nil {
			return nil, err
		}
		return []*entity.SnapshotArtifact{artifact}, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// computeState materializes state for the job's window, end epoch included
// so the export anchored there finds its tipset ready. The whole window is
// computed in one batch first; if the batch fails, each epoch is retried
// individually so one bad epoch does not sink the rest of the window.
func (b *Builder) computeState(ctx context.Context, job *entity.SnapshotJob) error {
	start, end := job.Window()
	count := end - start + 1

	b.logger.Info("computing state", "startEpoch", start, "epochs", count)

	batchErr := b.node.ComputeState(ctx, start, count)
	if batchErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return batchErr
	}

	b.logger.Warn("batch state compute failed, retrying per epoch",
		"startEpoch", start,
		"epochs", count,
		"error", batchErr,
	)

	for epoch := start; epoch < start+count; epoch++ {
		if err := b.node.ComputeState(ctx, epoch, 1); err != nil {
			return fmt.Errorf("failed to compute state at epoch %d: %w", epoch, err)
		}
	}
	return nil
}

// latestHead returns the epoch a latest snapshot anchors at: the observed
// head minus the configured margin.
func (b *Builder) latestHead(ctx context.Context) (uint64, error) {
	height, err := b.node.CurrentHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read node height: %w", err)
	}
	if height <= b.config.HeadMargin {
		return 0, fmt.Errorf("node height %d below head margin %d", height, b.config.HeadMargin)
	}
	return height - b.config.HeadMargin, nil
}

// buildHistoric produces the window's snapshot set: a full archive export
// anchored at the window end, a lite snapshot cut from it, and one diff
// snapshot per DiffStep epochs across the window. The full export stays
// local as source material; lite and diffs are the published artifacts.
func (b *Builder) buildHistoric(ctx context.Context, job *entity.SnapshotJob) ([]*entity.SnapshotArtifact, error) {
	genesis, err := b.node.GenesisTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read genesis timestamp: %w", err)
	}
	end := job.EndEpoch

	fullPath := filepath.Join(b.config.OutputDir, "full", SnapshotFilename(b.config.Chain, genesis, end))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	if _, err := os.Stat(fullPath); err != nil {
		b.logger.Info("exporting full archive snapshot", "endEpoch", end, "output", fullPath)
		if err := b.node.ExportArchive(ctx, end, fullPath); err != nil {
			b.removePartial(fullPath)
			return nil, fmt.Errorf("%w: %s", entity.ErrExportFailed, err)
		}
	} else {
		b.logger.Info("full snapshot already present, skipping export", "output", fullPath)
	}

	lite, err := b.exportFile(ctx, job, exportSpec{
		variant: entity.VariantLite,
		epoch:   end,
		depth:   b.config.StateRoots,
		source:  fullPath,
	})
	if err != nil {
		return nil, err
	}
	artifacts := []*entity.SnapshotArtifact{lite}

	for de := job.StartEpoch; de < end; de += b.config.DiffStep {
		if de == 0 {
			// The genesis window has no predecessor to diff against.
			continue
		}
		diff, err := b.exportFile(ctx, job, exportSpec{
			variant:  entity.VariantDiff,
			epoch:    de,
			depth:    b.config.DiffStep,
			diff:     true,
			diffBase: de - b.config.DiffStep,
			source:   fullPath,
		})
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, diff)
	}
	return artifacts, nil
}

// exportSpec describes one lite, diff or latest export.
type exportSpec struct {
	variant  entity.ArtifactVariant
	epoch    uint64
	depth    uint64
	diff     bool
	diffBase uint64
	source   string
}

// exportFile drives one snapshot export and returns the resulting artifact.
func (b *Builder) exportFile(ctx context.Context, job *entity.SnapshotJob, spec exportSpec) (*entity.SnapshotArtifact, error) {
	genesis, err := b.node.GenesisTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read genesis timestamp: %w", err)
	}

	name := SnapshotFilename(b.config.Chain, genesis, spec.epoch)
	if spec.diff {
		name = DiffFilename(b.config.Chain, genesis, spec.epoch, spec.depth)
	}
	outputPath := filepath.Join(b.config.OutputDir, string(spec.variant), name)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	// A snapshot left by an earlier confirmed attempt counts as built; the
	// validator re-verifies it before it moves on.
	if _, err := os.Stat(outputPath); err == nil {
		b.logger.Info("snapshot already present, skipping export", "output", outputPath)
		return b.describe(job, spec, outputPath)
	}

	b.logger.Info("exporting snapshot",
		"kind", job.Kind,
		"variant", spec.variant,
		"endEpoch", spec.epoch,
		"depth", spec.depth,
		"output", outputPath,
	)

	req := outbound.ExportRequest{
		EndEpoch:   spec.epoch,
		Depth:      spec.depth,
		Format:     job.Format,
		OutputPath: outputPath,
		SourcePath: spec.source,
	}
	if spec.diff {
		req.Diff = true
		req.DiffBase = spec.diffBase
		req.DiffDepth = b.config.StateRoots
	}
	if err := b.node.ExportSnapshot(ctx, req); err != nil {
		b.removePartial(outputPath)
		return nil, fmt.Errorf("%w: %s", entity.ErrExportFailed, err)
	}

	artifact, err := b.describe(job, spec, outputPath)
	if err != nil {
		b.removePartial(outputPath)
		return nil, err
	}

	b.logger.Info("snapshot exported",
		"output", outputPath,
		"sizeBytes", artifact.SizeBytes,
		"checksum", artifact.Checksum,
	)
	return artifact, nil
}

// describe checksums the finished file and builds its artifact record.
func (b *Builder) describe(job *entity.SnapshotJob, spec exportSpec, outputPath string) (*entity.SnapshotArtifact, error) {
	checksum, size, err := shared.FileChecksum(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", entity.ErrExportFailed, err)
	}
	return &entity.SnapshotArtifact{
		JobID:       job.ID,
		Kind:        job.Kind,
		Variant:     spec.variant,
		FilePath:    outputPath,
		EpochHeight: spec.epoch,
		Checksum:    checksum,
		SizeBytes:   size,
		ProducedAt:  b.clock.Now().UTC(),
	}, nil
}

// removePartial deletes whatever the node left at path after a failed
// export. A missing file is fine.
func (b *Builder) removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.logger.Error("failed to remove partial snapshot", "path", path, "error", err)
	}
}
