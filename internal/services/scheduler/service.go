// Package scheduler decides when snapshot jobs run. It is the single writer
// of job state: it admits jobs against the node lock, disk floor and
// per-kind conditions, hands the build stage to the builder, and folds
// validator and uploader outcomes from the results queue back into job
// state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/retry"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/progress"
	"github.com/forest-ops/snapshot-pipeline/internal/services/shared"
)

// BuildExecutor runs the build stage of one job. Satisfied by
// builder.Builder. Export jobs return the artifact set the stage produced:
// a single latest snapshot, or a historic window's lite snapshot plus its
// diffs.
type BuildExecutor interface {
	Execute(ctx context.Context, job *entity.SnapshotJob) ([]*entity.SnapshotArtifact, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	// Chain is the network this scheduler drives.
	Chain string

	// Format is the snapshot format tag stamped on admitted jobs.
	Format string

	// DiskPath is the volume checked against the free-space floor.
	DiskPath string

	// DiskFloorBytes is the minimum free space required to admit a job.
	DiskFloorBytes uint64

	// HistoricStep is the epoch width of one historic backfill window.
	HistoricStep uint64

	// ComputeBatch is the epoch width of one compute-state window.
	ComputeBatch uint64

	// LatestDelay is the minimum gap between latest snapshot builds.
	LatestDelay time.Duration

	// MaxAttempts is the per-job attempt budget across all stages.
	MaxAttempts int

	// PollInterval is how often the scheduler samples the node and tries
	// admission.
	PollInterval time.Duration

	// StageTimeout bounds a single build stage attempt.
	StageTimeout time.Duration

	// ETAInterval is the minimum gap between posted backfill estimates.
	ETAInterval time.Duration

	// Retry shapes the backoff curve for requeued job attempts.
	Retry retry.Config

	// Metrics is the metrics recorder (optional).
	Metrics outbound.MetricsRecorder

	// Notifier receives backfill estimates (optional); stage outcomes reach
	// operators through the notify queue instead.
	Notifier outbound.Notifier

	// Logger for the service.
	Logger *slog.Logger
}

// ConfigDefaults returns sensible defaults for the scheduler.
func ConfigDefaults() Config {
	return Config{
		Format:         "v1",
		DiskFloorBytes: 50 << 30,
		HistoricStep:   30000,
		ComputeBatch:   2880,
		LatestDelay:    6 * time.Hour,
		MaxAttempts:    3,
		PollInterval:   30 * time.Second,
		StageTimeout:   6 * time.Hour,
		ETAInterval:    30 * time.Minute,
		Retry:          retry.DefaultConfig(),
		Logger:         slog.Default(),
	}
}

// jobState is the scheduler's in-memory view of one open job.
type jobState struct {
	job *entity.SnapshotJob
	// artifact is the job's gating artifact (lite or latest), set once the
	// build stage succeeds so a failed upload can be requeued without
	// rebuilding.
	artifact *entity.SnapshotArtifact
	// nextAttempt gates retries; zero means runnable now.
	nextAttempt time.Time
	// requeueUpload marks an upload that failed and should be re-offered to
	// the upload queue once nextAttempt passes.
	requeueUpload bool
}

// primaryArtifact picks the artifact that gates the job: the lite or latest
// snapshot. Diff snapshots ride the same pipeline without gating, the way
// the backfill pointer follows only the lite lane.
func primaryArtifact(artifacts []*entity.SnapshotArtifact) *entity.SnapshotArtifact {
	for _, a := range artifacts {
		if a.Variant != entity.VariantDiff {
			return a
		}
	}
	return nil
}

// Service is the snapshot scheduler.
type Service struct {
	config    Config
	node      outbound.ArchiveNode
	disk      outbound.DiskGuard
	store     outbound.StateStore
	sink      outbound.EventSink
	results   outbound.QueueConsumer
	builder   BuildExecutor
	tracker   *progress.Tracker
	clock     clock.Clock
	metrics   outbound.MetricsRecorder
	notifier  outbound.Notifier
	logger    *slog.Logger
	lock      nodeLock
	mu        sync.Mutex
	open      map[entity.JobKind]*jobState
	lastETA   time.Time
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewService creates a scheduler.
func NewService(
	config Config,
	node outbound.ArchiveNode,
	disk outbound.DiskGuard,
	store outbound.StateStore,
	sink outbound.EventSink,
	results outbound.QueueConsumer,
	buildExec BuildExecutor,
	tracker *progress.Tracker,
	clk clock.Clock,
) (*Service, error) {
	if node == nil {
		return nil, fmt.Errorf("node is required")
	}
	if disk == nil {
		return nil, fmt.Errorf("disk guard is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if results == nil {
		return nil, fmt.Errorf("results consumer is required")
	}
	if buildExec == nil {
		return nil, fmt.Errorf("builder is required")
	}
	if config.Chain == "" {
		return nil, fmt.Errorf("chain is required")
	}
	if config.DiskPath == "" {
		return nil, fmt.Errorf("disk path is required")
	}

	defaults := ConfigDefaults()
	if config.Format == "" {
		config.Format = defaults.Format
	}
	if config.DiskFloorBytes == 0 {
		config.DiskFloorBytes = defaults.DiskFloorBytes
	}
	if config.HistoricStep == 0 {
		config.HistoricStep = defaults.HistoricStep
	}
	if config.ComputeBatch == 0 {
		config.ComputeBatch = defaults.ComputeBatch
	}
	if config.LatestDelay == 0 {
		config.LatestDelay = defaults.LatestDelay
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.StageTimeout == 0 {
		config.StageTimeout = defaults.StageTimeout
	}
	if config.ETAInterval == 0 {
		config.ETAInterval = defaults.ETAInterval
	}
	if config.Retry.MaxRetries == 0 {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if tracker == nil {
		tracker = progress.NewTracker(progress.DefaultWindow, clk)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Service{
		config:   config,
		node:     node,
		disk:     disk,
		store:    store,
		sink:     sink,
		results:  results,
		builder:  buildExec,
		tracker:  tracker,
		clock:    clk,
		metrics:  config.Metrics,
		notifier: config.Notifier,
		logger:   config.Logger.With("component", "scheduler"),
		open:     make(map[entity.JobKind]*jobState),
		stopCh:   make(chan struct{}),
	}, nil
}

// Run starts the scheduler and blocks until the context is cancelled or
// Stop is called.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		"chain", s.config.Chain,
		"historicStep", s.config.HistoricStep,
		"latestDelay", s.config.LatestDelay,
	)

	if err := s.restoreOpenJobs(ctx); err != nil {
		return fmt.Errorf("failed to restore open jobs: %w", err)
	}

	s.wg.Add(1)
	go s.resultsLoop(ctx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, stopping scheduler")
			s.wg.Wait()
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("stop signal received, stopping scheduler")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop signals the service to stop.
func (s *Service) Stop() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
}

// restoreOpenJobs reloads non-terminal jobs after a restart. Jobs caught
// mid-build go back to pending for a fresh attempt; jobs already past the
// build stage keep waiting for their queue outcomes.
func (s *Service) restoreOpenJobs(ctx context.Context) error {
	jobs, err := s.store.OpenJobs(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if job.Status == entity.StatusBuilding {
			job.Status = entity.StatusPending
			if err := s.store.SaveJob(ctx, job); err != nil {
				return err
			}
		}
		s.open[job.Kind] = &jobState{job: job}
		s.logger.Info("restored open job",
			"jobID", job.ID,
			"kind", job.Kind,
			"status", job.Status,
		)
	}
	return nil
}

// Tick samples the node, reports progress, requeues stalled uploads and
// tries to admit one job. Exported so tests can drive the scheduler
// without the ticker.
func (s *Service) Tick(ctx context.Context) {
	height, err := s.node.CurrentHeight(ctx)
	if err != nil {
		s.logger.Error("failed to read node height", "error", err)
		return
	}
	s.tracker.Sample(height)
	s.reportProgress(ctx, height)
	s.requeueUploads(ctx)

	for _, kind := range entity.Kinds() {
		job, err := s.TryAdmit(ctx, kind)
		if err != nil {
			if denied, ok := entity.IsAdmissionDenied(err); ok {
				s.logger.Debug("admission denied", "kind", kind, "reason", denied.Reason)
				continue
			}
			s.logger.Error("admission check failed", "kind", kind, "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(ctx, job)
		}()
		// The admitted job holds the node lock, so no other kind can be
		// admitted this tick.
		return
	}
}

// TryAdmit admits one job of the given kind, or returns AdmissionDenied
// explaining why not. On success the job holds the node lock, is persisted
// as building, and is ready for runJob. Admission is serialized: at most
// one job per kind is open, and at most one job overall holds the lock.
func (s *Service) TryAdmit(ctx context.Context, kind entity.JobKind) (*entity.SnapshotJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	if jst, ok := s.open[kind]; ok {
		if jst.job.Status != entity.StatusPending {
			return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonJobOpen}
		}
		if now.Before(jst.nextAttempt) {
			return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonBackoffPending}
		}
		return s.admitLocked(ctx, kind, jst.job)
	}

	if s.lock.Held() {
		return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonLockHeld}
	}
	if err := s.checkDisk(kind); err != nil {
		return nil, err
	}

	job, err := s.planJob(ctx, kind, now)
	if err != nil {
		return nil, err
	}
	return s.admitLocked(ctx, kind, job)
}

// admitLocked finishes admission for a planned or requeued job: lock, disk
// floor, persist as building. Caller holds s.mu.
func (s *Service) admitLocked(ctx context.Context, kind entity.JobKind, job *entity.SnapshotJob) (*entity.SnapshotJob, error) {
	if s.lock.Held() {
		return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonLockHeld}
	}
	if err := s.checkDisk(kind); err != nil {
		return nil, err
	}
	if !s.lock.TryAcquire(job.ID) {
		return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonLockHeld}
	}

	job.Status = entity.StatusBuilding
	if err := s.store.SaveJob(ctx, job); err != nil {
		_ = s.lock.Release(job.ID)
		job.Status = entity.StatusPending
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if jst, ok := s.open[job.Kind]; ok {
		jst.job = job
		jst.nextAttempt = time.Time{}
	} else {
		s.open[job.Kind] = &jobState{job: job}
	}

	s.logger.Info("job admitted",
		"jobID", job.ID,
		"kind", job.Kind,
		"startEpoch", job.StartEpoch,
		"endEpoch", job.EndEpoch,
		"attempt", job.Attempts,
	)
	return job, nil
}

func (s *Service) checkDisk(kind entity.JobKind) error {
	free, err := s.disk.FreeBytes(s.config.DiskPath)
	if err != nil {
		return fmt.Errorf("failed to read free space: %w", err)
	}
	if free < s.config.DiskFloorBytes {
		return &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonDiskFloor}
	}
	return nil
}

// planJob evaluates the kind-specific admission conditions and builds a new
// pending job. Caller holds s.mu.
func (s *Service) planJob(ctx context.Context, kind entity.JobKind, now time.Time) (*entity.SnapshotJob, error) {
	switch kind {
	case entity.KindComputeState:
		height, err := s.node.CurrentHeight(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read node height: %w", err)
		}
		wm, err := s.store.Watermark(ctx, kind)
		if err != nil {
			return nil, err
		}
		if wm >= height {
			return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonWindowDone}
		}
		end := wm + s.config.ComputeBatch
		if end > height {
			end = height
		}
		return entity.NewSnapshotJob(kind, wm, end, "", now), nil

	case entity.KindBuildHistoric:
		height, err := s.node.CurrentHeight(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read node height: %w", err)
		}
		wm, err := s.store.Watermark(ctx, kind)
		if err != nil {
			return nil, err
		}
		end := wm + s.config.HistoricStep
		if end > height {
			return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonWindowUnsynced}
		}
		computed, err := s.store.Watermark(ctx, entity.KindComputeState)
		if err != nil {
			return nil, err
		}
		if computed < end {
			return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonStateMissing}
		}
		return entity.NewSnapshotJob(kind, wm, end, s.config.Format, now), nil

	case entity.KindBuildLatest:
		synced, err := s.node.IsSynced(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read sync status: %w", err)
		}
		if !synced {
			return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonNotSynced}
		}
		last, err := s.store.LastRun(ctx, kind)
		if err != nil {
			return nil, err
		}
		if !last.IsZero() && now.Sub(last) < s.config.LatestDelay {
			return nil, &entity.AdmissionDenied{Kind: kind, Reason: entity.ReasonDelayPending}
		}
		return entity.NewSnapshotJob(kind, 0, 0, s.config.Format, now), nil

	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}

// runJob drives the build stage of an admitted job and routes the outcome.
// The node lock is released as soon as the build stage finishes; validation
// and upload do not touch the node's data directory.
func (s *Service) runJob(ctx context.Context, job *entity.SnapshotJob) {
	s.publish(ctx, entity.NewStageEvent(job, entity.StageSchedule, entity.OutcomeStarted, "", s.clock.Now()))

	stageCtx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
	start := s.clock.Now()
	artifacts, err := s.builder.Execute(stageCtx, job)
	cancel()
	duration := s.clock.Since(start)

	if releaseErr := s.lock.Release(job.ID); releaseErr != nil {
		s.logger.Error("failed to release node lock", "jobID", job.ID, "error", releaseErr)
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordStageDuration(ctx, entity.StageBuild, duration, status)
		s.metrics.RecordStageOutcome(ctx, entity.StageBuild, status)
	}

	if err != nil {
		s.logger.Error("build stage failed",
			"jobID", job.ID,
			"kind", job.Kind,
			"attempt", job.Attempts,
			"error", err,
		)
		s.failAttempt(ctx, job, err)
		return
	}

	if job.Kind == entity.KindComputeState {
		s.finishComputeState(ctx, job)
		return
	}

	primary := primaryArtifact(artifacts)
	if primary == nil {
		s.logger.Error("build produced no gating artifact", "jobID", job.ID, "kind", job.Kind)
		s.failAttempt(ctx, job, fmt.Errorf("%w: no artifact produced", entity.ErrExportFailed))
		return
	}

	s.mu.Lock()
	job.Status = entity.StatusValidating
	if jst, ok := s.open[job.Kind]; ok && jst.job.ID == job.ID {
		jst.artifact = primary
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to persist job", "jobID", job.ID, "error", err)
	}
	s.mu.Unlock()

	for _, artifact := range artifacts {
		event := entity.NewStageEvent(job, entity.StageBuild, entity.OutcomeSucceeded, "", s.clock.Now())
		event.Artifact = artifact
		s.publish(ctx, event)
	}
}

// finishComputeState completes a compute-state job: the window's state is
// durable on the node, so the watermark advances and the job is done.
func (s *Service) finishComputeState(ctx context.Context, job *entity.SnapshotJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.AdvanceWatermark(ctx, job.Kind, job.EndEpoch); err != nil {
		s.logger.Error("failed to advance compute watermark", "jobID", job.ID, "error", err)
	}
	if err := s.store.RecordRun(ctx, job.Kind, s.clock.Now()); err != nil {
		s.logger.Error("failed to record run", "jobID", job.ID, "error", err)
	}
	job.Status = entity.StatusSucceeded
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to persist job", "jobID", job.ID, "error", err)
	}
	delete(s.open, job.Kind)

	detail := fmt.Sprintf("state computed through epoch %d", job.EndEpoch)
	s.publishLocked(ctx, entity.NewStageEvent(job, entity.StageSchedule, entity.OutcomeSucceeded, detail, s.clock.Now()))
}

// failAttempt burns one attempt for the job. Within the attempt budget the
// job goes back to pending behind an exponential backoff; past the budget it
// fails terminally.
func (s *Service) failAttempt(ctx context.Context, job *entity.SnapshotJob, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAttemptLocked(ctx, job, cause)
}

// failAttemptLocked is failAttempt with s.mu already held.
func (s *Service) failAttemptLocked(ctx context.Context, job *entity.SnapshotJob, cause error) {
	job.Attempts++
	if job.Attempts >= s.config.MaxAttempts {
		job.Status = entity.StatusFailed
		if err := s.store.SaveJob(ctx, job); err != nil {
			s.logger.Error("failed to persist job", "jobID", job.ID, "error", err)
		}
		delete(s.open, job.Kind)

		detail := fmt.Sprintf("%s after %d attempts: %s", entity.ErrAttemptsExhausted, job.Attempts, cause)
		s.publishLocked(ctx, entity.NewStageEvent(job, entity.StageSchedule, entity.OutcomeFailed, detail, s.clock.Now()))
		return
	}

	job.Status = entity.StatusPending
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to persist job", "jobID", job.ID, "error", err)
	}
	backoff := retry.Backoff(s.config.Retry, job.Attempts)
	jst, ok := s.open[job.Kind]
	if !ok || jst.job.ID != job.ID {
		jst = &jobState{job: job}
		s.open[job.Kind] = jst
	}
	jst.job = job
	jst.nextAttempt = s.clock.Now().Add(backoff)
	jst.requeueUpload = false

	detail := fmt.Sprintf("attempt %d of %d, retrying in %s: %s", job.Attempts, s.config.MaxAttempts, backoff, cause)
	s.publishLocked(ctx, entity.NewStageEvent(job, entity.StageSchedule, entity.OutcomeRetrying, detail, s.clock.Now()))
}

// resultsLoop consumes validator and uploader outcomes from the results
// queue. A message is acknowledged only after its outcome has been folded
// into durable job state.
func (s *Service) resultsLoop(ctx context.Context) {
	defer s.wg.Done()
	logger := s.logger.With("queue", "results")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		messages, err := s.results.ReceiveMessages(ctx, 10)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to receive results", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range messages {
			event, err := shared.DecodeEventBody(msg.Body)
			if err != nil {
				logger.Error("failed to decode result", "messageID", msg.MessageID, "error", err)
				// Malformed results never become parseable; drop.
				_ = s.results.DeleteMessage(ctx, msg.ReceiptHandle)
				continue
			}
			if err := s.HandleResult(ctx, event); err != nil {
				logger.Error("failed to handle result",
					"messageID", msg.MessageID,
					"jobID", event.JobID,
					"error", err,
				)
				continue
			}
			if err := s.results.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
				logger.Error("failed to delete result", "messageID", msg.MessageID, "error", err)
			}
		}
	}
}

// HandleResult folds one validator or uploader outcome into job state.
// Duplicate and stale events are ignored; delivery is at-least-once.
func (s *Service) HandleResult(ctx context.Context, event entity.StageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jst, ok := s.open[event.Kind]
	if !ok || jst.job.ID != event.JobID {
		s.logger.Debug("ignoring result for unknown job", "jobID", event.JobID, "stage", event.Stage)
		return nil
	}
	job := jst.job

	if event.Artifact != nil && event.Artifact.Variant == entity.VariantDiff {
		// Diff snapshots never gate the job; a failed diff surfaces through
		// the notify queue and its message redelivery, not the job state.
		s.logger.Debug("ignoring diff artifact result",
			"jobID", event.JobID,
			"stage", event.Stage,
			"outcome", event.Outcome,
			"path", event.Artifact.FilePath,
		)
		return nil
	}

	switch {
	case event.Stage == entity.StageValidate && event.Outcome == entity.OutcomeSucceeded:
		if job.Status != entity.StatusValidating {
			return nil
		}
		job.Status = entity.StatusUploading
		return s.store.SaveJob(ctx, job)

	case event.Stage == entity.StageValidate && event.Outcome == entity.OutcomeFailed:
		if job.Status != entity.StatusValidating {
			return nil
		}
		// The validator already deleted the artifact; the job rebuilds.
		jst.artifact = nil
		s.failAttemptLocked(ctx, job, entity.ErrValidationFailed)
		return nil

	case event.Stage == entity.StageUpload && event.Outcome == entity.OutcomeSucceeded:
		if job.Status != entity.StatusUploading {
			return nil
		}
		if job.Kind == entity.KindBuildHistoric && event.Artifact != nil {
			if err := s.store.AdvanceWatermark(ctx, job.Kind, event.Artifact.EpochHeight); err != nil {
				return err
			}
		}
		if err := s.store.RecordRun(ctx, job.Kind, s.clock.Now()); err != nil {
			return err
		}
		job.Status = entity.StatusSucceeded
		if err := s.store.SaveJob(ctx, job); err != nil {
			return err
		}
		delete(s.open, job.Kind)
		s.logger.Info("job succeeded", "jobID", job.ID, "kind", job.Kind)
		return nil

	case event.Stage == entity.StageUpload && event.Outcome == entity.OutcomeFailed:
		if job.Status != entity.StatusUploading {
			return nil
		}
		job.Attempts++
		if job.Attempts >= s.config.MaxAttempts {
			job.Status = entity.StatusFailed
			if err := s.store.SaveJob(ctx, job); err != nil {
				return err
			}
			delete(s.open, job.Kind)

			detail := fmt.Sprintf("%s after %d attempts: %s", entity.ErrAttemptsExhausted, job.Attempts, entity.ErrUploadFailed)
			s.publishLocked(ctx, entity.NewStageEvent(job, entity.StageSchedule, entity.OutcomeFailed, detail, s.clock.Now()))
			// The artifact stays on disk for operator inspection.
			return nil
		}
		if err := s.store.SaveJob(ctx, job); err != nil {
			return err
		}
		if jst.artifact == nil {
			jst.artifact = event.Artifact
		}
		jst.requeueUpload = true
		jst.nextAttempt = s.clock.Now().Add(retry.Backoff(s.config.Retry, job.Attempts))
		return nil

	default:
		s.logger.Debug("ignoring result", "stage", event.Stage, "outcome", event.Outcome)
		return nil
	}
}

// requeueUploads re-offers failed uploads to the upload queue once their
// backoff has passed. The artifact was already validated, so the hand-off
// is replayed rather than rebuilt.
func (s *Service) requeueUploads(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, jst := range s.open {
		if !jst.requeueUpload || now.Before(jst.nextAttempt) {
			continue
		}
		if jst.artifact == nil {
			s.logger.Error("cannot requeue upload without artifact", "jobID", jst.job.ID)
			jst.requeueUpload = false
			continue
		}
		event := entity.NewStageEvent(jst.job, entity.StageValidate, entity.OutcomeSucceeded, "upload requeued", now)
		event.Artifact = jst.artifact
		s.publishLocked(ctx, event)
		jst.requeueUpload = false
		s.logger.Info("upload requeued", "jobID", jst.job.ID, "attempt", jst.job.Attempts)
	}
}

// reportProgress records backfill progress and, when the next historic
// window is still beyond the node, posts how long until it is reachable.
func (s *Service) reportProgress(ctx context.Context, height uint64) {
	wm, err := s.store.Watermark(ctx, entity.KindBuildHistoric)
	if err != nil {
		s.logger.Error("failed to read historic watermark", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordProgress(ctx, wm, height)
	}

	target := wm + s.config.HistoricStep
	if target <= height {
		return
	}
	eta, ok := s.tracker.EstimateCompletion(target)
	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordETA(ctx, eta)
	}

	now := s.clock.Now()
	if s.notifier == nil || now.Sub(s.lastETA) < s.config.ETAInterval {
		return
	}
	s.lastETA = now
	msg := fmt.Sprintf("%s backfill waiting on node sync: epoch %d of %d, next window reachable in ~%s",
		s.config.Chain, height, target, eta.Round(time.Minute))
	if err := s.notifier.Post(ctx, msg, outbound.SeverityInfo); err != nil {
		s.logger.Error("failed to post backfill estimate", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, event entity.StageEvent) {
	if err := s.sink.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event",
			"jobID", event.JobID,
			"stage", event.Stage,
			"outcome", event.Outcome,
			"error", err,
		)
	}
}

// publishLocked publishes while s.mu is held; the sink does not call back
// into the scheduler.
func (s *Service) publishLocked(ctx context.Context, event entity.StageEvent) {
	s.publish(ctx, event)
}
