// Package uploader transfers validated snapshots to the object store. An
// upload counts as done only after a read-back confirms the remote checksum;
// the local file is deleted strictly after that confirmation, and retained
// on any failure.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/retry"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/shared"
)

// Config holds configuration for the uploader.
type Config struct {
	// Chain is the network name, used as the key prefix.
	Chain string

	// HistoricBucket receives historic snapshots.
	HistoricBucket string

	// LatestBucket receives latest snapshots.
	LatestBucket string

	// Workers is the number of concurrent message processors.
	Workers int

	// BatchSize is how many messages to fetch at once (max 10).
	BatchSize int

	// Retry shapes in-flight transport retries within one upload attempt.
	Retry retry.Config

	// Metrics is the metrics recorder (optional).
	Metrics outbound.MetricsRecorder

	// Logger for the service.
	Logger *slog.Logger
}

// ConfigDefaults returns sensible defaults for the uploader.
func ConfigDefaults() Config {
	return Config{
		Workers:   1,
		BatchSize: 10,
		Retry:     retry.DefaultConfig(),
		Logger:    slog.Default(),
	}
}

// sidecarMetadata is the metadata.json written next to each snapshot.
type sidecarMetadata struct {
	Chain      string    `json:"chain"`
	Kind       string    `json:"kind"`
	Variant    string    `json:"variant,omitempty"`
	Epoch      uint64    `json:"epoch"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"size_bytes"`
	ProducedAt time.Time `json:"produced_at"`
}

// Service is the snapshot uploader.
type Service struct {
	config    Config
	consumer  outbound.QueueConsumer
	store     outbound.ObjectStore
	sink      outbound.EventSink
	clock     clock.Clock
	metrics   outbound.MetricsRecorder
	logger    *slog.Logger
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewService creates an uploader.
func NewService(
	config Config,
	consumer outbound.QueueConsumer,
	store outbound.ObjectStore,
	sink outbound.EventSink,
	clk clock.Clock,
) (*Service, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if config.Chain == "" {
		return nil, fmt.Errorf("chain is required")
	}
	if config.HistoricBucket == "" || config.LatestBucket == "" {
		return nil, fmt.Errorf("historic and latest buckets are required")
	}

	defaults := ConfigDefaults()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Retry.MaxRetries == 0 {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Service{
		config:   config,
		consumer: consumer,
		store:    store,
		sink:     sink,
		clock:    clk,
		metrics:  config.Metrics,
		logger:   config.Logger.With("component", "uploader"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Run starts the uploader and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting uploader",
		"historicBucket", s.config.HistoricBucket,
		"latestBucket", s.config.LatestBucket,
		"workers", s.config.Workers,
	)

	msgCh := make(chan outbound.QueueMessage, s.config.Workers*2)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i, msgCh)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, stopping uploader")
			close(msgCh)
			s.wg.Wait()
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("stop signal received, stopping uploader")
			close(msgCh)
			s.wg.Wait()
			return nil
		default:
		}

		messages, err := s.consumer.ReceiveMessages(ctx, s.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				close(msgCh)
				s.wg.Wait()
				return ctx.Err()
			}
			s.logger.Error("failed to receive messages", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range messages {
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				close(msgCh)
				s.wg.Wait()
				return ctx.Err()
			}
		}
	}
}

// Stop signals the service to stop.
func (s *Service) Stop() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Service) worker(ctx context.Context, id int, msgCh <-chan outbound.QueueMessage) {
	defer s.wg.Done()
	logger := s.logger.With("worker", id)

	for msg := range msgCh {
		start := s.clock.Now()
		err := s.ProcessMessage(ctx, msg)
		duration := s.clock.Since(start)

		if s.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			s.metrics.RecordStageDuration(ctx, entity.StageUpload, duration, status)
		}

		if err != nil {
			logger.Error("failed to process message",
				"messageID", msg.MessageID,
				"error", err,
			)
			// Left unacknowledged; redelivers after the visibility timeout.
			continue
		}

		if err := s.consumer.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
			logger.Error("failed to delete message",
				"messageID", msg.MessageID,
				"error", err,
			)
		}
	}
}

// ProcessMessage uploads one validated artifact and publishes the outcome.
// Transport-level errors return an error so the message redelivers; a
// confirmed mismatch publishes a failed outcome and acknowledges, leaving
// the retry decision to the scheduler.
func (s *Service) ProcessMessage(ctx context.Context, msg outbound.QueueMessage) error {
	event, err := shared.DecodeEventBody(msg.Body)
	if err != nil {
		s.logger.Error("dropping undecodable message", "messageID", msg.MessageID, "error", err)
		return nil
	}
	if event.Stage != entity.StageValidate || event.Outcome != entity.OutcomeSucceeded || event.Artifact == nil {
		return nil
	}
	artifact := event.Artifact

	mismatch, err := s.upload(ctx, artifact)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", artifact.FilePath, err)
	}

	result := entity.StageEvent{
		JobID:     event.JobID,
		Kind:      event.Kind,
		Stage:     entity.StageUpload,
		Attempt:   event.Attempt,
		Timestamp: s.clock.Now().UTC(),
		Artifact:  artifact,
	}

	if mismatch == "" {
		result.Outcome = entity.OutcomeSucceeded
		s.deleteLocal(artifact.FilePath)
		s.logger.Info("artifact uploaded",
			"jobID", event.JobID,
			"path", artifact.FilePath,
			"bucket", s.bucketFor(artifact.Kind),
		)
	} else {
		result.Outcome = entity.OutcomeFailed
		result.Detail = mismatch
		// The artifact stays on disk; the scheduler decides whether to
		// requeue or give up.
		s.logger.Warn("upload not confirmed",
			"jobID", event.JobID,
			"path", artifact.FilePath,
			"reason", mismatch,
		)
	}

	if s.metrics != nil {
		s.metrics.RecordStageOutcome(ctx, entity.StageUpload, string(result.Outcome))
	}
	return s.sink.Publish(ctx, result)
}

// upload puts the artifact and its sidecars, then confirms the remote
// checksum by read-back. A non-empty mismatch means the remote object does
// not match the artifact; an error means the transfer itself failed.
func (s *Service) upload(ctx context.Context, artifact *entity.SnapshotArtifact) (string, error) {
	bucket := s.bucketFor(artifact.Kind)
	key := s.keyFor(artifact)

	// A replay of an already-confirmed upload is a no-op.
	remote, err := s.store.HeadChecksum(ctx, bucket, key)
	switch {
	case err == nil && remote == artifact.Checksum:
		s.logger.Info("object already uploaded, skipping", "bucket", bucket, "key", key)
		return "", nil
	case err != nil && !errors.Is(err, outbound.ErrObjectNotFound):
		return "", err
	}

	f, err := os.Open(artifact.FilePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	isRetryable := func(err error) bool { return ctx.Err() == nil }
	onRetry := func(attempt int, err error, backoff time.Duration) {
		s.logger.Warn("retrying put", "key", key, "attempt", attempt, "backoff", backoff, "error", err)
	}

	if _, err := retry.Do(ctx, s.config.Retry, isRetryable, onRetry, func() (struct{}, error) {
		if _, err := f.Seek(0, 0); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.store.Put(ctx, bucket, key, f, artifact.SizeBytes, artifact.Checksum)
	}); err != nil {
		return "", err
	}

	if err := s.putSidecars(ctx, bucket, key, artifact); err != nil {
		return "", err
	}

	remote, err = s.store.HeadChecksum(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	if remote != artifact.Checksum {
		return fmt.Sprintf("remote checksum %s does not match artifact %s", remote, artifact.Checksum), nil
	}
	return "", nil
}

// putSidecars uploads the .sha256sum and .metadata.json companions.
func (s *Service) putSidecars(ctx context.Context, bucket, key string, artifact *entity.SnapshotArtifact) error {
	sum := fmt.Sprintf("%s  %s\n", artifact.Checksum, filepath.Base(artifact.FilePath))
	if err := s.store.Put(ctx, bucket, key+".sha256sum", bytes.NewReader([]byte(sum)), int64(len(sum)), shared.BytesChecksum([]byte(sum))); err != nil {
		return fmt.Errorf("failed to put checksum sidecar: %w", err)
	}

	meta, err := json.MarshalIndent(sidecarMetadata{
		Chain:      s.config.Chain,
		Kind:       string(artifact.Kind),
		Variant:    string(artifact.Variant),
		Epoch:      artifact.EpochHeight,
		Checksum:   artifact.Checksum,
		SizeBytes:  artifact.SizeBytes,
		ProducedAt: artifact.ProducedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata sidecar: %w", err)
	}
	if err := s.store.Put(ctx, bucket, key+".metadata.json", bytes.NewReader(meta), int64(len(meta)), shared.BytesChecksum(meta)); err != nil {
		return fmt.Errorf("failed to put metadata sidecar: %w", err)
	}
	return nil
}

func (s *Service) bucketFor(kind entity.JobKind) string {
	if kind == entity.KindBuildLatest {
		return s.config.LatestBucket
	}
	return s.config.HistoricBucket
}

// keyFor builds the object key: <chain>/<variant dir>/<filename>. Keys are
// deterministic so a replayed upload lands on the same object; the checksum
// travels in the object metadata and is confirmed by read-back.
func (s *Service) keyFor(artifact *entity.SnapshotArtifact) string {
	return path.Join(s.config.Chain, variantDir(artifact), filepath.Base(artifact.FilePath))
}

// variantDir maps an artifact to its remote directory, mirroring the local
// output layout. Artifacts predating the variant field fall back to kind.
func variantDir(artifact *entity.SnapshotArtifact) string {
	switch artifact.Variant {
	case entity.VariantLite, entity.VariantDiff, entity.VariantLatest:
		return string(artifact.Variant)
	}
	if artifact.Kind == entity.KindBuildLatest {
		return "latest"
	}
	return "lite"
}

// deleteLocal removes the artifact file after the upload is confirmed.
func (s *Service) deleteLocal(p string) {
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("failed to delete uploaded artifact", "path", p, "error", err)
	}
}
