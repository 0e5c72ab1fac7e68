// Package validator re-verifies snapshot artifacts independently of the
// builder that produced them. It consumes build outcomes from its queue,
// re-derives the artifact's metadata and checksum from the file itself, and
// publishes a validate outcome. An artifact that fails verification is
// deleted so a corrupt snapshot can never reach the object store.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/shared"
)

// Config holds configuration for the validator.
type Config struct {
	// Workers is the number of concurrent message processors.
	Workers int

	// BatchSize is how many messages to fetch at once (max 10).
	BatchSize int

	// Metrics is the metrics recorder (optional).
	Metrics outbound.MetricsRecorder

	// Logger for the service.
	Logger *slog.Logger
}

// ConfigDefaults returns sensible defaults for the validator. Validation is
// disk-bound, so one worker at a time.
func ConfigDefaults() Config {
	return Config{
		Workers:   1,
		BatchSize: 10,
		Logger:    slog.Default(),
	}
}

// Service is the snapshot validator.
type Service struct {
	config    Config
	consumer  outbound.QueueConsumer
	node      outbound.ArchiveNode
	sink      outbound.EventSink
	clock     clock.Clock
	metrics   outbound.MetricsRecorder
	logger    *slog.Logger
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewService creates a validator.
func NewService(
	config Config,
	consumer outbound.QueueConsumer,
	node outbound.ArchiveNode,
	sink outbound.EventSink,
	clk clock.Clock,
) (*Service, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if node == nil {
		return nil, fmt.Errorf("node is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}

	defaults := ConfigDefaults()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
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
		node:     node,
		sink:     sink,
		clock:    clk,
		metrics:  config.Metrics,
		logger:   config.Logger.With("component", "validator"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Run starts the validator and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting validator", "workers", s.config.Workers)

	msgCh := make(chan outbound.QueueMessage, s.config.Workers*2)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i, msgCh)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, stopping validator")
			close(msgCh)
			s.wg.Wait()
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("stop signal received, stopping validator")
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
			s.metrics.RecordStageDuration(ctx, entity.StageValidate, duration, status)
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

// ProcessMessage verifies one artifact and publishes the outcome. The
// message is acknowledged by the caller only after the outcome is published,
// so a crash between verify and publish redelivers rather than losing the
// hand-off.
func (s *Service) ProcessMessage(ctx context.Context, msg outbound.QueueMessage) error {
	event, err := shared.DecodeEventBody(msg.Body)
	if err != nil {
		// Malformed bodies never become parseable; drop by acknowledging.
		s.logger.Error("dropping undecodable message", "messageID", msg.MessageID, "error", err)
		return nil
	}
	if event.Stage != entity.StageBuild || event.Outcome != entity.OutcomeSucceeded || event.Artifact == nil {
		return nil
	}
	artifact := event.Artifact

	reason, err := s.verify(ctx, artifact)
	if err != nil {
		return fmt.Errorf("failed to verify %s: %w", artifact.FilePath, err)
	}

	// The artifact record rides the outcome either way; on failure the file
	// is gone but the scheduler still needs to know which lane it was.
	result := entity.StageEvent{
		JobID:     event.JobID,
		Kind:      event.Kind,
		Stage:     entity.StageValidate,
		Attempt:   event.Attempt,
		Timestamp: s.clock.Now().UTC(),
		Artifact:  artifact,
	}

	if reason == "" {
		result.Outcome = entity.OutcomeSucceeded
		s.logger.Info("artifact validated",
			"jobID", event.JobID,
			"path", artifact.FilePath,
			"epoch", artifact.EpochHeight,
		)
	} else {
		result.Outcome = entity.OutcomeFailed
		result.Detail = reason
		s.deleteArtifact(artifact.FilePath)
		s.logger.Warn("artifact rejected",
			"jobID", event.JobID,
			"path", artifact.FilePath,
			"reason", reason,
		)
	}

	if s.metrics != nil {
		s.metrics.RecordStageOutcome(ctx, entity.StageValidate, string(result.Outcome))
	}
	return s.sink.Publish(ctx, result)
}

// verify re-derives the artifact's properties from the file. A non-empty
// reason means the artifact is invalid; an error means verification itself
// could not run and should be retried.
func (s *Service) verify(ctx context.Context, artifact *entity.SnapshotArtifact) (string, error) {
	if _, err := os.Stat(artifact.FilePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "artifact file missing", nil
		}
		return "", err
	}

	checksum, size, err := shared.FileChecksum(artifact.FilePath)
	if err != nil {
		return "", err
	}
	if checksum != artifact.Checksum {
		return fmt.Sprintf("checksum mismatch: file %s, recorded %s", checksum, artifact.Checksum), nil
	}
	if size != artifact.SizeBytes {
		return fmt.Sprintf("size mismatch: file %d, recorded %d", size, artifact.SizeBytes), nil
	}

	meta, err := s.node.ArchiveInfo(ctx, artifact.FilePath)
	if err != nil {
		return "", err
	}
	if meta.Epoch != artifact.EpochHeight {
		return fmt.Sprintf("epoch mismatch: archive reports %d, recorded %d", meta.Epoch, artifact.EpochHeight), nil
	}

	// The node's state root at the snapshot head must agree with the
	// archive's, when both sides can serve one.
	root, err := s.node.StateRootAt(ctx, meta.Epoch)
	if err != nil {
		return "", err
	}
	if root != "" && meta.HeadTipset != "" && root != meta.HeadTipset {
		return fmt.Sprintf("state root mismatch at epoch %d", meta.Epoch), nil
	}

	return "", nil
}

func (s *Service) deleteArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("failed to delete rejected artifact", "path", path, "error", err)
	}
}
