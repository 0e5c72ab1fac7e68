// Package notify forwards pipeline stage events to the operator channel.
// Delivery is fire and forget: a notification that cannot be posted is
// logged and dropped, never retried at the pipeline's expense.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/shared"
)

// Config holds configuration for the notify service.
type Config struct {
	// Chain is the network name included in every message.
	Chain string

	// BatchSize is how many messages to fetch at once (max 10).
	BatchSize int

	// Logger for the service.
	Logger *slog.Logger
}

// ConfigDefaults returns sensible defaults for the notify service.
func ConfigDefaults() Config {
	return Config{
		BatchSize: 10,
		Logger:    slog.Default(),
	}
}

// Service consumes the notify queue and posts stage events.
type Service struct {
	config    Config
	consumer  outbound.QueueConsumer
	notifier  outbound.Notifier
	logger    *slog.Logger
	closeOnce sync.Once
	stopCh    chan struct{}
}

// NewService creates a notify service.
func NewService(config Config, consumer outbound.QueueConsumer, notifier outbound.Notifier) (*Service, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if config.Chain == "" {
		return nil, fmt.Errorf("chain is required")
	}

	defaults := ConfigDefaults()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		config:   config,
		consumer: consumer,
		notifier: notifier,
		logger:   config.Logger.With("component", "notify"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Run starts the notify service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting notify service", "chain", s.config.Chain)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, stopping notify service")
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("stop signal received, stopping notify service")
			return nil
		default:
		}

		messages, err := s.consumer.ReceiveMessages(ctx, s.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("failed to receive messages", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range messages {
			s.processMessage(ctx, msg)
			// Notifications are best effort; acknowledge regardless.
			if err := s.consumer.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
				s.logger.Error("failed to delete message", "messageID", msg.MessageID, "error", err)
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

func (s *Service) processMessage(ctx context.Context, msg outbound.QueueMessage) {
	event, err := shared.DecodeEventBody(msg.Body)
	if err != nil {
		s.logger.Error("dropping undecodable message", "messageID", msg.MessageID, "error", err)
		return
	}

	message, severity := s.format(event)
	if err := s.notifier.Post(ctx, message, severity); err != nil {
		s.logger.Error("failed to post notification",
			"jobID", event.JobID,
			"stage", event.Stage,
			"error", err,
		)
	}
}

// format renders a stage event as an operator-facing message.
func (s *Service) format(event entity.StageEvent) (string, outbound.Severity) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s %s", s.config.Chain, event.Kind, event.Stage, event.Outcome)
	if event.Artifact != nil {
		fmt.Fprintf(&b, " height=%d size=%s", event.Artifact.EpochHeight, humanSize(event.Artifact.SizeBytes))
	}
	if event.Detail != "" {
		fmt.Fprintf(&b, ": %s", event.Detail)
	}

	severity := outbound.SeverityInfo
	switch event.Outcome {
	case entity.OutcomeFailed:
		severity = outbound.SeverityFailed
	case entity.OutcomeSucceeded:
		// Intermediate successes are routine; only the upload completing
		// (or a compute window finishing) is worth celebrating.
		if event.Stage == entity.StageUpload || event.Stage == entity.StageSchedule {
			severity = outbound.SeveritySuccess
		}
	}
	return b.String(), severity
}

func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
