// Package sns implements the EventSink port using AWS SNS.
//
// Each pipeline stage publishes its outcomes to a per-stage topic; queues
// for downstream consumers subscribe to the topics they care about, so one
// publish fans out to the validator, the uploader, the scheduler's results
// queue and the notifier as the topology dictates.
//
// Message attributes carry the job kind, stage and outcome so subscriptions
// can filter without decoding bodies.
package sns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/shared"
)

// Compile-time check that EventSink implements outbound.EventSink.
var _ outbound.EventSink = (*EventSink)(nil)

// snsPublisher defines the subset of SNS client methods used by EventSink.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds configuration for the SNS event sink.
type Config struct {
	// TopicARNs maps each stage to the ARN of its topic.
	TopicARNs map[entity.Stage]string

	// MaxRetries is the maximum number of retry attempts for transient
	// failures. Set to 0 to disable retries.
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each retry.
	BackoffFactor float64

	// Logger is the structured logger for the sink.
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Logger:         slog.Default(),
	}
}

// TopicARNsFor maps the pipeline's topic names to ARNs under one prefix,
// e.g. "arn:aws:sns:eu-west-1:123456789012".
func TopicARNsFor(arnPrefix, chain string) map[entity.Stage]string {
	topics := shared.DefaultTopics(chain)
	return map[entity.Stage]string{
		entity.StageBuild:    arnPrefix + ":" + topics.Build,
		entity.StageValidate: arnPrefix + ":" + topics.Validate,
		entity.StageUpload:   arnPrefix + ":" + topics.Upload,
		entity.StageSchedule: arnPrefix + ":" + topics.Lifecycle,
	}
}

// EventSink publishes stage events to per-stage SNS topics.
type EventSink struct {
	client    snsPublisher
	config    Config
	logger    *slog.Logger
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewEventSink creates a new SNS event sink.
func NewEventSink(cfg aws.Config, sinkConfig Config, optFns ...func(*sns.Options)) (*EventSink, error) {
	if len(sinkConfig.TopicARNs) == 0 {
		return nil, fmt.Errorf("topic ARNs are required")
	}

	defaults := ConfigDefaults()
	if sinkConfig.MaxRetries == 0 {
		sinkConfig.MaxRetries = defaults.MaxRetries
	}
	if sinkConfig.InitialBackoff == 0 {
		sinkConfig.InitialBackoff = defaults.InitialBackoff
	}
	if sinkConfig.MaxBackoff == 0 {
		sinkConfig.MaxBackoff = defaults.MaxBackoff
	}
	if sinkConfig.BackoffFactor == 0 {
		sinkConfig.BackoffFactor = defaults.BackoffFactor
	}
	if sinkConfig.Logger == nil {
		sinkConfig.Logger = defaults.Logger
	}

	return &EventSink{
		client: sns.NewFromConfig(cfg, optFns...),
		config: sinkConfig,
		logger: sinkConfig.Logger.With("component", "sns-eventsink"),
	}, nil
}

// Publish delivers a stage event to its stage topic, retrying transient
// failures with exponential backoff.
func (s *EventSink) Publish(ctx context.Context, event entity.StageEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	topicARN, ok := s.config.TopicARNs[event.Stage]
	if !ok {
		return fmt.Errorf("no topic configured for stage %q", event.Stage)
	}

	body, err := event.Encode()
	if err != nil {
		return err
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Kind)),
			},
			"stage": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Stage)),
			},
			"outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Outcome)),
			},
		},
	}

	var lastErr error
	backoff := s.config.InitialBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying publish",
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
				"stage", event.Stage,
				"jobID", event.JobID,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * s.config.BackoffFactor)
			if backoff > s.config.MaxBackoff {
				backoff = s.config.MaxBackoff
			}
		}

		_, err := s.client.Publish(ctx, input)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return fmt.Errorf("failed to publish to SNS: %w", err)
		}
	}

	s.logger.Error("publish failed after all retries",
		"maxRetries", s.config.MaxRetries,
		"error", lastErr,
		"stage", event.Stage,
		"jobID", event.JobID,
	)

	return fmt.Errorf("failed to publish to SNS after %d retries: %w", s.config.MaxRetries, lastErr)
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var throttleErr *types.ThrottledException
	if errors.As(err, &throttleErr) {
		return true
	}

	var internalErr *types.InternalErrorException
	if errors.As(err, &internalErr) {
		return true
	}

	// Default to retrying on unknown errors (network issues, etc.)
	return true
}

// Close marks the sink as closed and prevents further publishing.
func (s *EventSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.logger.Info("SNS event sink closed")
	})
	return nil
}
