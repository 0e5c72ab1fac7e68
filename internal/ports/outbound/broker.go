package outbound

import (
	"context"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
)

// EventSink publishes stage events to the broker. Topics fan out to the
// per-stage queues, so a single publish reaches every interested consumer.
type EventSink interface {
	// Publish delivers the event to the topic for its stage. Delivery is
	// at-least-once; consumers must tolerate duplicates.
	Publish(ctx context.Context, event entity.StageEvent) error

	// Close releases the sink. Publishing after Close is a no-op.
	Close() error
}

// QueueMessage is one delivery from a stage queue. ReceiptHandle
// acknowledges exactly this delivery.
type QueueMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
}

// QueueConsumer receives messages from a single stage queue. Consumers
// acknowledge only after the stage's side effects are durable; an
// unacknowledged message redelivers after the visibility timeout, which is
// how a crash mid-stage surfaces as a retry instead of message loss.
type QueueConsumer interface {
	ReceiveMessages(ctx context.Context, maxMessages int) ([]QueueMessage, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	Close() error
}
