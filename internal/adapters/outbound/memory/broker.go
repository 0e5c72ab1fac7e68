// Package memory provides in-memory implementations of the outbound ports.
//
// These adapters exist for tests and local runs: the broker wires publishes
// straight into subscribed queues, the object store and state store are
// maps, and the notifier records every post. All operations are thread-safe.
// For production, use the sns/sqs/s3/postgres/slack adapters.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time checks.
var (
	_ outbound.EventSink     = (*Broker)(nil)
	_ outbound.QueueConsumer = (*Queue)(nil)
)

// Broker is an in-memory fanout broker: events published to a topic are
// copied into every queue subscribed to it.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string][]*Queue
	events []entity.StageEvent
	closed bool

	// Callback for test assertions.
	onPublish func(entity.StageEvent)
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string][]*Queue)}
}

// Subscribe attaches a queue to a topic and returns it.
func (b *Broker) Subscribe(topic string) *Queue {
	q := newQueue()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], q)
	return q
}

// SubscribeQueue attaches an existing queue to an additional topic.
func (b *Broker) SubscribeQueue(topic string, q *Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], q)
}

// Publish implements outbound.EventSink against the topic named by the
// event's stage. Use Sink to bind a Broker to a fixed topic instead.
func (b *Broker) Publish(ctx context.Context, event entity.StageEvent) error {
	return b.PublishTopic(ctx, string(event.Stage), event)
}

// PublishTopic delivers an event to every queue subscribed to topic.
func (b *Broker) PublishTopic(_ context.Context, topic string, event entity.StageEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.events = append(b.events, event)
	queues := make([]*Queue, len(b.subs[topic]))
	copy(queues, b.subs[topic])
	onPublish := b.onPublish
	b.mu.Unlock()

	body, err := event.Encode()
	if err != nil {
		return err
	}
	for _, q := range queues {
		q.push(string(body))
	}
	if onPublish != nil {
		onPublish(event)
	}
	return nil
}

// Close marks the broker as closed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// SetOnPublish registers a callback invoked for every published event.
func (b *Broker) SetOnPublish(fn func(entity.StageEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Events returns every event published so far, in publish order.
func (b *Broker) Events() []entity.StageEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]entity.StageEvent, len(b.events))
	copy(out, b.events)
	return out
}

// Sink binds the broker to one topic so it satisfies outbound.EventSink for
// a single stage.
func (b *Broker) Sink(topic string) outbound.EventSink {
	return &topicSink{broker: b, topic: topic}
}

type topicSink struct {
	broker *Broker
	topic  string
}

func (s *topicSink) Publish(ctx context.Context, event entity.StageEvent) error {
	return s.broker.PublishTopic(ctx, s.topic, event)
}

func (s *topicSink) Close() error { return nil }

// Queue is an in-memory queue with at-least-once semantics: received
// messages stay invisible until deleted, and Redeliver makes unacknowledged
// messages visible again the way a visibility timeout would.
type Queue struct {
	mu       sync.Mutex
	visible  []outbound.QueueMessage
	inflight map[string]outbound.QueueMessage
	seq      int
	closed   bool
}

func newQueue() *Queue {
	return &Queue{inflight: make(map[string]outbound.QueueMessage)}
}

// NewQueue creates a standalone queue not bound to any topic.
func NewQueue() *Queue { return newQueue() }

func (q *Queue) push(body string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	q.visible = append(q.visible, outbound.QueueMessage{
		MessageID:     fmt.Sprintf("mem-%d", q.seq),
		ReceiptHandle: fmt.Sprintf("handle-%d", q.seq),
		Body:          body,
	})
}

// Push enqueues a raw message body, for tests that bypass the broker.
func (q *Queue) Push(body string) { q.push(body) }

// ReceiveMessages returns up to maxMessages and marks them in-flight.
func (q *Queue) ReceiveMessages(ctx context.Context, maxMessages int) ([]outbound.QueueMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxMessages < 1 {
		maxMessages = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := maxMessages
	if n > len(q.visible) {
		n = len(q.visible)
	}
	batch := q.visible[:n]
	q.visible = q.visible[n:]
	out := make([]outbound.QueueMessage, n)
	copy(out, batch)
	for _, m := range out {
		q.inflight[m.ReceiptHandle] = m
	}
	return out, nil
}

// DeleteMessage acknowledges a received message.
func (q *Queue) DeleteMessage(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receiptHandle]; !ok {
		return fmt.Errorf("unknown receipt handle %q", receiptHandle)
	}
	delete(q.inflight, receiptHandle)
	return nil
}

// Redeliver returns all in-flight messages to the visible queue, simulating
// a visibility timeout after a consumer crash.
func (q *Queue) Redeliver() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for handle, m := range q.inflight {
		q.visible = append(q.visible, m)
		delete(q.inflight, handle)
	}
}

// Len returns the number of visible messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.visible)
}

// Close marks the queue closed; further pushes are dropped.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
