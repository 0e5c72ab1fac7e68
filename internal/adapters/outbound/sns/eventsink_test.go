package sns

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
)

// fakePublisher records publish calls and can fail a configured number of
// times before succeeding.
type fakePublisher struct {
	mu        sync.Mutex
	calls     []*awssns.PublishInput
	failUntil int
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, params *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if len(f.calls) <= f.failUntil {
		return nil, f.err
	}
	return &awssns.PublishOutput{}, nil
}

func newTestSink(t *testing.T, pub *fakePublisher) *EventSink {
	t.Helper()
	sink, err := NewEventSink(aws.Config{}, Config{
		TopicARNs: map[entity.Stage]string{
			entity.StageBuild:  "arn:build",
			entity.StageUpload: "arn:upload",
		},
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("NewEventSink: %v", err)
	}
	sink.client = pub
	return sink
}

func buildEvent() entity.StageEvent {
	return entity.StageEvent{
		JobID:     uuid.New(),
		Kind:      entity.KindBuildHistoric,
		Stage:     entity.StageBuild,
		Outcome:   entity.OutcomeSucceeded,
		Timestamp: time.Now().UTC(),
	}
}

func TestPublishRoutesToStageTopic(t *testing.T) {
	pub := &fakePublisher{}
	sink := newTestSink(t, pub)

	if err := sink.Publish(context.Background(), buildEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(pub.calls))
	}
	call := pub.calls[0]
	if *call.TopicArn != "arn:build" {
		t.Errorf("topic = %s, want arn:build", *call.TopicArn)
	}
	if got := *call.MessageAttributes["outcome"].StringValue; got != "succeeded" {
		t.Errorf("outcome attribute = %s, want succeeded", got)
	}
}

func TestPublishUnknownStageFails(t *testing.T) {
	sink := newTestSink(t, &fakePublisher{})

	event := buildEvent()
	event.Stage = entity.StageValidate
	if err := sink.Publish(context.Background(), event); err == nil {
		t.Fatal("expected error for unconfigured stage")
	}
}

func TestPublishRetriesThrottling(t *testing.T) {
	pub := &fakePublisher{failUntil: 2, err: &types.ThrottledException{}}
	sink := newTestSink(t, pub)

	if err := sink.Publish(context.Background(), buildEvent()); err != nil {
		t.Fatalf("Publish after retries: %v", err)
	}
	if len(pub.calls) != 3 {
		t.Fatalf("publish calls = %d, want 3", len(pub.calls))
	}
}

func TestPublishGivesUpAfterMaxRetries(t *testing.T) {
	pub := &fakePublisher{failUntil: 100, err: fmt.Errorf("connection reset")}
	sink := newTestSink(t, pub)

	if err := sink.Publish(context.Background(), buildEvent()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestClosedSinkDropsPublishes(t *testing.T) {
	pub := &fakePublisher{}
	sink := newTestSink(t, pub)

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Publish(context.Background(), buildEvent()); err != nil {
		t.Fatalf("Publish on closed sink: %v", err)
	}
	if len(pub.calls) != 0 {
		t.Fatalf("publish calls = %d, want 0 after close", len(pub.calls))
	}
}
