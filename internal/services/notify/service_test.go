package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/memory"
	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

func queueMessage(t *testing.T, event entity.StageEvent) outbound.QueueMessage {
	t.Helper()
	body, err := event.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return outbound.QueueMessage{MessageID: "m-1", ReceiptHandle: "h-1", Body: string(body)}
}

func newService(t *testing.T, notifier *memory.Notifier) *Service {
	t.Helper()
	svc, err := NewService(Config{Chain: "calibnet"}, memory.NewQueue(), notifier)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestProcessMessageFormatsOutcomes(t *testing.T) {
	notifier := memory.NewNotifier()
	svc := newService(t, notifier)

	job := entity.NewSnapshotJob(entity.KindBuildHistoric, 0, 30_000, "v1", time.Now())

	uploaded := entity.NewStageEvent(job, entity.StageUpload, entity.OutcomeSucceeded, "", time.Now())
	uploaded.Artifact = &entity.SnapshotArtifact{EpochHeight: 30_000, SizeBytes: 5 << 30}
	svc.processMessage(context.Background(), queueMessage(t, uploaded))

	failed := entity.NewStageEvent(job, entity.StageSchedule, entity.OutcomeFailed, "job attempts exhausted", time.Now())
	svc.processMessage(context.Background(), queueMessage(t, failed))

	started := entity.NewStageEvent(job, entity.StageSchedule, entity.OutcomeStarted, "", time.Now())
	svc.processMessage(context.Background(), queueMessage(t, started))

	posts := notifier.Posts()
	if len(posts) != 3 {
		t.Fatalf("posts = %d, want 3", len(posts))
	}

	if posts[0].Severity != outbound.SeveritySuccess {
		t.Fatalf("uploaded severity = %s, want success", posts[0].Severity)
	}
	if !strings.Contains(posts[0].Message, "height=30000") || !strings.Contains(posts[0].Message, "5.0GiB") {
		t.Fatalf("uploaded message = %q", posts[0].Message)
	}
	if posts[1].Severity != outbound.SeverityFailed || !strings.Contains(posts[1].Message, "job attempts exhausted") {
		t.Fatalf("failed post = %+v", posts[1])
	}
	if posts[2].Severity != outbound.SeverityInfo {
		t.Fatalf("started severity = %s, want info", posts[2].Severity)
	}
	for _, p := range posts {
		if !strings.HasPrefix(p.Message, "[calibnet]") {
			t.Fatalf("message missing chain prefix: %q", p.Message)
		}
	}
}

func TestProcessMessageDropsOnPostFailure(t *testing.T) {
	notifier := memory.NewNotifier()
	notifier.PostErr = errors.New("channel unreachable")
	svc := newService(t, notifier)

	job := entity.NewSnapshotJob(entity.KindBuildLatest, 0, 0, "v1", time.Now())
	event := entity.NewStageEvent(job, entity.StageBuild, entity.OutcomeSucceeded, "", time.Now())

	// Must not panic or propagate; the event is logged and dropped.
	svc.processMessage(context.Background(), queueMessage(t, event))
	if len(notifier.Posts()) != 0 {
		t.Fatal("no posts should be recorded when the channel fails")
	}
}

func TestProcessMessageDropsUndecodable(t *testing.T) {
	notifier := memory.NewNotifier()
	svc := newService(t, notifier)

	svc.processMessage(context.Background(), outbound.QueueMessage{MessageID: "m-9", Body: "not json"})
	if len(notifier.Posts()) != 0 {
		t.Fatal("undecodable messages must be dropped")
	}
}
