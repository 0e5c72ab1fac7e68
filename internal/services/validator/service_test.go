package validator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/memory"
	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/shared"
)

// writeSnapshot writes a file the fake node's archive tooling can read back
// and returns the matching artifact.
func writeSnapshot(t *testing.T, dir string, epoch uint64) *entity.SnapshotArtifact {
	t.Helper()
	node := memory.NewNode(epoch + 100)
	path := filepath.Join(dir, "snap.forest.car.zst")
	err := node.ExportSnapshot(context.Background(), outbound.ExportRequest{
		EndEpoch:   epoch,
		Depth:      2000,
		Format:     "v1",
		OutputPath: path,
	})
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	checksum, size, err := shared.FileChecksum(path)
	if err != nil {
		t.Fatalf("FileChecksum: %v", err)
	}
	job := entity.NewSnapshotJob(entity.KindBuildHistoric, 0, epoch, "v1", time.Now())
	return &entity.SnapshotArtifact{
		JobID:       job.ID,
		Kind:        job.Kind,
		FilePath:    path,
		EpochHeight: epoch,
		Checksum:    checksum,
		SizeBytes:   size,
		ProducedAt:  time.Now().UTC(),
	}
}

func buildMessage(t *testing.T, artifact *entity.SnapshotArtifact) outbound.QueueMessage {
	t.Helper()
	event := entity.StageEvent{
		JobID:     artifact.JobID,
		Kind:      artifact.Kind,
		Stage:     entity.StageBuild,
		Outcome:   entity.OutcomeSucceeded,
		Timestamp: time.Now().UTC(),
		Artifact:  artifact,
	}
	body, err := event.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return outbound.QueueMessage{MessageID: "m-1", ReceiptHandle: "h-1", Body: string(body)}
}

func newService(t *testing.T, node *memory.Node, broker *memory.Broker) *Service {
	t.Helper()
	svc, err := NewService(Config{}, memory.NewQueue(), node, broker, clock.NewFake(time.Unix(1_700_000_000, 0)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestProcessMessageValidArtifact(t *testing.T) {
	dir := t.TempDir()
	artifact := writeSnapshot(t, dir, 30_000)
	node := memory.NewNode(31_000)
	broker := memory.NewBroker()
	svc := newService(t, node, broker)

	if err := svc.ProcessMessage(context.Background(), buildMessage(t, artifact)); err != nil {
		t.Fatalf("processMessage: %v", err)
	}

	events := broker.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Stage != entity.StageValidate || e.Outcome != entity.OutcomeSucceeded {
		t.Fatalf("event = %s/%s", e.Stage, e.Outcome)
	}
	if e.Artifact == nil || e.Artifact.FilePath != artifact.FilePath {
		t.Fatalf("artifact missing from validated event: %+v", e)
	}
	if _, err := os.Stat(artifact.FilePath); err != nil {
		t.Fatalf("valid artifact must not be deleted: %v", err)
	}
}

func TestProcessMessageChecksumMismatchDeletesArtifact(t *testing.T) {
	dir := t.TempDir()
	artifact := writeSnapshot(t, dir, 30_000)
	artifact.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	node := memory.NewNode(31_000)
	broker := memory.NewBroker()
	svc := newService(t, node, broker)

	if err := svc.ProcessMessage(context.Background(), buildMessage(t, artifact)); err != nil {
		t.Fatalf("processMessage: %v", err)
	}

	events := broker.Events()
	if len(events) != 1 || events[0].Outcome != entity.OutcomeFailed {
		t.Fatalf("events = %+v, want one failed", events)
	}
	if events[0].Detail == "" {
		t.Fatal("failed event should explain the mismatch")
	}
	if events[0].Artifact == nil || events[0].Artifact.FilePath != artifact.FilePath {
		t.Fatalf("failed event must still carry the artifact: %+v", events[0])
	}
	if _, err := os.Stat(artifact.FilePath); !os.IsNotExist(err) {
		t.Fatal("rejected artifact must be deleted")
	}
}

func TestProcessMessageEpochMismatchDeletesArtifact(t *testing.T) {
	dir := t.TempDir()
	artifact := writeSnapshot(t, dir, 30_000)
	artifact.EpochHeight = 29_000
	node := memory.NewNode(31_000)
	broker := memory.NewBroker()
	svc := newService(t, node, broker)

	if err := svc.ProcessMessage(context.Background(), buildMessage(t, artifact)); err != nil {
		t.Fatalf("processMessage: %v", err)
	}

	events := broker.Events()
	if len(events) != 1 || events[0].Outcome != entity.OutcomeFailed {
		t.Fatalf("events = %+v, want one failed", events)
	}
	if _, err := os.Stat(artifact.FilePath); !os.IsNotExist(err) {
		t.Fatal("rejected artifact must be deleted")
	}
}

func TestProcessMessageMissingFileFails(t *testing.T) {
	artifact := writeSnapshot(t, t.TempDir(), 30_000)
	if err := os.Remove(artifact.FilePath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	node := memory.NewNode(31_000)
	broker := memory.NewBroker()
	svc := newService(t, node, broker)

	if err := svc.ProcessMessage(context.Background(), buildMessage(t, artifact)); err != nil {
		t.Fatalf("processMessage: %v", err)
	}

	events := broker.Events()
	if len(events) != 1 || events[0].Outcome != entity.OutcomeFailed {
		t.Fatalf("events = %+v, want one failed", events)
	}
}

func TestProcessMessageIgnoresNonBuildEvents(t *testing.T) {
	node := memory.NewNode(31_000)
	broker := memory.NewBroker()
	svc := newService(t, node, broker)

	job := entity.NewSnapshotJob(entity.KindBuildLatest, 0, 0, "v1", time.Now())
	event := entity.NewStageEvent(job, entity.StageSchedule, entity.OutcomeStarted, "", time.Now())
	body, err := event.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg := outbound.QueueMessage{MessageID: "m-2", ReceiptHandle: "h-2", Body: string(body)}

	if err := svc.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage: %v", err)
	}
	if len(broker.Events()) != 0 {
		t.Fatal("non-build events must not produce outcomes")
	}
}
