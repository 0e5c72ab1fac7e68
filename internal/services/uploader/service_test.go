package uploader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/memory"
	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/retry"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/shared"
)

func writeArtifact(t *testing.T, kind entity.JobKind, variant entity.ArtifactVariant) *entity.SnapshotArtifact {
	t.Helper()
	name := "forest_snapshot_calibnet_2024-01-01_height_30000.forest.car.zst"
	if variant == entity.VariantDiff {
		name = "forest_diff_calibnet_2024-01-01_height_30000+3000.forest.car.zst"
	}
	path := filepath.Join(t.TempDir(), name)
	content := []byte("snapshot epoch=30000 depth=2000 format=v1\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	checksum, size, err := shared.FileChecksum(path)
	if err != nil {
		t.Fatalf("FileChecksum: %v", err)
	}
	job := entity.NewSnapshotJob(kind, 0, 30_000, "v1", time.Now())
	return &entity.SnapshotArtifact{
		JobID:       job.ID,
		Kind:        kind,
		Variant:     variant,
		FilePath:    path,
		EpochHeight: 30_000,
		Checksum:    checksum,
		SizeBytes:   size,
		ProducedAt:  time.Now().UTC(),
	}
}

func validatedMessage(t *testing.T, artifact *entity.SnapshotArtifact) outbound.QueueMessage {
	t.Helper()
	event := entity.StageEvent{
		JobID:     artifact.JobID,
		Kind:      artifact.Kind,
		Stage:     entity.StageValidate,
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

func newService(t *testing.T, store *memory.ObjectStore, broker *memory.Broker) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Chain:          "calibnet",
		HistoricBucket: "snapshots-historic",
		LatestBucket:   "snapshots-latest",
		Retry: retry.Config{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			Sleep:          func(context.Context, time.Duration) error { return nil },
		},
	}, memory.NewQueue(), store, broker, clock.NewFake(time.Unix(1_700_000_000, 0)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestProcessMessageUploadsAndConfirms(t *testing.T) {
	artifact := writeArtifact(t, entity.KindBuildHistoric, entity.VariantLite)
	store := memory.NewObjectStore()
	broker := memory.NewBroker()
	svc := newService(t, store, broker)

	if err := svc.ProcessMessage(context.Background(), validatedMessage(t, artifact)); err != nil {
		t.Fatalf("processMessage: %v", err)
	}

	key := "calibnet/lite/" + filepath.Base(artifact.FilePath)
	if _, ok := store.Object("snapshots-historic", key); !ok {
		t.Fatalf("main object missing at %s", key)
	}
	if _, ok := store.Object("snapshots-historic", key+".sha256sum"); !ok {
		t.Fatal("checksum sidecar missing")
	}
	if _, ok := store.Object("snapshots-historic", key+".metadata.json"); !ok {
		t.Fatal("metadata sidecar missing")
	}

	events := broker.Events()
	if len(events) != 1 || events[0].Outcome != entity.OutcomeSucceeded || events[0].Stage != entity.StageUpload {
		t.Fatalf("events = %+v, want one upload succeeded", events)
	}
	if events[0].Artifact == nil || events[0].Artifact.EpochHeight != 30_000 {
		t.Fatalf("succeeded event missing artifact: %+v", events[0])
	}

	if _, err := os.Stat(artifact.FilePath); !os.IsNotExist(err) {
		t.Fatal("local file must be deleted after confirmed upload")
	}
}

func TestProcessMessageLatestRoutesToLatestBucket(t *testing.T) {
	artifact := writeArtifact(t, entity.KindBuildLatest, entity.VariantLatest)
	store := memory.NewObjectStore()
	broker := memory.NewBroker()
	svc := newService(t, store, broker)

	if err := svc.ProcessMessage(context.Background(), validatedMessage(t, artifact)); err != nil {
		t.Fatalf("processMessage: %v", err)
	}

	key := "calibnet/latest/" + filepath.Base(artifact.FilePath)
	if _, ok := store.Object("snapshots-latest", key); !ok {
		t.Fatalf("latest object missing at %s", key)
	}
}

func TestProcessMessageDiffRoutesToDiffPrefix(t *testing.T) {
	artifact := writeArtifact(t, entity.KindBuildHistoric, entity.VariantDiff)
	store := memory.NewObjectStore()
	broker := memory.NewBroker()
	svc := newService(t, store, broker)

	if err := svc.ProcessMessage(context.Background(), validatedMessage(t, artifact)); err != nil {
		t.Fatalf("processMessage: %v", err)
	}

	key := "calibnet/diff/" + filepath.Base(artifact.FilePath)
	if _, ok := store.Object("snapshots-historic", key); !ok {
		t.Fatalf("diff object missing at %s", key)
	}
	events := broker.Events()
	if len(events) != 1 || events[0].Outcome != entity.OutcomeSucceeded {
		t.Fatalf("events = %+v, want one upload succeeded", events)
	}
	if events[0].Artifact == nil || events[0].Artifact.Variant != entity.VariantDiff {
		t.Fatalf("succeeded event lost the variant: %+v", events[0])
	}
}

func TestProcessMessageMismatchRetainsLocalFile(t *testing.T) {
	artifact := writeArtifact(t, entity.KindBuildHistoric, entity.VariantLite)
	store := memory.NewObjectStore()
	store.HeadChecksumOverride = "deadbeef"
	broker := memory.NewBroker()
	svc := newService(t, store, broker)

	if err := svc.ProcessMessage(context.Background(), validatedMessage(t, artifact)); err != nil {
		t.Fatalf("processMessage: %v", err)
	}

	events := broker.Events()
	if len(events) != 1 || events[0].Outcome != entity.OutcomeFailed {
		t.Fatalf("events = %+v, want one upload failed", events)
	}
	if events[0].Detail == "" {
		t.Fatal("failed event should explain the mismatch")
	}
	if _, err := os.Stat(artifact.FilePath); err != nil {
		t.Fatalf("artifact must be retained on failure: %v", err)
	}
}

func TestProcessMessageTransportErrorRedelivers(t *testing.T) {
	artifact := writeArtifact(t, entity.KindBuildHistoric, entity.VariantLite)
	store := memory.NewObjectStore()
	store.PutErr = errors.New("connection reset")
	broker := memory.NewBroker()
	svc := newService(t, store, broker)

	err := svc.ProcessMessage(context.Background(), validatedMessage(t, artifact))
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if len(broker.Events()) != 0 {
		t.Fatal("no outcome must be published on transport failure")
	}
	if _, statErr := os.Stat(artifact.FilePath); statErr != nil {
		t.Fatalf("artifact must be retained: %v", statErr)
	}
}

func TestProcessMessageReplaySkipsReupload(t *testing.T) {
	artifact := writeArtifact(t, entity.KindBuildHistoric, entity.VariantLite)
	store := memory.NewObjectStore()
	broker := memory.NewBroker()
	svc := newService(t, store, broker)

	msg := validatedMessage(t, artifact)
	if err := svc.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatalf("first processMessage: %v", err)
	}
	objects := store.Len()

	// Redelivery of the same hand-off after the local file is gone.
	if err := svc.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatalf("replayed processMessage: %v", err)
	}
	if store.Len() != objects {
		t.Fatalf("replay re-uploaded: %d objects, want %d", store.Len(), objects)
	}

	events := broker.Events()
	if len(events) != 2 || events[1].Outcome != entity.OutcomeSucceeded {
		t.Fatalf("events = %+v, want two succeeded", events)
	}
}
