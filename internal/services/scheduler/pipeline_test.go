package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/adapters/outbound/memory"
	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/retry"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/forest-ops/snapshot-pipeline/internal/services/builder"
	"github.com/forest-ops/snapshot-pipeline/internal/services/progress"
	"github.com/forest-ops/snapshot-pipeline/internal/services/uploader"
	"github.com/forest-ops/snapshot-pipeline/internal/services/validator"
)

// pipeline wires a full in-memory pipeline: scheduler with a real builder,
// validator and uploader connected through the fanout broker, exactly as the
// production topology subscribes them.
type pipeline struct {
	sched     *Service
	validator *validator.Service
	uploader  *uploader.Service
	node      *memory.Node
	store     *memory.StateStore
	objects   *memory.ObjectStore
	broker    *memory.Broker
	validateQ *memory.Queue
	uploadQ   *memory.Queue
	resultsQ  *memory.Queue
	clock     *clock.Fake
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	node := memory.NewNode(100_000)
	store := memory.NewStateStore()
	objects := memory.NewObjectStore()
	brk := memory.NewBroker()

	validateQ := brk.Subscribe(string(entity.StageBuild))
	uploadQ := brk.Subscribe(string(entity.StageValidate))
	resultsQ := brk.Subscribe(string(entity.StageValidate))
	brk.SubscribeQueue(string(entity.StageUpload), resultsQ)

	// A wide diff step keeps the first historic window down to one lite
	// snapshot plus a single diff.
	bld, err := builder.NewBuilder(builder.Config{
		Chain:     "calibnet",
		OutputDir: t.TempDir(),
		DiffStep:  15_000,
	}, node, clk)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	sched, err := NewService(Config{
		Chain:       "calibnet",
		DiskPath:    "/snapshots",
		MaxAttempts: 3,
		Retry:       retry.Config{MaxRetries: 3, InitialBackoff: time.Minute, BackoffFactor: 2.0},
	}, node, memory.NewDiskGuard(1<<40), store, brk, resultsQ, bld, progress.NewTracker(progress.DefaultWindow, clk), clk)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	val, err := validator.NewService(validator.Config{}, validateQ, node, brk, clk)
	if err != nil {
		t.Fatalf("validator.NewService: %v", err)
	}

	upl, err := uploader.NewService(uploader.Config{
		Chain:          "calibnet",
		HistoricBucket: "snapshots-historic",
		LatestBucket:   "snapshots-latest",
		Retry: retry.Config{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			Sleep:          func(context.Context, time.Duration) error { return nil },
		},
	}, uploadQ, objects, brk, clk)
	if err != nil {
		t.Fatalf("uploader.NewService: %v", err)
	}

	return &pipeline{
		sched:     sched,
		validator: val,
		uploader:  upl,
		node:      node,
		store:     store,
		objects:   objects,
		broker:    brk,
		validateQ: validateQ,
		uploadQ:   uploadQ,
		resultsQ:  resultsQ,
		clock:     clk,
	}
}

// pump drains one queue through a handler, acknowledging handled messages.
func pump(t *testing.T, q *memory.Queue, handle func(context.Context, outbound.QueueMessage) error) int {
	t.Helper()
	msgs, err := q.ReceiveMessages(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}
	for _, msg := range msgs {
		if err := handle(context.Background(), msg); err != nil {
			t.Fatalf("handle message: %v", err)
		}
		if err := q.DeleteMessage(context.Background(), msg.ReceiptHandle); err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
	}
	return len(msgs)
}

func (p *pipeline) pumpResults(t *testing.T) int {
	t.Helper()
	return pump(t, p.resultsQ, func(ctx context.Context, msg outbound.QueueMessage) error {
		event, err := entity.DecodeStageEvent([]byte(msg.Body))
		if err != nil {
			return err
		}
		return p.sched.HandleResult(ctx, event)
	})
}

func TestPipelineHistoricSnapshotEndToEnd(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	if err := p.store.AdvanceWatermark(ctx, entity.KindComputeState, 100_000); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}

	job, err := p.sched.TryAdmit(ctx, entity.KindBuildHistoric)
	if err != nil {
		t.Fatalf("TryAdmit: %v", err)
	}
	p.sched.runJob(ctx, job)

	if n := pump(t, p.validateQ, p.validator.ProcessMessage); n != 2 {
		t.Fatalf("validated %d messages, want lite plus diff", n)
	}
	if p.pumpResults(t) == 0 {
		t.Fatal("no validate outcome reached the scheduler")
	}
	if job.Status != entity.StatusUploading {
		t.Fatalf("status = %s, want uploading", job.Status)
	}

	if n := pump(t, p.uploadQ, p.uploader.ProcessMessage); n != 2 {
		t.Fatalf("uploaded %d messages, want lite plus diff", n)
	}
	if p.pumpResults(t) == 0 {
		t.Fatal("no upload outcome reached the scheduler")
	}

	if job.Status != entity.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", job.Status)
	}
	wm, err := p.store.Watermark(ctx, entity.KindBuildHistoric)
	if err != nil || wm != 30_000 {
		t.Fatalf("historic watermark = %d (%v), want 30000", wm, err)
	}
	if p.objects.Len() != 6 {
		t.Fatalf("objects = %d, want two snapshots with two sidecars each", p.objects.Len())
	}

	// Validation strictly precedes upload in the event trace.
	var validateIdx, uploadIdx = -1, -1
	for i, e := range p.broker.Events() {
		if e.Stage == entity.StageValidate && e.Outcome == entity.OutcomeSucceeded && validateIdx < 0 {
			validateIdx = i
		}
		if e.Stage == entity.StageUpload && e.Outcome == entity.OutcomeSucceeded && uploadIdx < 0 {
			uploadIdx = i
		}
	}
	if validateIdx < 0 || uploadIdx < 0 || validateIdx > uploadIdx {
		t.Fatalf("event order: validate at %d, upload at %d", validateIdx, uploadIdx)
	}
}

func TestPipelineCorruptArtifactIsRejectedAndRebuilt(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	if err := p.store.AdvanceWatermark(ctx, entity.KindComputeState, 100_000); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}

	job, err := p.sched.TryAdmit(ctx, entity.KindBuildHistoric)
	if err != nil {
		t.Fatalf("TryAdmit: %v", err)
	}
	p.sched.runJob(ctx, job)

	// Corrupt the artifact on disk between build and validation.
	p.sched.mu.Lock()
	artifact := p.sched.open[entity.KindBuildHistoric].artifact
	p.sched.mu.Unlock()
	if artifact == nil {
		t.Fatal("no artifact recorded after build")
	}
	if err := os.WriteFile(artifact.FilePath, []byte("bit rot"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pump(t, p.validateQ, p.validator.ProcessMessage)
	p.pumpResults(t)

	if job.Status != entity.StatusPending || job.Attempts != 1 {
		t.Fatalf("status = %s attempts = %d, want pending 1", job.Status, job.Attempts)
	}
	if _, err := os.Stat(artifact.FilePath); !os.IsNotExist(err) {
		t.Fatal("rejected artifact must be deleted")
	}
	if p.objects.Len() != 0 {
		t.Fatalf("objects = %d, corrupt snapshot must never reach the store", p.objects.Len())
	}

	// The rebuild succeeds after the backoff.
	p.clock.Advance(time.Hour)
	job, err = p.sched.TryAdmit(ctx, entity.KindBuildHistoric)
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	p.sched.runJob(ctx, job)
	pump(t, p.validateQ, p.validator.ProcessMessage)
	p.pumpResults(t)
	if job.Status != entity.StatusUploading {
		t.Fatalf("status = %s, want uploading after rebuild", job.Status)
	}
}

func TestPipelineComputeThenHistoricPriority(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.node.SetHeight(31_000)
	p.node.SetSynced(false)

	// With no computed state, compute-state wins admission; historic is
	// denied until the state watermark covers its window.
	for i := 0; i < 11; i++ {
		job, err := p.sched.TryAdmit(ctx, entity.KindComputeState)
		if err != nil {
			denied, ok := entity.IsAdmissionDenied(err)
			if ok && denied.Reason == entity.ReasonWindowDone {
				break
			}
			t.Fatalf("TryAdmit compute: %v", err)
		}
		if job.Kind != entity.KindComputeState {
			t.Fatalf("kind = %s", job.Kind)
		}
		p.sched.runJob(ctx, job)
		if job.Status != entity.StatusSucceeded {
			t.Fatalf("compute status = %s", job.Status)
		}
	}

	wm, err := p.store.Watermark(ctx, entity.KindComputeState)
	if err != nil || wm != 31_000 {
		t.Fatalf("compute watermark = %d (%v), want 31000", wm, err)
	}

	job, err := p.sched.TryAdmit(ctx, entity.KindBuildHistoric)
	if err != nil {
		t.Fatalf("TryAdmit historic: %v", err)
	}
	if job.StartEpoch != 0 || job.EndEpoch != 30_000 {
		t.Fatalf("window = [%d, %d]", job.StartEpoch, job.EndEpoch)
	}
}
