//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
)

// setupStore starts a PostgreSQL container and returns a connected store.
func setupStore(t *testing.T) (*StateStore, *pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("failed to start container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := OpenPool(ctx, DBConfig{URL: dsn})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	store, err := NewStateStore(ctx, pool, "calibnet")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		pool.Close()
	}
	return store, pool, cleanup
}

func TestStateStoreWatermarkPerKind(t *testing.T) {
	store, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	wm, err := store.Watermark(ctx, entity.KindBuildHistoric)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm != 0 {
		t.Fatalf("fresh watermark = %d, want 0", wm)
	}

	if err := store.AdvanceWatermark(ctx, entity.KindBuildHistoric, 30000); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.AdvanceWatermark(ctx, entity.KindComputeState, 2880); err != nil {
		t.Fatalf("advance: %v", err)
	}

	wm, err = store.Watermark(ctx, entity.KindBuildHistoric)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm != 30000 {
		t.Fatalf("historic watermark = %d, want 30000", wm)
	}
	wm, err = store.Watermark(ctx, entity.KindComputeState)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm != 2880 {
		t.Fatalf("compute watermark = %d, want 2880", wm)
	}

	// Replayed lower epoch must not move the watermark backwards.
	if err := store.AdvanceWatermark(ctx, entity.KindBuildHistoric, 10000); err != nil {
		t.Fatalf("advance: %v", err)
	}
	wm, err = store.Watermark(ctx, entity.KindBuildHistoric)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm != 30000 {
		t.Fatalf("watermark after stale advance = %d, want 30000", wm)
	}
}

func TestStateStoreLastRunRoundTrip(t *testing.T) {
	store, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	last, err := store.LastRun(ctx, entity.KindBuildLatest)
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if !last.IsZero() {
		t.Fatalf("fresh last run = %v, want zero", last)
	}

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.RecordRun(ctx, entity.KindBuildLatest, at); err != nil {
		t.Fatalf("record run: %v", err)
	}
	last, err = store.LastRun(ctx, entity.KindBuildLatest)
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if !last.Equal(at) {
		t.Fatalf("last run = %v, want %v", last, at)
	}
}

func TestStateStoreOpenJobsSurviveRestart(t *testing.T) {
	store, pool, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	open := entity.NewSnapshotJob(entity.KindBuildHistoric, 0, 30000, "v1", now)
	open.Status = entity.StatusValidating
	open.Attempts = 1
	done := entity.NewSnapshotJob(entity.KindBuildLatest, 50000, 0, "v1", now)
	done.Status = entity.StatusSucceeded

	if err := store.SaveJob(ctx, open); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if err := store.SaveJob(ctx, done); err != nil {
		t.Fatalf("save job: %v", err)
	}

	// A new store over the same pool models process restart.
	restarted, err := NewStateStore(ctx, pool, "calibnet")
	if err != nil {
		t.Fatalf("failed to recreate store: %v", err)
	}
	jobs, err := restarted.OpenJobs(ctx)
	if err != nil {
		t.Fatalf("open jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("open jobs = %d, want 1", len(jobs))
	}
	got := jobs[0]
	if got.ID != open.ID {
		t.Fatalf("job ID = %s, want %s", got.ID, open.ID)
	}
	if got.Kind != entity.KindBuildHistoric || got.Status != entity.StatusValidating {
		t.Fatalf("job restored as %s/%s", got.Kind, got.Status)
	}
	if got.StartEpoch != 0 || got.EndEpoch != 30000 || got.Attempts != 1 {
		t.Fatalf("job fields not restored: %+v", got)
	}
}

func TestStateStoreScopesByChain(t *testing.T) {
	store, pool, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.AdvanceWatermark(ctx, entity.KindBuildHistoric, 30000); err != nil {
		t.Fatalf("advance: %v", err)
	}

	other, err := NewStateStore(ctx, pool, "mainnet")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	wm, err := other.Watermark(ctx, entity.KindBuildHistoric)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm != 0 {
		t.Fatalf("other chain watermark = %d, want 0", wm)
	}
}
