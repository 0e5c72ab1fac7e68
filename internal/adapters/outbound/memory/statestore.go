package memory

import (
	"context"
	"sync"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
	"github.com/google/uuid"
)

// Compile-time check that StateStore implements outbound.StateStore.
var _ outbound.StateStore = (*StateStore)(nil)

// StateStore is an in-memory scheduler state store for tests.
type StateStore struct {
	mu         sync.RWMutex
	watermarks map[entity.JobKind]uint64
	lastRuns   map[entity.JobKind]time.Time
	jobs       map[uuid.UUID]*entity.SnapshotJob
}

// NewStateStore creates an empty in-memory state store.
func NewStateStore() *StateStore {
	return &StateStore{
		watermarks: make(map[entity.JobKind]uint64),
		lastRuns:   make(map[entity.JobKind]time.Time),
		jobs:       make(map[uuid.UUID]*entity.SnapshotJob),
	}
}

// Watermark returns the current watermark for kind.
func (s *StateStore) Watermark(_ context.Context, kind entity.JobKind) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[kind], nil
}

// AdvanceWatermark raises the kind's watermark; lower values are ignored.
func (s *StateStore) AdvanceWatermark(_ context.Context, kind entity.JobKind, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch > s.watermarks[kind] {
		s.watermarks[kind] = epoch
	}
	return nil
}

// LastRun returns the last success time for kind, zero when never run.
func (s *StateStore) LastRun(_ context.Context, kind entity.JobKind) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRuns[kind], nil
}

// RecordRun stores the success time for kind.
func (s *StateStore) RecordRun(_ context.Context, kind entity.JobKind, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRuns[kind] = t
	return nil
}

// SaveJob inserts or updates a job record.
func (s *StateStore) SaveJob(_ context.Context, job *entity.SnapshotJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

// OpenJobs returns all non-terminal jobs.
func (s *StateStore) OpenJobs(_ context.Context) ([]*entity.SnapshotJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []*entity.SnapshotJob
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			copied := *job
			open = append(open, &copied)
		}
	}
	return open, nil
}

// Job returns the stored record for id, for test assertions.
func (s *StateStore) Job(id uuid.UUID) (*entity.SnapshotJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	copied := *job
	return &copied, true
}
