// Package entity defines the domain model of the snapshot pipeline: jobs,
// artifacts, stage events and the error taxonomy shared by all services.
package entity

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies which stage family a job drives against the archive node.
type JobKind string

const (
	KindComputeState  JobKind = "compute_state"
	KindBuildHistoric JobKind = "build_historic"
	KindBuildLatest   JobKind = "build_latest"
)

// Kinds lists all job kinds in scheduling priority order. Compute-state
// establishes the state required by the builds, and historic backfill is
// time-insensitive compared to the recurring latest build.
func Kinds() []JobKind {
	return []JobKind{KindComputeState, KindBuildHistoric, KindBuildLatest}
}

// Valid reports whether k names a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindComputeState, KindBuildHistoric, KindBuildLatest:
		return true
	}
	return false
}

// JobStatus tracks a job through its lifecycle. A job is non-terminal from
// Pending through Uploading; only Succeeded and Failed are terminal.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusBuilding   JobStatus = "building"
	StatusValidating JobStatus = "validating"
	StatusUploading  JobStatus = "uploading"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// SnapshotJob is a unit of work admitted by the scheduler. The scheduler is
// the single writer of job state; stages report outcomes through the broker
// rather than mutating the job directly.
type SnapshotJob struct {
	ID         uuid.UUID `json:"id"`
	Kind       JobKind   `json:"kind"`
	StartEpoch uint64    `json:"start_epoch"`
	// EndEpoch is zero for compute_state and build_latest jobs, where the
	// node decides the exact head epoch at export time.
	EndEpoch  uint64    `json:"end_epoch,omitempty"`
	Format    string    `json:"format"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
}

// NewSnapshotJob creates a pending job for the given kind and epoch window.
func NewSnapshotJob(kind JobKind, startEpoch, endEpoch uint64, format string, now time.Time) *SnapshotJob {
	return &SnapshotJob{
		ID:         uuid.New(),
		Kind:       kind,
		StartEpoch: startEpoch,
		EndEpoch:   endEpoch,
		Format:     format,
		Status:     StatusPending,
		CreatedAt:  now.UTC(),
	}
}

// Window returns the epoch window the job covers. For kinds without a fixed
// end epoch the window collapses to the start epoch.
func (j *SnapshotJob) Window() (uint64, uint64) {
	end := j.EndEpoch
	if end == 0 {
		end = j.StartEpoch
	}
	return j.StartEpoch, end
}
