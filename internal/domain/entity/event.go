package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the pipeline stage a StageEvent originates from.
type Stage string

const (
	StageSchedule Stage = "schedule"
	StageBuild    Stage = "build"
	StageValidate Stage = "validate"
	StageUpload   Stage = "upload"
)

// Outcome is the result a stage reports for a job attempt.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeSucceeded Outcome = "succeeded"
)

// StageEvent is the append-only record of a job's progress through the
// pipeline. Events are delivered through the broker and are never mutated
// after publish; the broker is the single source of truth for what happens
// next, so no stage polls another stage's internal state.
type StageEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	Stage     Stage     `json:"stage"`
	Outcome   Outcome   `json:"outcome"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
	// Artifact rides along on build/validate success events so downstream
	// consumers receive the hand-off by reference instead of scanning disk.
	Artifact *SnapshotArtifact `json:"artifact,omitempty"`
}

// NewStageEvent creates an event for the given job attempt.
func NewStageEvent(job *SnapshotJob, stage Stage, outcome Outcome, detail string, now time.Time) StageEvent {
	return StageEvent{
		JobID:     job.ID,
		Kind:      job.Kind,
		Stage:     stage,
		Outcome:   outcome,
		Attempt:   job.Attempts,
		Timestamp: now.UTC(),
		Detail:    detail,
	}
}

// Encode serializes the event for broker transport.
func (e StageEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stage event: %w", err)
	}
	return data, nil
}

// DecodeStageEvent parses an event from its broker representation.
func DecodeStageEvent(data []byte) (StageEvent, error) {
	var e StageEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return StageEvent{}, fmt.Errorf("failed to decode stage event: %w", err)
	}
	if e.Stage == "" || e.Outcome == "" {
		return StageEvent{}, fmt.Errorf("stage event missing stage or outcome")
	}
	return e, nil
}
