package entity

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactVariant distinguishes the snapshot flavors a build emits. A
// historic window yields one lite snapshot plus diff snapshots at a fixed
// epoch spacing; the latest lane yields a single latest snapshot. The lite
// and latest variants gate their job; diffs ride the same validate/upload
// pipeline without gating it.
type ArtifactVariant string

const (
	VariantLite   ArtifactVariant = "lite"
	VariantDiff   ArtifactVariant = "diff"
	VariantLatest ArtifactVariant = "latest"
)

// SnapshotArtifact describes a snapshot file produced by a builder. It is
// immutable once created; later stages hand it off by reference (path +
// checksum) and never copy or rewrite it. The local file is deleted only
// after the uploader has confirmed the remote object matches the checksum.
type SnapshotArtifact struct {
	JobID       uuid.UUID       `json:"job_id"`
	Kind        JobKind         `json:"kind"`
	Variant     ArtifactVariant `json:"variant"`
	FilePath    string          `json:"file_path"`
	EpochHeight uint64          `json:"epoch_height"`
	// Checksum is the hex-encoded SHA-256 of the full file.
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"size_bytes"`
	ProducedAt time.Time `json:"produced_at"`
}
