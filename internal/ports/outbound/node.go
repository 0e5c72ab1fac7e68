// Package outbound defines the driven-side ports of the snapshot pipeline.
package outbound

import (
	"context"
)

// ExportRequest describes one snapshot export driven against the node.
type ExportRequest struct {
	// EndEpoch is the epoch the snapshot head is anchored at.
	EndEpoch uint64
	// Depth is how many state roots the snapshot includes below the head.
	Depth uint64
	// Format is the snapshot format tag (e.g. "v1", "v2").
	Format string
	// OutputPath is the file the node writes the snapshot to.
	OutputPath string
	// SourcePath is an existing archive snapshot the export reads from
	// instead of the node's store; empty exports straight from the node.
	SourcePath string
	// Diff marks a diff-style export layered on the window ending at
	// DiffBase, carrying DiffDepth state roots.
	Diff      bool
	DiffBase  uint64
	DiffDepth uint64
}

// ArchiveMetadata is the node's own description of a snapshot file,
// re-derived independently of the builder's bookkeeping.
type ArchiveMetadata struct {
	Epoch      uint64
	Network    string
	Format     string
	StateRoots uint64
	HeadTipset string
	// Raw preserves every key/value pair the archive tooling reported.
	Raw map[string]string
}

// ArchiveNode is the adapter boundary to the chain node. The pipeline treats
// the node as an opaque process exposing height, sync status and export
// operations; it never reaches into the node's state computation.
type ArchiveNode interface {
	// CurrentHeight returns the node's current chain head epoch.
	CurrentHeight(ctx context.Context) (uint64, error)

	// IsSynced reports whether the node has caught up with the chain.
	IsSynced(ctx context.Context) (bool, error)

	// GenesisTimestamp returns the unix timestamp of the genesis block,
	// used to derive calendar dates from epochs.
	GenesisTimestamp(ctx context.Context) (int64, error)

	// ComputeState materializes chain state for count epochs starting at
	// start. Builders depend on computed state being present.
	ComputeState(ctx context.Context, start, count uint64) error

	// ExportSnapshot drives the node to write a snapshot file. A non-nil
	// error may leave a partial file at req.OutputPath; the caller removes it.
	ExportSnapshot(ctx context.Context, req ExportRequest) error

	// ExportArchive writes a full archive snapshot anchored at epoch. It is
	// the source material lite and diff exports are cut from.
	ExportArchive(ctx context.Context, epoch uint64, outputPath string) error

	// ArchiveInfo re-derives the metadata of a snapshot file from the file
	// itself, independent of whoever produced it.
	ArchiveInfo(ctx context.Context, path string) (ArchiveMetadata, error)

	// StateRootAt returns the node's view of the state root at an epoch, or
	// an empty string when the node cannot serve that height.
	StateRootAt(ctx context.Context, epoch uint64) (string, error)

	// DataDir returns the node's data directory path.
	DataDir() string
}
