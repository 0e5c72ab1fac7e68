package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time check that Node implements outbound.ArchiveNode.
var _ outbound.ArchiveNode = (*Node)(nil)

// Node is a fake archive node for tests. Height advances only when tests
// move it; exports write deterministic file content so checksums are stable.
type Node struct {
	mu      sync.Mutex
	height  uint64
	synced  bool
	genesis int64
	dataDir string

	// ExportErr fails the next ExportSnapshot call. When LeavePartial is
	// also set, a truncated file is left behind, as a crashed export would.
	ExportErr    error
	LeavePartial bool

	// ArchiveErr fails every ExportArchive call.
	ArchiveErr error

	// ComputeErr fails every ComputeState call.
	ComputeErr error

	// BatchComputeErr fails only ComputeState calls covering more than one
	// epoch, forcing callers onto their per-epoch fallback.
	BatchComputeErr error

	// HeightErr fails every CurrentHeight call.
	HeightErr error

	// StateRoots maps epoch to the state root the node reports; missing
	// epochs return an empty root.
	StateRoots map[uint64]string

	exports  []outbound.ExportRequest
	archives []uint64
	computes [][2]uint64
}

// NewNode creates a synced fake node at the given height.
func NewNode(height uint64) *Node {
	return &Node{
		height:     height,
		synced:     true,
		genesis:    1598306400, // a fixed mainnet-like genesis
		dataDir:    os.TempDir(),
		StateRoots: make(map[uint64]string),
	}
}

// SetHeight moves the chain head.
func (n *Node) SetHeight(h uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.height = h
}

// SetSynced flips the sync status.
func (n *Node) SetSynced(synced bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.synced = synced
}

func (n *Node) CurrentHeight(_ context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.HeightErr != nil {
		return 0, n.HeightErr
	}
	return n.height, nil
}

func (n *Node) IsSynced(_ context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.synced, nil
}

func (n *Node) GenesisTimestamp(_ context.Context) (int64, error) {
	return n.genesis, nil
}

func (n *Node) ComputeState(_ context.Context, start, count uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ComputeErr != nil {
		return n.ComputeErr
	}
	if n.BatchComputeErr != nil && count > 1 {
		return n.BatchComputeErr
	}
	n.computes = append(n.computes, [2]uint64{start, count})
	return nil
}

func (n *Node) ExportSnapshot(_ context.Context, req outbound.ExportRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ExportErr != nil {
		err := n.ExportErr
		n.ExportErr = nil
		if n.LeavePartial {
			_ = os.WriteFile(req.OutputPath, []byte("partial"), 0o644)
		}
		return err
	}
	content := fmt.Sprintf("snapshot epoch=%d depth=%d format=%s\n", req.EndEpoch, req.Depth, req.Format)
	if err := os.WriteFile(req.OutputPath, []byte(content), 0o644); err != nil {
		return err
	}
	n.exports = append(n.exports, req)
	return nil
}

func (n *Node) ExportArchive(_ context.Context, epoch uint64, outputPath string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ArchiveErr != nil {
		return n.ArchiveErr
	}
	content := fmt.Sprintf("archive epoch=%d\n", epoch)
	if err := os.WriteFile(outputPath, []byte(content), 0o644); err != nil {
		return err
	}
	n.archives = append(n.archives, epoch)
	return nil
}

func (n *Node) ArchiveInfo(_ context.Context, path string) (outbound.ArchiveMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return outbound.ArchiveMetadata{}, err
	}
	var epoch, depth uint64
	var format string
	if _, err := fmt.Sscanf(string(data), "snapshot epoch=%d depth=%d format=%s", &epoch, &depth, &format); err != nil {
		return outbound.ArchiveMetadata{}, fmt.Errorf("unrecognized snapshot content: %w", err)
	}
	n.mu.Lock()
	root := n.StateRoots[epoch]
	n.mu.Unlock()
	return outbound.ArchiveMetadata{
		Epoch:      epoch,
		Network:    "calibnet",
		Format:     format,
		StateRoots: depth,
		HeadTipset: root,
		Raw:        map[string]string{"Epoch": fmt.Sprint(epoch)},
	}, nil
}

func (n *Node) StateRootAt(_ context.Context, epoch uint64) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.StateRoots[epoch], nil
}

func (n *Node) DataDir() string { return n.dataDir }

// Exports returns every export request the node served.
func (n *Node) Exports() []outbound.ExportRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]outbound.ExportRequest, len(n.exports))
	copy(out, n.exports)
	return out
}

// Archives returns the anchor epoch of every archive export the node served.
func (n *Node) Archives() []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]uint64, len(n.archives))
	copy(out, n.archives)
	return out
}

// Computes returns every (start, count) compute-state call.
func (n *Node) Computes() [][2]uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][2]uint64, len(n.computes))
	copy(out, n.computes)
	return out
}
