package memory

import (
	"sync"

	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time check that DiskGuard implements outbound.DiskGuard.
var _ outbound.DiskGuard = (*DiskGuard)(nil)

// DiskGuard reports a fixed free-space figure for tests.
type DiskGuard struct {
	mu   sync.Mutex
	free uint64
	err  error
}

// NewDiskGuard creates a guard reporting free bytes.
func NewDiskGuard(free uint64) *DiskGuard {
	return &DiskGuard{free: free}
}

// SetFree changes the reported free space.
func (d *DiskGuard) SetFree(free uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free = free
}

// SetErr makes FreeBytes fail.
func (d *DiskGuard) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// FreeBytes returns the configured free space.
func (d *DiskGuard) FreeBytes(string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	return d.free, nil
}
