// Package disk provides the statfs-based disk guard for the snapshot volume.
package disk

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time check that Guard implements outbound.DiskGuard.
var _ outbound.DiskGuard = (*Guard)(nil)

// Guard reports free space on the filesystem backing a path.
type Guard struct{}

// NewGuard creates a disk guard.
func NewGuard() *Guard {
	return &Guard{}
}

// FreeBytes returns the bytes available to unprivileged processes on the
// filesystem containing path.
func (Guard) FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
