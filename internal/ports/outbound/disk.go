package outbound

// DiskGuard reports free space on the snapshot volume. The value is advisory
// and read without locking: admission uses it as a floor check, nothing more.
type DiskGuard interface {
	FreeBytes(path string) (uint64, error)
}
