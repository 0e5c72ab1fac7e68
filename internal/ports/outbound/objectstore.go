package outbound

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by HeadChecksum when no object exists at the
// given key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the durable store completed snapshots are transferred to.
// An upload counts as successful only after a read-back confirms the remote
// checksum; a non-error put response alone is never trusted.
type ObjectStore interface {
	// Put uploads content under key, recording sha256 as the object's
	// checksum metadata.
	Put(ctx context.Context, bucket, key string, content io.Reader, sizeBytes int64, sha256 string) error

	// HeadChecksum returns the stored checksum for key, or
	// ErrObjectNotFound when the object does not exist.
	HeadChecksum(ctx context.Context, bucket, key string) (string, error)
}
