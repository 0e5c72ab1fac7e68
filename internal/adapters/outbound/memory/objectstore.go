package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time check that ObjectStore implements outbound.ObjectStore.
var _ outbound.ObjectStore = (*ObjectStore)(nil)

type storedObject struct {
	data     []byte
	checksum string
}

// ObjectStore is an in-memory object store for tests. PutErr and the
// checksum override let tests inject transfer failures and read-back
// mismatches.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string]storedObject

	// PutErr, when set, fails every Put with this error.
	PutErr error
	// HeadChecksumOverride, when non-empty, is returned by every
	// HeadChecksum call, simulating a corrupted remote object.
	HeadChecksumOverride string
}

// NewObjectStore creates an empty in-memory object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string]storedObject)}
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

// Put stores the content under bucket/key.
func (s *ObjectStore) Put(_ context.Context, bucket, key string, content io.Reader, _ int64, sha256 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	s.objects[objectKey(bucket, key)] = storedObject{data: data, checksum: sha256}
	return nil
}

// HeadChecksum returns the stored checksum or outbound.ErrObjectNotFound.
func (s *ObjectStore) HeadChecksum(_ context.Context, bucket, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.HeadChecksumOverride != "" {
		return s.HeadChecksumOverride, nil
	}
	obj, ok := s.objects[objectKey(bucket, key)]
	if !ok {
		return "", outbound.ErrObjectNotFound
	}
	return obj.checksum, nil
}

// Object returns the stored bytes for bucket/key, for test assertions.
func (s *ObjectStore) Object(bucket, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectKey(bucket, key)]
	return obj.data, ok
}

// Len returns the number of stored objects.
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
