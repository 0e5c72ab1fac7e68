package scheduler

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// nodeLock is the exclusive lock on the archive node. Exactly one build may
// drive the node at a time; the lock is typed to its holder so a release by
// anyone but the holder is an error instead of a silent steal.
type nodeLock struct {
	mu     sync.Mutex
	held   bool
	holder uuid.UUID
}

// TryAcquire takes the lock for the given job if it is free.
func (l *nodeLock) TryAcquire(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	l.holder = id
	return true
}

// Release frees the lock held by id.
func (l *nodeLock) Release(id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return fmt.Errorf("node lock not held")
	}
	if l.holder != id {
		return fmt.Errorf("node lock held by %s, not %s", l.holder, id)
	}
	l.held = false
	l.holder = uuid.UUID{}
	return nil
}

// Held reports whether any job holds the lock.
func (l *nodeLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
