package memory

import (
	"context"
	"sync"

	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time check that Notifier implements outbound.Notifier.
var _ outbound.Notifier = (*Notifier)(nil)

// Notification is one recorded post.
type Notification struct {
	Message  string
	Severity outbound.Severity
}

// Notifier records every post for test inspection. PostErr simulates a
// failing channel so tests can assert the pipeline never blocks on it.
type Notifier struct {
	mu    sync.RWMutex
	posts []Notification

	PostErr error
}

// NewNotifier creates an empty recording notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Post records the message.
func (n *Notifier) Post(_ context.Context, message string, severity outbound.Severity) error {
	if n.PostErr != nil {
		return n.PostErr
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, Notification{Message: message, Severity: severity})
	return nil
}

// Posts returns all recorded notifications.
func (n *Notifier) Posts() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Notification, len(n.posts))
	copy(out, n.posts)
	return out
}
