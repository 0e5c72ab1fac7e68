package outbound

import "context"

// Severity selects how a notification is decorated in the channel.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityFailed  Severity = "failed"
)

// Notifier is a fire-and-forget sink for operator-facing messages. A failed
// delivery is logged and dropped; it must never cause a pipeline stage to
// fail or retry.
type Notifier interface {
	Post(ctx context.Context, message string, severity Severity) error
}
