package entity

import (
	"errors"
	"fmt"
)

// AdmissionReason explains why the scheduler declined to admit a job.
type AdmissionReason string

const (
	ReasonLockHeld       AdmissionReason = "node lock held"
	ReasonDiskFloor      AdmissionReason = "free space below floor"
	ReasonWindowDone     AdmissionReason = "epoch window already completed"
	ReasonWindowUnsynced AdmissionReason = "epoch window beyond synced height"
	ReasonDelayPending   AdmissionReason = "delay since last run not elapsed"
	ReasonJobOpen        AdmissionReason = "job of this kind still open"
	ReasonNotSynced      AdmissionReason = "node not synced"
	ReasonStateMissing   AdmissionReason = "state not computed through window"
	ReasonBackoffPending AdmissionReason = "retry backoff not elapsed"
)

// AdmissionDenied is the expected, non-error outcome of TryAdmit when the
// admission conditions do not hold. It carries no failure semantics.
type AdmissionDenied struct {
	Kind   JobKind
	Reason AdmissionReason
}

func (e *AdmissionDenied) Error() string {
	return fmt.Sprintf("admission denied for %s: %s", e.Kind, e.Reason)
}

// IsAdmissionDenied reports whether err is an admission denial and returns it.
func IsAdmissionDenied(err error) (*AdmissionDenied, bool) {
	var denied *AdmissionDenied
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}

// Transient failures retried with backoff inside the owning stage.
var (
	// ErrNodeUnavailable wraps node RPC or process failures that should be
	// retried with backoff.
	ErrNodeUnavailable = errors.New("archive node unavailable")

	// ErrExportFailed marks a node-reported error mid-export. The partial
	// output file must be removed before retry.
	ErrExportFailed = errors.New("snapshot export failed")

	// ErrValidationFailed marks an artifact that did not re-verify. The
	// artifact is deleted and the job requeued for rebuild.
	ErrValidationFailed = errors.New("snapshot validation failed")

	// ErrUploadFailed marks a transient upload failure. The artifact is
	// retained on disk and the stage retries.
	ErrUploadFailed = errors.New("snapshot upload failed")

	// ErrAttemptsExhausted is the terminal per-job failure after the retry
	// budget is spent. Requires operator action.
	ErrAttemptsExhausted = errors.New("job attempts exhausted")

	// ErrConfigInvalid is fatal at startup; the process exits rather than
	// running in an undefined state.
	ErrConfigInvalid = errors.New("invalid configuration")
)
