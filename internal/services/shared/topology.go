// Package shared holds the broker topology and event envelope helpers used
// by every pipeline service.
package shared

// Topics names the fanout topics stage events are published to. Each topic
// fans out to the queues of every consumer interested in that stage, the way
// the per-stage exchanges fan out in the broker.
type Topics struct {
	// Build receives builder outcomes; the validate queue and the notify
	// queue subscribe.
	Build string
	// Validate receives validator outcomes; the upload queue, the scheduler
	// results queue and the notify queue subscribe.
	Validate string
	// Upload receives uploader outcomes; the scheduler results queue and
	// the notify queue subscribe.
	Upload string
	// Lifecycle receives scheduler lifecycle events (started, retrying,
	// failed, ETA); only the notify queue subscribes.
	Lifecycle string
}

// Queues names the per-consumer queues.
type Queues struct {
	Validate string
	Upload   string
	Results  string
	Notify   string
}

// DefaultTopics returns the topic names for a chain.
func DefaultTopics(chain string) Topics {
	return Topics{
		Build:     "snapshot-" + chain + "-build",
		Validate:  "snapshot-" + chain + "-validate",
		Upload:    "snapshot-" + chain + "-upload",
		Lifecycle: "snapshot-" + chain + "-lifecycle",
	}
}

// DefaultQueues returns the queue names for a chain.
func DefaultQueues(chain string) Queues {
	return Queues{
		Validate: "snapshot-" + chain + "-validate-queue",
		Upload:   "snapshot-" + chain + "-upload-queue",
		Results:  "snapshot-" + chain + "-results-queue",
		Notify:   "snapshot-" + chain + "-notify-queue",
	}
}
