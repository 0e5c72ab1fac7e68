// Package progress estimates how far the archive node is from a target
// epoch, based on recent height observations.
package progress

import (
	"sync"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
)

// DefaultWindow is how many height samples the tracker keeps.
const DefaultWindow = 20

// sample is one height observation.
type sample struct {
	at     time.Time
	height uint64
}

// Tracker keeps a sliding window of node height samples and derives a
// completion estimate from the mean advance rate across the window. With
// fewer than two samples, or when the node is not advancing, the estimate
// is unknown rather than a guess.
type Tracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	samples []sample
	window  int
}

// NewTracker creates a tracker keeping up to window samples. A window below
// two falls back to DefaultWindow.
func NewTracker(window int, clk clock.Clock) *Tracker {
	if window < 2 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		clock:   clk,
		samples: make([]sample, 0, window),
		window:  window,
	}
}

// Sample records the node's current height. Older samples beyond the window
// are discarded.
func (t *Tracker) Sample(height uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, sample{at: t.clock.Now(), height: height})
	if len(t.samples) > t.window {
		t.samples = t.samples[len(t.samples)-t.window:]
	}
}

// Current returns the most recently sampled height, or zero before any
// sample has been recorded.
func (t *Tracker) Current() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return 0
	}
	return t.samples[len(t.samples)-1].height
}

// EstimateCompletion returns how long until the node reaches target at the
// mean rate observed across the sample window. ok is false when no estimate
// can be made: fewer than two samples, no elapsed time between them, or a
// rate that is zero or negative. A target at or below the current height
// returns a zero duration. The returned duration is never negative.
func (t *Tracker) EstimateCompletion(target uint64) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < 2 {
		return 0, false
	}

	first := t.samples[0]
	last := t.samples[len(t.samples)-1]

	if last.height >= target {
		return 0, true
	}

	elapsed := last.at.Sub(first.at)
	if elapsed <= 0 || last.height <= first.height {
		return 0, false
	}

	rate := float64(last.height-first.height) / elapsed.Seconds()
	remaining := float64(target-last.height) / rate
	return time.Duration(remaining * float64(time.Second)), true
}
