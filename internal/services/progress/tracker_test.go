package progress

import (
	"testing"
	"time"

	"github.com/forest-ops/snapshot-pipeline/internal/pkg/clock"
)

func TestEstimateUnknownWithFewerThanTwoSamples(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	tracker := NewTracker(5, clk)

	if _, ok := tracker.EstimateCompletion(100); ok {
		t.Fatal("expected unknown estimate with no samples")
	}

	tracker.Sample(10)
	if _, ok := tracker.EstimateCompletion(100); ok {
		t.Fatal("expected unknown estimate with one sample")
	}
}

func TestEstimateUnknownWhenNotAdvancing(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	tracker := NewTracker(5, clk)

	tracker.Sample(50)
	clk.Advance(30 * time.Second)
	tracker.Sample(50)

	if _, ok := tracker.EstimateCompletion(100); ok {
		t.Fatal("expected unknown estimate when height is flat")
	}
}

func TestEstimateFromMeanRate(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	tracker := NewTracker(5, clk)

	// 1 epoch per 30s over the window.
	for h := uint64(100); h <= 104; h++ {
		tracker.Sample(h)
		clk.Advance(30 * time.Second)
	}

	eta, ok := tracker.EstimateCompletion(114)
	if !ok {
		t.Fatal("expected a known estimate")
	}
	want := 10 * 30 * time.Second
	if eta != want {
		t.Fatalf("eta = %s, want %s", eta, want)
	}
}

func TestEstimateZeroWhenTargetReached(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	tracker := NewTracker(5, clk)

	tracker.Sample(100)
	clk.Advance(30 * time.Second)
	tracker.Sample(110)

	eta, ok := tracker.EstimateCompletion(105)
	if !ok || eta != 0 {
		t.Fatalf("eta = %s ok = %v, want 0 true", eta, ok)
	}
}

func TestWindowDiscardsOldSamples(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	tracker := NewTracker(3, clk)

	// A burst of fast samples followed by a steady rate; only the steady
	// rate should survive in a window of three.
	tracker.Sample(0)
	clk.Advance(time.Second)
	tracker.Sample(1000)
	clk.Advance(30 * time.Second)
	tracker.Sample(1001)
	clk.Advance(30 * time.Second)
	tracker.Sample(1002)

	eta, ok := tracker.EstimateCompletion(1012)
	if !ok {
		t.Fatal("expected a known estimate")
	}
	want := 10 * 30 * time.Second
	if eta != want {
		t.Fatalf("eta = %s, want %s", eta, want)
	}

	if got := tracker.Current(); got != 1002 {
		t.Fatalf("current = %d, want 1002", got)
	}
}
