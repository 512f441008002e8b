package clock_test

import (
	"testing"
	"time"

	"pkt.systems/batchd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	ch := clk.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	clk.Advance(5 * time.Second)
	select {
	case at := <-ch:
		if !at.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("timer did not fire after advance")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualSleepUnblocksOnAdvance(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		clk.Sleep(time.Second)
		close(done)
	}()
	for clk.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not return after advance")
	}
}
