package clock

import (
	"testing"
	"time"
)

func TestRealNowIsUTC(t *testing.T) {
	if zone, _ := (Real{}).Now().Zone(); zone != "UTC" {
		t.Fatalf("expected UTC zone, got %s", zone)
	}
}

func TestManualAdvanceFiresWaiters(t *testing.T) {
	clk := NewManual(time.Unix(1000, 0))
	ch := clk.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatalf("waiter fired before advance")
	default:
	}
	clk.Advance(3 * time.Second)
	select {
	case <-ch:
		t.Fatalf("waiter fired early")
	default:
	}
	clk.Advance(2 * time.Second)
	select {
	case now := <-ch:
		if got := now.Unix(); got != 1005 {
			t.Fatalf("expected fire at 1005, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter did not fire after advance")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", clk.Pending())
	}
}

func TestManualFiresWaitersInDeadlineOrder(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	late := clk.After(10 * time.Second)
	early := clk.After(2 * time.Second)
	mid := clk.After(5 * time.Second)

	clk.Advance(20 * time.Second)
	for _, tc := range []struct {
		ch   <-chan time.Time
		unix int64
	}{
		{early, 2},
		{mid, 5},
		{late, 10},
	} {
		select {
		case got := <-tc.ch:
			// Each waiter observes its own deadline, not the sweep target.
			if got.Unix() != tc.unix {
				t.Fatalf("expected fire at %d, got %d", tc.unix, got.Unix())
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter due at %d never fired", tc.unix)
		}
	}
}

func TestManualAdvanceToNeverRewinds(t *testing.T) {
	clk := NewManual(time.Unix(100, 0))
	ch := clk.After(30 * time.Second)
	if got := clk.AdvanceTo(time.Unix(50, 0).UTC()); got.Unix() != 100 {
		t.Fatalf("clock rewound to %d", got.Unix())
	}
	if clk.Pending() != 1 {
		t.Fatalf("waiter dropped by backwards jump")
	}
	clk.AdvanceTo(time.Unix(200, 0).UTC())
	select {
	case got := <-ch:
		if got.Unix() != 130 {
			t.Fatalf("expected fire at 130, got %d", got.Unix())
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter did not fire after jump past its deadline")
	}
}

func TestManualAfterZeroFiresImmediately(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	case <-time.After(time.Second):
		t.Fatalf("zero-duration waiter did not fire")
	}
}
