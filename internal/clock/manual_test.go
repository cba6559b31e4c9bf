package clock

import (
	"testing"
	"time"
)

func TestManualClockNowAdvances(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	manual := NewManualClock(start)
	if !manual.Now().Equal(start) {
		t.Fatalf("expected frozen start time, got %v", manual.Now())
	}
	manual.Advance(90 * time.Second)
	if !manual.Now().Equal(start.Add(90 * time.Second)) {
		t.Fatalf("unexpected time after advance: %v", manual.Now())
	}
}

func TestManualClockAfterDeliversOnAdvance(t *testing.T) {
	manual := NewManualClock(time.Unix(1700000000, 0))
	ch := manual.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatalf("channel must not deliver before the deadline")
	default:
	}

	manual.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatalf("channel delivered one second early")
	default:
	}

	manual.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(time.Unix(1700000005, 0)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatalf("channel should deliver once the deadline passes")
	}
}

func TestManualClockAfterFuncFiresInDeadlineOrder(t *testing.T) {
	manual := NewManualClock(time.Unix(1700000000, 0))
	var order []string
	manual.AfterFunc(10*time.Second, func() { order = append(order, "late") })
	manual.AfterFunc(2*time.Second, func() { order = append(order, "early") })

	manual.Advance(15 * time.Second)
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("callbacks fired out of order: %v", order)
	}
}

func TestManualClockAfterFuncStopPreventsFiring(t *testing.T) {
	manual := NewManualClock(time.Unix(1700000000, 0))
	fired := false
	timer := manual.AfterFunc(10*time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatalf("first stop on an armed timer should report true")
	}
	if timer.Stop() {
		t.Fatalf("second stop should report false")
	}
	manual.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer must not fire")
	}
	if manual.PendingTimers() != 0 {
		t.Fatalf("stopped timer should not count as pending, got %d", manual.PendingTimers())
	}
}

func TestManualClockAfterFuncNonPositiveRunsSynchronously(t *testing.T) {
	manual := NewManualClock(time.Unix(1700000000, 0))
	fired := false
	timer := manual.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Fatalf("zero-delay callback should run before AfterFunc returns")
	}
	if timer.Stop() {
		t.Fatalf("stop after firing should report false")
	}
}

func TestManualClockTickerRepeats(t *testing.T) {
	manual := NewManualClock(time.Unix(1700000000, 0))
	ticker := manual.NewTicker(time.Minute)
	defer ticker.Stop()

	ticks := 0
	for i := 0; i < 3; i++ {
		manual.Advance(time.Minute)
		select {
		case <-ticker.C:
			ticks++
		default:
			t.Fatalf("expected tick %d after advancing one interval", i+1)
		}
	}
	if ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}

	ticker.Stop()
	manual.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatalf("stopped ticker must not tick")
	default:
	}
}

func TestManualClockAwaitTimersUnblocksOnRegistration(t *testing.T) {
	manual := NewManualClock(time.Unix(1700000000, 0))
	done := make(chan struct{})
	go func() {
		manual.AwaitTimers(1)
		close(done)
	}()

	go manual.AfterFunc(time.Second, func() {})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("AwaitTimers did not observe the armed timer")
	}
}
