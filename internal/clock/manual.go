package clock

import (
	"sort"
	"sync"
	"time"
)

// ManualClock is a deterministic Clock for tests. Time moves only when
// Advance is called, and due timers fire in deadline order during the
// advance. AfterFunc callbacks run synchronously on the advancing
// goroutine, so a callback must not call Advance itself.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	changed *sync.Cond
	timers  []*manualTimer
}

type manualTimer struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	interval time.Duration
	stopped  bool
	fired    bool
}

// NewManualClock constructs a ManualClock frozen at the given instant.
func NewManualClock(initial time.Time) *ManualClock {
	c := &ManualClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past the
// deadline. A non-positive duration delivers immediately.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, &manualTimer{deadline: c.now.Add(d), ch: ch})
	c.changed.Broadcast()
	return ch
}

// AfterFunc arms fn to run once the clock advances past the deadline. A
// non-positive duration invokes fn synchronously before returning.
func (c *ManualClock) AfterFunc(d time.Duration, fn func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		fn()
		return &Timer{stop: func() bool { return false }}
	}
	entry := &manualTimer{deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, entry)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry.stopped || entry.fired {
			return false
		}
		entry.stopped = true
		return true
	}}
}

// NewTicker returns a ticker rescheduled every interval as the clock
// advances. An advance spanning several intervals fires once per interval,
// dropping ticks that overflow the single-slot buffer.
func (c *ManualClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: ticker interval must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	entry := &manualTimer{deadline: c.now.Add(d), ch: ch, interval: d}
	c.timers = append(c.timers, entry)
	c.changed.Broadcast()

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entry.stopped = true
	}}
}

// Advance moves the clock forward by d and fires every timer whose deadline
// falls within the new time.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, entry := range due {
			if entry.fn != nil {
				entry.fn()
				continue
			}
			select {
			case entry.ch <- target:
			default:
			}
		}
	}
}

func (c *ManualClock) takeDue(target time.Time) []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*manualTimer
	var keep []*manualTimer
	for _, entry := range c.timers {
		switch {
		case entry.stopped:
		case !entry.deadline.After(target):
			due = append(due, entry)
		default:
			keep = append(keep, entry)
		}
	}
	for _, entry := range due {
		if entry.interval > 0 {
			entry.deadline = entry.deadline.Add(entry.interval)
			keep = append(keep, entry)
		} else {
			entry.fired = true
		}
	}
	c.timers = keep
	return due
}

// AwaitTimers blocks until at least n timers are armed. It closes the race
// between a goroutine arming a timer and the test advancing time.
func (c *ManualClock) AwaitTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// PendingTimers reports how many timers are armed and not yet fired.
func (c *ManualClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *ManualClock) activeLocked() int {
	count := 0
	for _, entry := range c.timers {
		if !entry.stopped {
			count++
		}
	}
	return count
}
