// Package clock supplies time to components that schedule work, so tests
// can substitute a deterministic source for the runtime clock.
package clock

import "time"

// Clock abstracts the time operations used across the codebase. Production
// wiring injects NewSystemClock; tests inject NewManualClock and advance it
// explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc arms a one-shot timer that invokes fn once d has elapsed.
	AfterFunc(d time.Duration, fn func()) *Timer

	// NewTicker returns a ticker that delivers on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a scheduled one-shot callback armed through AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending callback. It reports false when the callback
// already ran or the timer was stopped before.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C until stopped. C is buffered with
// capacity one; ticks are dropped when the consumer falls behind.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

type systemClock struct{}

// NewSystemClock constructs a Clock backed by the standard time package.
func NewSystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := time.AfterFunc(d, fn)
	return &Timer{stop: timer.Stop}
}

func (systemClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
