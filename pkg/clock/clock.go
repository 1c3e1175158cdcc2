// Package clock abstracts time so connection timers can be driven by a
// deterministic fake in tests. Production code injects Real(); tests inject
// Fake() and advance it explicitly. Components that schedule reconnects,
// health checks, or TTL expiry accept a Clock instead of calling the time
// package directly.
package clock

import "time"

// Clock is the time source injected into every component that reads the
// current time or schedules future work.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f in its own goroutine. The
	// returned Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering on its C channel every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable one-shot scheduled by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// the timer; false means it already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C until stopped. C has capacity 1; ticks
// are dropped, not queued, when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks are delivered after Stop returns; C is
// not closed.
func (t *Ticker) Stop() { t.stop() }
