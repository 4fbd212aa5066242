// Package timeutil abstracts the clock behind an interface so frame
// pacing, barrier timeouts, and staleness scoring can be driven by a
// manual clock in tests and deterministic replays.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source handed to anything that stamps, waits, or
// ages data. Production code takes the interface; tests and the verify
// harness inject a MockClock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the elapsed time from t to now.
	Since(t time.Time) time.Duration

	// Until returns the remaining time from now to t.
	Until(t time.Time) time.Duration

	// Sleep blocks for d.
	Sleep(d time.Duration)

	// After delivers the time on a channel once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// NewTimer arms a one-shot timer firing after d.
	NewTimer(d time.Duration) Timer

	// NewTicker arms a repeating timer with period d.
	NewTicker(d time.Duration) Ticker
}

// Timer is a one-shot deadline.
type Timer interface {
	// C is the delivery channel.
	C() <-chan time.Time

	// Stop disarms the timer, reporting whether it was still pending.
	Stop() bool

	// Reset rearms the timer for d from now, reporting whether it was
	// still pending.
	Reset(d time.Duration) bool
}

// Ticker delivers on every period boundary.
type Ticker interface {
	// C is the delivery channel.
	C() <-chan time.Time

	// Stop disarms the ticker.
	Stop()

	// Reset rearms the ticker with a new period.
	Reset(d time.Duration)
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration       { return time.Since(t) }
func (RealClock) Until(t time.Time) time.Duration       { return time.Until(t) }
func (RealClock) Sleep(d time.Duration)                 { time.Sleep(d) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return &sysTimer{inner: time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &sysTicker{inner: time.NewTicker(d)}
}

type sysTimer struct {
	inner *time.Timer
}

func (t *sysTimer) C() <-chan time.Time          { return t.inner.C }
func (t *sysTimer) Stop() bool                   { return t.inner.Stop() }
func (t *sysTimer) Reset(d time.Duration) bool   { return t.inner.Reset(d) }

type sysTicker struct {
	inner *time.Ticker
}

func (t *sysTicker) C() <-chan time.Time    { return t.inner.C }
func (t *sysTicker) Stop()                  { t.inner.Stop() }
func (t *sysTicker) Reset(d time.Duration)  { t.inner.Reset(d) }

// MockClock only moves when told to. Advance walks it forward and fires
// every timer and ticker whose deadline it crosses; Sleep records the
// request and returns immediately, so tests never actually wait.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	sleeps  []time.Duration
	timers  []*MockTimer
	tickers []*MockTicker
}

// NewMockClock builds a mock clock frozen at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the frozen time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Set jumps the clock to t without firing anything. Use Advance when
// pending timers should see the movement.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance moves the clock forward by d and fires every timer and ticker
// whose deadline falls inside the step. A ticker that falls multiple
// periods behind fires once per crossed boundary, matching how a real
// ticker would have ticked during the interval.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	timers := append([]*MockTimer(nil), c.timers...)
	tickers := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()

	// Deliveries happen outside the clock lock so a receiver that reads
	// the clock does not deadlock.
	for _, t := range timers {
		t.advanceTo(now)
	}
	for _, t := range tickers {
		t.advanceTo(now)
	}
}

// Since returns the elapsed time from t to the frozen now.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the remaining time from the frozen now to t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Sleep records the requested duration and returns immediately.
func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
}

// Sleeps returns every duration passed to Sleep, in call order.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// After arms a one-shot timer and returns its channel.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

// NewTimer arms a MockTimer due at now+d. It fires during the Advance
// call that reaches its deadline.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &MockTimer{
		clock:    c,
		ch:       make(chan time.Time, 1),
		deadline: c.current.Add(d),
	}
	c.timers = append(c.timers, t)
	return t
}

// NewTicker arms a MockTicker with its first delivery at now+d.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &MockTicker{
		clock:  c,
		ch:     make(chan time.Time, 1),
		period: d,
		due:    c.current.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// MockTimer is a one-shot timer owned by a MockClock.
type MockTimer struct {
	clock *MockClock

	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	stopped  bool
	fired    bool
}

// C is the delivery channel. The buffer holds one element, like the
// standard library's timer channel.
func (t *MockTimer) C() <-chan time.Time {
	return t.ch
}

// Stop disarms the timer, reporting whether it was still pending.
func (t *MockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

// Reset rearms the timer for d from the owning clock's current time,
// reporting whether it was still pending.
func (t *MockTimer) Reset(d time.Duration) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = false
	t.fired = false
	t.deadline = now.Add(d)
	return pending
}

func (t *MockTimer) advanceTo(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.fired || now.Before(t.deadline) {
		return
	}
	t.fired = true
	select {
	case t.ch <- now:
	default:
	}
}

// MockTicker repeats on a period under the control of a MockClock.
type MockTicker struct {
	clock *MockClock

	mu      sync.Mutex
	ch      chan time.Time
	period  time.Duration
	due     time.Time
	stopped bool
}

// C is the delivery channel.
func (t *MockTicker) C() <-chan time.Time {
	return t.ch
}

// Stop disarms the ticker.
func (t *MockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Reset rearms the ticker with period d, next due at the owning clock's
// current time plus d.
func (t *MockTicker) Reset(d time.Duration) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = false
	t.period = d
	t.due = now.Add(d)
}

// Trigger force-delivers a tick carrying the given time, ignoring the
// schedule. Tests use it to exercise tick handling directly.
func (t *MockTicker) Trigger(now time.Time) {
	select {
	case t.ch <- now:
	default:
	}
}

func (t *MockTicker) advanceTo(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.period <= 0 {
		return
	}
	for !now.Before(t.due) {
		select {
		case t.ch <- now:
		default:
		}
		t.due = t.due.Add(t.period)
	}
}
