// Package timeutil provides the clock used by every time-based rule in the
// pipeline: frame windows, mode cooldown, breaker timeouts, history
// retention and frame-rate throttling.
package timeutil

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock access so cooldowns and timeouts can be tested
// without sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks at a fixed interval.
type Ticker interface {
	// C returns the channel on which ticks are delivered.
	C() <-chan time.Time

	// Stop turns the ticker off.
	Stop()
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// NewTicker returns a ticker backed by time.Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }

// OrReal returns c, or RealClock when c is nil. Constructors use it so a zero
// options struct still gets a working clock.
func OrReal(c Clock) Clock {
	if c == nil {
		return RealClock{}
	}
	return c
}

// MockClock is a manually advanced clock for tests.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

// NewMockClock returns a MockClock set to t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the mocked duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set moves the clock to t without firing tickers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and fires every ticker whose next
// tick is due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		t.fireIfDue(now)
	}
}

// NewTicker registers a MockTicker that fires on Advance.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &MockTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// MockTicker is a ticker driven by MockClock.Advance.
type MockTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// C returns the tick channel.
func (t *MockTicker) C() <-chan time.Time { return t.ch }

// Stop prevents further ticks.
func (t *MockTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *MockTicker) fireIfDue(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || now.Before(t.next) {
		return
	}
	// Ticks are dropped when the reader is behind, like time.Ticker.
	select {
	case t.ch <- now:
	default:
	}
	t.next = now.Add(t.interval)
}
