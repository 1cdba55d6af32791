// Package clock abstracts the wall clock so upload timestamps can be
// controlled in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the system clock.
func Real() Clock { return realClock{} }

// FakeClock is a manually driven clock. When step is non-zero, every call to
// Now advances the clock by step after reading it, so consecutive readings
// are strictly increasing.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// Fake returns a FakeClock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

// Stepping returns a FakeClock starting at initial that advances by step on
// every reading.
func Stepping(initial time.Time, step time.Duration) *FakeClock {
	return &FakeClock{now: initial, step: step}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
