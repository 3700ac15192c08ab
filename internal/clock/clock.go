// Package clock provides a swappable time source so rule timestamps can be
// pinned in tests. Production code calls clock.Now(); tests install a
// MockClock with Set and restore the real clock afterwards.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
}

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Set sets the mock time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type holder struct{ c Clock }

var active atomic.Value

func init() {
	active.Store(holder{RealClock{}})
}

// Set installs c as the package clock and returns a func restoring the previous one.
func Set(c Clock) (restore func()) {
	prev := active.Load().(holder)
	active.Store(holder{c})
	return func() { active.Store(prev) }
}

// Now returns the current time from the installed clock.
func Now() time.Time {
	return active.Load().(holder).c.Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
