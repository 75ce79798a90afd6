package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that moves only when a test advances it. Lease, window
// and job-closing tests use it to land exactly on TTL boundaries.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter // ordered by deadline
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual returns a Manual clock reading start (in UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers a waiter that fires once the clock has moved d past the
// current time. Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	w := waiter{deadline: m.now.Add(d), ch: ch}
	i := sort.Search(len(m.waiters), func(i int) bool {
		return m.waiters[i].deadline.After(w.deadline)
	})
	m.waiters = append(m.waiters, waiter{})
	copy(m.waiters[i+1:], m.waiters[i:])
	m.waiters[i] = w
	return ch
}

// Sleep blocks until another goroutine advances the clock by d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d, releasing due waiters in deadline
// order, and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	due := 0
	for due < len(m.waiters) && !m.waiters[due].deadline.After(m.now) {
		m.waiters[due].ch <- m.now
		due++
	}
	m.waiters = append(m.waiters[:0], m.waiters[due:]...)
	return m.now
}

// Set jumps to t when t lies in the future; the clock never runs backwards.
func (m *Manual) Set(t time.Time) time.Time {
	return m.Advance(t.UTC().Sub(m.Now()))
}

// Pending reports how many waiters have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
