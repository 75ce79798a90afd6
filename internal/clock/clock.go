package clock

import "time"

// Clock abstracts time so TTL arithmetic and backoff can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns c, or Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Until returns the duration from c.Now() to t, clamped at zero.
func Until(c Clock, t time.Time) time.Duration {
	d := t.Sub(Or(c).Now())
	if d < 0 {
		return 0
	}
	return d
}
