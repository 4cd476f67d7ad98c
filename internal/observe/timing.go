// Package observe records how long a rendered challenge stays open.
package observe

import "time"

// Timing records start/end timestamps only
type Timing struct {
	clock       func() time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewTiming starts a timing now. A nil clock means time.Now.
func NewTiming(clock func() time.Time) *Timing {
	if clock == nil {
		clock = time.Now
	}
	return &Timing{
		clock:     clock,
		StartedAt: clock(),
	}
}

// Complete records completion time and returns the elapsed duration.
// Only the first call counts.
func (t *Timing) Complete() time.Duration {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = t.clock()
	}
	return t.Duration()
}

// Duration returns the elapsed time, up to now while still running
func (t *Timing) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return t.clock().Sub(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}
