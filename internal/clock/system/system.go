// Package system provides the wall clock used for cache entry ageing.
package system

import "time"

// Clock returns UTC wall time. Disk cache timestamps are persisted in UTC so
// TTL comparisons survive timezone changes between restarts.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
