// Package system provides the wall clock used by stores and dispatchers.
package system

import "time"

// Clock implements harvest.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the finest
// resolution every store backend can round-trip.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
