// Package system provides a real clock implementation.
package system

import "time"

// Clock is the wall-clock time source handed to the coordinator and the
// accounts manager. Both accept any type with a Now() method, so tests can
// substitute a manual clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
