// Package system provides the real clock.
package system

import (
	"time"

	"zkarchive/internal/archive"
)

// Clock implements archive.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

var _ archive.Clock = Clock{}
