package utils

import "time"

// NowUTC returns current time in UTC timezone.
// Used throughout the codebase for consistent timestamp handling.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// Clock is the time source injected into components that make
// time-dependent decisions (windows, cooldowns, staleness).
type Clock func() time.Time

// OrDefault returns c, or NowUTC when c is nil.
func (c Clock) OrDefault() Clock {
	if c == nil {
		return NowUTC
	}
	return c
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
