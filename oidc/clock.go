package oidc

import "time"

// Clock supplies the current time.  It is injected wherever token expiry
// arithmetic happens so tests can freeze or shift time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock and the default for every component.
var SystemClock Clock = ClockFunc(time.Now)
