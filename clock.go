// SPDX-License-Identifier: GPL-3.0-or-later

package spiped

import "time"

// Clock abstracts time sourcing for structured logging and tests.
//
// This generalizes the teacher idiom of a plain `TimeNow func() time.Time`
// field (see [Config]) into an interface. The connect and handshake
// timers themselves (spec.md §6's `timer_register`/`timer_cancel`) are
// driven by [context.WithTimeout] in [startTimer] rather than by Clock,
// since genuine synchronous cancellation is simplest to get right by
// racing a single context against its deadline, not by wrapping
// [time.Timer.Stop]'s looser guarantee behind a mockable interface.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// realClock is the production [Clock], backed by stdlib [time].
type realClock struct{}

// NewRealClock returns the production [Clock].
func NewRealClock() Clock {
	return realClock{}
}

var _ Clock = realClock{}

// Now implements [Clock].
func (realClock) Now() time.Time {
	return time.Now()
}
