// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides an injectable time source so the timer-heavy
// parts of this system (pending-flow timeouts, UDP idle eviction,
// aggregator flush windows, identity TTL sweeps) can be driven
// deterministically in tests instead of via real sleeps.
package clock

import "time"

// Timer is the subset of time.Timer this package exposes, so a
// MockClock can hand back a fake one.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Clock abstracts time.Now, time.After, and time.AfterFunc.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// systemClock delegates to the real time package.
type systemClock struct{}

// System is the production Clock backed by the real wall clock.
var System Clock = systemClock{}

func (systemClock) Now() time.Time                     { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
