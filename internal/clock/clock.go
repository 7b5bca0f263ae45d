// Package clock provides the time source every timer in the device derives
// from. Readings from Real carry Go's monotonic component, so elapsed-time
// comparisons are immune to wall clock steps.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current local time.
type Clock interface {
	Now() time.Time
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set jumps the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Deadline is a monotonic deadline checked on each tick rather than waited on.
type Deadline struct {
	at  time.Time
	set bool
}

// Arm sets the deadline to now+d.
func (d *Deadline) Arm(now time.Time, after time.Duration) {
	d.at = now.Add(after)
	d.set = true
}

func (d *Deadline) Disarm() {
	d.set = false
}

func (d *Deadline) Armed() bool {
	return d.set
}

// Expired reports whether an armed deadline has been reached at now.
func (d *Deadline) Expired(now time.Time) bool {
	return d.set && !now.Before(d.at)
}

// At returns the deadline instant; meaningful only while armed.
func (d *Deadline) At() time.Time {
	return d.at
}

// Remaining returns the time left until the deadline, or zero when unarmed or expired.
func (d *Deadline) Remaining(now time.Time) time.Duration {
	if !d.set || !now.Before(d.at) {
		return 0
	}
	return d.at.Sub(now)
}
