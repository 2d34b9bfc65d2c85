// Package clock isolates every timeout decision behind an injectable
// monotonic clock, per the design note that "no wall-clock dependencies"
// belong in state decisions — the real implementation wraps the OS clock,
// tests drive a Virtual one deterministically.
package clock

import "time"

type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type real struct{}

func New() Clock { return real{} }

func (real) Now() time.Time        { return time.Now() }
func (real) Sleep(d time.Duration) { time.Sleep(d) }
