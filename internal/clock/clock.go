// Package clock provides an injectable source of monotonic time so the
// scheduler's timing logic (TimelineTicker, rate gates, watchdogs) can be
// exercised deterministically in tests instead of racing real wall time.
package clock

import "time"

// Ticker is the subset of *time.Ticker this package depends on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	// Reset changes the ticker's period without recreating it.
	Reset(d time.Duration)
}

// Clock is the time source used by every component that must not call
// time.Now() or time.NewTicker() directly, per spec's "avoid accumulating
// float/wall-clock error" design note.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	Sleep(d time.Duration)
}

// Real is the production Clock, backed by the standard library.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time   { return r.t.C }
func (r *realTicker) Stop()                 { r.t.Stop() }
func (r *realTicker) Reset(d time.Duration) { r.t.Reset(d) }

var _ Clock = Real{}
