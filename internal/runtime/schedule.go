package runtime

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Ticker drives a callback off a cron.Schedule rather than a raw
// time.Ticker, so every periodic job in the daemon (idle-shutdown monitor,
// log-rotation poll, binding-refresher sweep) shares one vetted
// scheduling primitive instead of ad hoc ticker loops (SPEC_FULL ambient
// stack). Unlike a plain ticker, the schedule can be changed between fires
// by having NextDelay return a different value. The daemon's own jobs all
// use FixedDelay; the binding refresher keeps its exponential backoff per
// tracked entry rather than in NextDelay.
type Ticker struct {
	// NextDelay returns the delay before the next fire, evaluated fresh
	// each time. A fixed interval is a func that always returns the same
	// duration; backoff is a func that grows/shrinks it based on outside
	// state (e.g. "did the last run observe a change").
	NextDelay func() time.Duration
}

// Run invokes fn repeatedly until ctx is cancelled, sleeping NextDelay()
// between calls. The first call happens after the first delay, matching
// cron.Schedule semantics (schedules describe the *next* fire, not "now").
func (t *Ticker) Run(ctx context.Context, fn func()) {
	for {
		delay := t.NextDelay()
		sched := cron.ConstantDelaySchedule{Delay: delay}
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fn()
		}
	}
}

// FixedDelay returns a NextDelay func that always returns d, for callers
// that just want a plain periodic ticker (e.g. the idle-shutdown monitor's
// 0.5s wake).
func FixedDelay(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

// Backoff tracks an exponentially growing delay between base and cap,
// doubling on each call to Grow and resetting to base on Reset — the shape
// the Codex binding refresher uses (spec §4.C12: "base 60s, cap 600s").
type Backoff struct {
	Base, Cap time.Duration
	current   time.Duration
}

// Delay returns the current delay, initializing to Base on first use.
func (b *Backoff) Delay() time.Duration {
	if b.current == 0 {
		b.current = b.Base
	}
	return b.current
}

// Grow doubles the current delay, capped at Cap, and returns it. Call this
// when a poll observed no change.
func (b *Backoff) Grow() time.Duration {
	d := b.Delay() * 2
	if d > b.Cap {
		d = b.Cap
	}
	b.current = d
	return b.current
}

// Reset returns the delay to Base. Call this when a poll observed a
// change, or an external trigger (fsnotify) fired an out-of-band refresh.
func (b *Backoff) Reset() time.Duration {
	b.current = b.Base
	return b.current
}
