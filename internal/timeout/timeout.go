// Package timeout implements the per-event warn/kill timer pair described
// for the dispatcher: a soft warning at event_timeout/3 and a hard kill at
// event_timeout, both cancelled together when the event is freed.
package timeout

import (
	"sync"
	"time"
)

// Pair is the two timers armed when an event transitions to RUNNING.
// Both fire at most once; Cancel is safe to call multiple times and after
// either timer has already fired.
type Pair struct {
	mu   sync.Mutex
	warn *time.Timer
	kill *time.Timer
	done bool
}

// Arm starts a new Pair relative to now: onWarn fires after warnAfter,
// onKill fires after killAfter. killAfter must be greater than warnAfter;
// callers (the dispatcher) always derive both from the same event_timeout.
func Arm(warnAfter, killAfter time.Duration, onWarn, onKill func()) *Pair {
	p := &Pair{}
	p.warn = time.AfterFunc(warnAfter, func() {
		p.mu.Lock()
		done := p.done
		p.mu.Unlock()
		if !done {
			onWarn()
		}
	})
	p.kill = time.AfterFunc(killAfter, func() {
		p.mu.Lock()
		done := p.done
		p.mu.Unlock()
		if !done {
			onKill()
		}
	})
	return p
}

// Cancel stops both timers. Once cancelled, neither callback will run even
// if it raced the cancellation.
func (p *Pair) Cancel() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.warn.Stop()
	p.kill.Stop()
}

// Armed reports whether the pair has not yet been cancelled. Used by
// invariant checks ("every RUNNING event has exactly two live timers").
func (p *Pair) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.done
}

// Default returns the standard event_timeout-derived pair of durations:
// warn at t/3, kill at t.
func Default(eventTimeout time.Duration) (warnAfter, killAfter time.Duration) {
	return eventTimeout / 3, eventTimeout
}
