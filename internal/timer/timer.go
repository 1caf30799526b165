// Package timer implements the inactivity countdown that triggers
// self-initiated conversation.
package timer

import (
	"sync"
	"time"
)

// Timer counts down a fixed interval of user inactivity. Every user turn
// resets the countdown; on expiry the fire callback runs once and the
// countdown re-arms for the next interval.
type Timer struct {
	interval time.Duration
	fire     func()

	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

// New creates a Timer that calls fire after interval of inactivity.
// The countdown is not armed until Start.
func New(interval time.Duration, fire func()) *Timer {
	return &Timer{interval: interval, fire: fire}
}

// Start arms the countdown. Calling Start on a running timer restarts it.
func (t *Timer) Start() {
	t.Reset()
}

// Reset cancels the pending countdown and starts a fresh one. Safe to call
// from any goroutine; a fire that has already begun is not recalled.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(t.interval, t.expire)
}

// Stop disarms the timer permanently. Used at shutdown.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *Timer) expire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fire()

	// Re-arm so a silent user gets another nudge an interval later.
	t.Reset()
}
