package heirlink

import (
	"sync"
	"time"
)

// Timer is a one-shot cancellable timer. Arm replaces any pending fire, so a
// Timer never has more than one pending callback.
type Timer struct {
	mu  sync.Mutex
	fn  func()
	t   *time.Timer
	gen uint64
}

// NewTimer returns a disarmed timer that runs fn when it fires.
func NewTimer(fn func()) *Timer {
	return &Timer{fn: fn}
}

// Arm schedules fn after d, cancelling any previous schedule.
func (t *Timer) Arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.t = time.AfterFunc(d, func() { t.fire(gen) })
}

// Cancel disarms the timer. It reports whether a fire was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t == nil {
		return false
	}
	t.t.Stop()
	t.t = nil
	t.gen++
	return true
}

// Armed reports whether a fire is pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		// Cancelled or re-armed after time.AfterFunc already started us.
		t.mu.Unlock()
		return
	}
	t.t = nil
	t.mu.Unlock()
	t.fn()
}
