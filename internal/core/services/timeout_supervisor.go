package services

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TimeoutSupervisor arms one no-answer timer per call attempt.
type TimeoutSupervisor struct {
	clock   clock.Clock
	timeout time.Duration
}

func NewTimeoutSupervisor(clk clock.Clock, timeout time.Duration) *TimeoutSupervisor {
	return &TimeoutSupervisor{clock: clk, timeout: timeout}
}

func (ts *TimeoutSupervisor) Timeout() time.Duration {
	return ts.timeout
}

// Arm starts a timer that calls onFire once after the timeout. onFire runs on
// a clock goroutine and must re-check the session state itself.
func (ts *TimeoutSupervisor) Arm(onFire func()) *CallTimer {
	t := &CallTimer{armed: true}
	t.timer = ts.clock.AfterFunc(ts.timeout, func() {
		t.mu.Lock()
		if !t.armed {
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.mu.Unlock()
		onFire()
	})
	return t
}

// CallTimer is a single armed timeout.
type CallTimer struct {
	mu    sync.Mutex
	armed bool
	timer *clock.Timer
}

// Disarm stops the timer and reports whether it was still pending.
// Safe to call repeatedly and on a nil timer.
func (t *CallTimer) Disarm() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return false
	}
	t.armed = false
	t.timer.Stop()
	return true
}

func (t *CallTimer) Armed() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
