// Package timer provides the timer capability used by the router core: a
// restartable one-shot or periodic timer whose expiry runs a callback on the
// runtime's timer goroutine.
//
// Restarting an armed timer replaces the pending expiry, so a Timer never has
// more than one expiry outstanding. Callbacks are expected to be short, the
// core only posts a command from them.
package timer

import (
	"sync"
	"time"
)

// ITimer is the capability the router core depends on
type ITimer interface {
	// Start arms the timer. A pending expiry is replaced.
	Start(d time.Duration)
	// Stop disarms the timer. It reports whether an expiry was pending.
	Stop() bool
	// IsArmed reports whether an expiry is pending
	IsArmed() bool
	// Name returns the name given at construction
	Name() string
}

// Timer implements ITimer on top of time.AfterFunc
type Timer struct {
	name     string
	periodic bool
	callback func()

	mu     sync.Mutex
	t      *time.Timer
	period time.Duration
	gen    uint64 // bumped on every Start/Stop, stale expiries compare against it
	armed  bool
	fired  uint64
}

// NewTimer creates a one-shot timer
func NewTimer(name string, callback func()) *Timer {
	return &Timer{name: name, callback: callback}
}

// NewPeriodicTimer creates a timer that re-arms itself after every expiry
// until stopped.
func NewPeriodicTimer(name string, callback func()) *Timer {
	return &Timer{name: name, callback: callback, periodic: true}
}

func (t *Timer) Name() string {
	return t.name
}

func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	t.period = d
	t.armed = true
	t.t = t.schedule(t.gen, d)
}

func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasArmed := t.armed
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.armed = false
	return wasArmed
}

func (t *Timer) IsArmed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Fired returns how often the callback ran
func (t *Timer) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// schedule must be called with mu held
func (t *Timer) schedule(gen uint64, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() { t.expire(gen) })
}

// expire runs on the runtime timer goroutine
func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		// stopped or restarted in the meantime
		t.mu.Unlock()
		return
	}
	t.fired++
	if t.periodic {
		t.t = t.schedule(gen, t.period)
	} else {
		t.armed = false
		t.t = nil
	}
	t.mu.Unlock()

	if t.callback != nil {
		t.callback()
	}
}
