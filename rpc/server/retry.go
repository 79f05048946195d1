package server

import (
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMux/lib/timer"
)

// RetryTimer schedules the next connection attempt. Arming replaces a
// pending expiry, so at most one retry is outstanding. Expiry only posts a
// command, the attempt itself runs on the dispatcher.
type RetryTimer struct {
	timer timer.ITimer
	delay atomic.Int64
}

// newRetryTimer creates a disarmed timer calling onExpire on expiry
func newRetryTimer(onExpire func()) *RetryTimer {
	return &RetryTimer{timer: timer.NewTimer("retry", onExpire)}
}

// arm schedules an expiry after d
func (r *RetryTimer) arm(d time.Duration) {
	r.delay.Store(int64(d))
	r.timer.Start(d)
}

// disarm cancels a pending expiry
func (r *RetryTimer) disarm() {
	r.timer.Stop()
}

// IsArmed reports whether a retry is pending
func (r *RetryTimer) IsArmed() bool {
	return r.timer.IsArmed()
}

// Delay returns the delay used by the last arm
func (r *RetryTimer) Delay() time.Duration {
	return time.Duration(r.delay.Load())
}
