package clock

import (
	"sync"
	"time"
)

// SystemClock reads the process's monotonic clock. Its timeline starts at
// zero when the clock is created.
type SystemClock struct {
	epoch time.Time
}

// NewSystemClock creates a clock anchored at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

// Now returns the time elapsed since the clock was created.
func (c *SystemClock) Now() int64 {
	return int64(time.Since(c.epoch))
}

// NewSingleShot creates a timer-backed wait.
func (c *SystemClock) NewSingleShot(target int64) Wait {
	return &systemWait{clock: c, target: target, cancel: make(chan struct{})}
}

type systemWait struct {
	clock  *SystemClock
	target int64
	once   sync.Once
	cancel chan struct{}
}

func (w *systemWait) Wait() (Return, int64) {
	select {
	case <-w.cancel:
		return Unscheduled, 0
	default:
	}

	d := w.target - w.clock.Now()
	if d <= 0 {
		return Early, -d
	}

	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()

	select {
	case <-timer.C:
		return OK, w.clock.Now() - w.target
	case <-w.cancel:
		return Unscheduled, 0
	}
}

func (w *systemWait) Unschedule() {
	w.once.Do(func() { close(w.cancel) })
}

var _ Clock = (*SystemClock)(nil)
