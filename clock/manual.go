package clock

import (
	"sync"
	"time"
)

// ManualClock only moves when told to. Waits block until Advance or Set
// carries the clock to their target.
type ManualClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     int64
	pending int
}

// NewManualClock creates a clock reading start.
func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{now: start}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the current time.
func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d int64) {
	c.mu.Lock()
	c.now += d
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *ManualClock) Set(t int64) {
	c.mu.Lock()
	if t > c.now {
		c.now = t
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Pending returns the number of goroutines blocked in Wait.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// WaitForPending polls until at least n waits are blocked or timeout
// elapses.
func (c *ManualClock) WaitForPending(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.Pending() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// NewSingleShot creates a wait on the manual timeline.
func (c *ManualClock) NewSingleShot(target int64) Wait {
	return &manualWait{clock: c, target: target}
}

type manualWait struct {
	clock       *ManualClock
	target      int64
	unscheduled bool
}

func (w *manualWait) Wait() (Return, int64) {
	c := w.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if w.unscheduled {
		return Unscheduled, 0
	}
	if c.now > w.target {
		return Early, c.now - w.target
	}

	c.pending++
	for !w.unscheduled && c.now < w.target {
		c.cond.Wait()
	}
	c.pending--

	if w.unscheduled {
		return Unscheduled, 0
	}
	return OK, c.now - w.target
}

func (w *manualWait) Unschedule() {
	c := w.clock
	c.mu.Lock()
	w.unscheduled = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

var _ Clock = (*ManualClock)(nil)
