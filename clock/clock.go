// Package clock defines the time source an engine synchronizes live output
// against, with a monotonic system implementation and a manual one for
// deterministic tests.
//
// All times are int64 nanoseconds on the clock's own timeline.
package clock

import "fmt"

// Return is the outcome of a clock wait.
type Return int

const (
	// OK means the target time was reached.
	OK Return = iota
	// Early means the target time had already passed when waiting began.
	Early
	// Unscheduled means the wait was canceled.
	Unscheduled
	// Error means the clock could not perform the wait.
	Error
)

func (r Return) String() string {
	switch r {
	case OK:
		return "ok"
	case Early:
		return "early"
	case Unscheduled:
		return "unscheduled"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("clock-return(%d)", int(r))
	}
}

// Clock is a monotonic time source.
type Clock interface {
	// Now returns the current time.
	Now() int64
	// NewSingleShot creates a wait that fires once at target.
	NewSingleShot(target int64) Wait
}

// Wait is a single-shot clock wait. Unschedule may be called from any
// goroutine, before or during Wait, any number of times.
type Wait interface {
	// Wait blocks until the target time or until unscheduled. jitter is
	// how late the wait completed (negative when early).
	Wait() (ret Return, jitter int64)
	// Unschedule cancels the wait.
	Unschedule()
}
