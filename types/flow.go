package types

import (
	"context"
	"errors"
	"fmt"
)

// FlowKind classifies why data stopped flowing.
type FlowKind int

const (
	// FlowWrongState means the engine is flushing, stopped or in the wrong
	// activation mode. Never fatal.
	FlowWrongState FlowKind = iota + 1
	// FlowUnexpectedEnd means the range is exhausted (end of stream, buffer
	// budget spent, EOS requested out of band).
	FlowUnexpectedEnd
	// FlowNotNegotiated means data arrived before a format was configured.
	FlowNotNegotiated
	// FlowProducerFailed means the producer returned an error or no buffer.
	FlowProducerFailed
	// FlowOutOfMemory means a producer or queue could not allocate.
	FlowOutOfMemory
	// FlowClockUnscheduled means a clock wait was canceled.
	FlowClockUnscheduled
)

func (k FlowKind) String() string {
	switch k {
	case FlowWrongState:
		return "wrong-state"
	case FlowUnexpectedEnd:
		return "unexpected-end"
	case FlowNotNegotiated:
		return "not-negotiated"
	case FlowProducerFailed:
		return "producer-failed"
	case FlowOutOfMemory:
		return "out-of-memory"
	case FlowClockUnscheduled:
		return "clock-unscheduled"
	default:
		return fmt.Sprintf("flow(%d)", int(k))
	}
}

// FlowError carries a flow kind through ordinary error returns.
type FlowError struct {
	Kind FlowKind
	Msg  string
	Err  error
}

// Sentinels for errors.Is. Matching compares kinds only.
var (
	ErrWrongState       = &FlowError{Kind: FlowWrongState}
	ErrUnexpectedEnd    = &FlowError{Kind: FlowUnexpectedEnd}
	ErrNotNegotiated    = &FlowError{Kind: FlowNotNegotiated}
	ErrProducerFailed   = &FlowError{Kind: FlowProducerFailed}
	ErrOutOfMemory      = &FlowError{Kind: FlowOutOfMemory}
	ErrClockUnscheduled = &FlowError{Kind: FlowClockUnscheduled}
)

// NewFlowError creates a FlowError with a message.
func NewFlowError(kind FlowKind, format string, args ...any) *FlowError {
	return &FlowError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapFlowError classifies err under kind.
func WrapFlowError(kind FlowKind, msg string, err error) *FlowError {
	return &FlowError{Kind: kind, Msg: msg, Err: err}
}

func (e *FlowError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is matches any FlowError of the same kind.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	return ok && t.Kind == e.Kind
}

// FlowKindOf classifies err. Nil has kind 0. Errors that carry no
// FlowError are producer failures, except context cancellation which is
// a wrong-state stop.
func FlowKindOf(err error) FlowKind {
	if err == nil {
		return 0
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return FlowWrongState
	}
	return FlowProducerFailed
}

// IsWrongState returns true if err stops the flow because of state.
func IsWrongState(err error) bool {
	return err != nil && FlowKindOf(err) == FlowWrongState
}

// IsUnexpectedEnd returns true if err signals the end of the range.
func IsUnexpectedEnd(err error) bool {
	return err != nil && FlowKindOf(err) == FlowUnexpectedEnd
}

// IsClockUnscheduled returns true if err comes from a canceled clock wait.
func IsClockUnscheduled(err error) bool {
	return err != nil && FlowKindOf(err) == FlowClockUnscheduled
}

// IsFatal returns true if err must be surfaced to the host as an error.
// Wrong-state, unexpected-end and clock-unscheduled stops are clean.
func IsFatal(err error) bool {
	switch FlowKindOf(err) {
	case 0, FlowWrongState, FlowUnexpectedEnd, FlowClockUnscheduled:
		return false
	default:
		return true
	}
}
