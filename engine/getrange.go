package engine

import (
	"context"
	"errors"

	"github.com/pithecene-io/sluice/clock"
	"github.com/pithecene-io/sluice/types"
)

func wrongState(msg string) error {
	return types.NewFlowError(types.FlowWrongState, "%s", msg)
}

func unexpectedEnd(msg string) error {
	return types.NewFlowError(types.FlowUnexpectedEnd, "%s", msg)
}

// GetRange produces the buffer at offset on the caller's goroutine. The
// engine must be active in pull mode. Reaching the end of the range
// returns an unexpected-end error; flushing or deactivation returns a
// wrong-state error.
func (e *Engine) GetRange(ctx context.Context, offset uint64, length uint32) (*types.Buffer, error) {
	e.mu.Lock()
	mode := e.mode
	gen := e.activation
	e.mu.Unlock()
	if mode != ModePull {
		return nil, wrongState("engine not active in pull mode")
	}

	sctx := e.stream.Lock(ctx)
	e.liveMu.Lock()
	if e.flushing {
		e.liveMu.Unlock()
		e.stream.Unlock(sctx)
		return nil, wrongState("flushing")
	}
	buf, err := e.getRangeLocked(sctx, offset, length)
	e.liveMu.Unlock()
	e.stream.Unlock(sctx)

	e.drainMessages()

	if types.IsFatal(err) {
		e.fail(err, gen)
	}
	return buf, err
}

// waitPlayingLocked blocks a live engine until it is playing. Called with
// the live lock held.
func (e *Engine) waitPlayingLocked() error {
	e.mu.Lock()
	live := e.live
	e.mu.Unlock()
	if !live {
		return nil
	}
	for !e.liveRunning && !e.flushing {
		e.liveCond.Wait()
	}
	if e.flushing {
		return wrongState("flushing while waiting for playing")
	}
	return nil
}

// getRangeLocked is the body of a range request, shared by the streaming
// goroutine and GetRange. Called with the streaming and live locks held.
func (e *Engine) getRangeLocked(ctx context.Context, offset uint64, length uint32) (*types.Buffer, error) {
	retried := false

again:
	if err := e.waitPlayingLocked(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	started := e.started
	format := e.seg.Format
	e.mu.Unlock()
	if !started {
		return nil, wrongState("producer not started")
	}
	if format == types.FormatUndefined {
		return nil, types.NewFlowError(types.FlowNotNegotiated, "segment format undefined")
	}

	length, ok := e.updateLength(offset, length)
	if !ok {
		return nil, unexpectedEnd("offset past end of range")
	}

	e.mu.Lock()
	if format == types.FormatBytes {
		e.seg.Position = int64(offset)
	}
	if e.numBuffersLeft >= 0 {
		if e.numBuffersLeft == 0 {
			e.mu.Unlock()
			return nil, unexpectedEnd("buffer budget exhausted")
		}
		e.numBuffersLeft--
	}
	if e.pendingEOS != nil {
		e.forcedEOS = true
		e.mu.Unlock()
		return nil, unexpectedEnd("EOS requested")
	}
	segTime := e.seg.Time
	live := e.live
	e.mu.Unlock()

	buf, err := e.produce(ctx, offset, length)

	if live && !e.liveRunning {
		if waitErr := e.waitPlayingLocked(); waitErr != nil {
			return nil, waitErr
		}
	}

	// Produce may have been interrupted by an EOS request. Whatever it
	// returned is discarded.
	e.mu.Lock()
	if e.pendingEOS != nil {
		e.forcedEOS = true
		e.mu.Unlock()
		return nil, unexpectedEnd("EOS requested")
	}
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if e.flushing {
		return nil, wrongState("flushing")
	}

	if offset == 0 && segTime == 0 && buf.DTS == types.None && !live {
		buf.DTS = 0
	}

	status := e.doSync(buf)

	if e.flushing {
		return nil, wrongState("flushing")
	}

	switch status {
	case clock.OK, clock.Early:
		return buf, nil
	case clock.Unscheduled:
		if !e.liveRunning {
			return nil, wrongState("clock wait unscheduled")
		}
		if retried {
			return nil, types.NewFlowError(types.FlowClockUnscheduled, "clock wait unscheduled twice")
		}
		retried = true
		e.logDebug("clock wait unscheduled while playing, retrying", nil)
		goto again
	default:
		return nil, types.NewFlowError(types.FlowProducerFailed, "internal clock error: %s", status)
	}
}

// produce calls the producer with the live lock released. The context
// passed to Produce is canceled when the engine starts flushing.
func (e *Engine) produce(ctx context.Context, offset uint64, length uint32) (*types.Buffer, error) {
	pctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(e.produceCtx, cancel)
	e.liveMu.Unlock()

	buf, err := e.source.Produce(pctx, offset, length)

	stopAfter()
	cancel()
	e.liveMu.Lock()

	if err != nil {
		var fe *types.FlowError
		switch {
		case errors.As(err, &fe):
			return nil, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, types.WrapFlowError(types.FlowWrongState, "produce canceled", err)
		default:
			return nil, types.WrapFlowError(types.FlowProducerFailed, "produce failed", err)
		}
	}
	if buf == nil {
		return nil, types.NewFlowError(types.FlowProducerFailed, "producer returned no buffer")
	}
	e.collector.IncBufferProduced()
	return buf, nil
}

// updateLength clips a byte-format request to the end of the range. It
// reports false when offset is at or past the end. Sizes are re-queried
// near the end so growing producers are followed.
func (e *Engine) updateLength(offset uint64, length uint32) (uint32, bool) {
	e.mu.Lock()
	if e.seg.Format != types.FormatBytes {
		e.mu.Unlock()
		return length, true
	}
	stop := e.seg.Stop
	size := e.seg.Duration
	automaticEOS := e.automaticEOS
	e.mu.Unlock()

	maxSize := func() int64 {
		switch {
		case !automaticEOS:
			return stop
		case stop != types.None && size != types.None:
			return min(size, stop)
		case stop != types.None:
			return stop
		default:
			return size
		}
	}

	limit := maxSize()
	if limit != types.None {
		end := offset + uint64(length)
		if offset >= uint64(limit) || end >= uint64(limit) {
			if s, ok := e.source.(Sizer); ok {
				if n, ok := s.Size(); ok {
					size = int64(n)
				} else {
					size = types.None
				}
			}
			limit = maxSize()
			if limit != types.None {
				if offset >= uint64(limit) {
					return 0, false
				}
				if end >= uint64(limit) {
					length = uint32(uint64(limit) - offset)
				}
			}
		}
	}

	e.mu.Lock()
	e.seg.Duration = size
	e.mu.Unlock()
	return length, true
}
