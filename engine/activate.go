package engine

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/types"
)

// Activate starts the producer and drives it in mode. Activating in the
// current mode is a no-op; activating in another mode while active fails
// with a wrong-state error.
//
// In push mode the pending seek (or a full-range segment) is applied and
// the streaming goroutine is started. Pull mode requires a seekable
// byte-format producer.
func (e *Engine) Activate(ctx context.Context, mode Mode) error {
	if mode != ModePush && mode != ModePull {
		return ErrInvalidMode
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.mu.Lock()
	cur := e.mode
	e.mu.Unlock()
	if cur == mode {
		return nil
	}
	if cur != ModeNone {
		return types.NewFlowError(types.FlowWrongState, "engine active in %s mode", cur)
	}

	e.setFlushing(ctx, false)

	e.mu.Lock()
	e.mode = mode
	e.activation++
	e.mu.Unlock()

	if e.out != nil {
		e.out.Start()
	}

	if err := e.start(ctx, mode); err != nil {
		e.logError("activation failed", err)
		if stopErr := e.stop(ctx); stopErr != nil {
			err = multierr.Append(err, stopErr)
		}
		e.reset()
		return err
	}

	e.collector.IncActivation()
	e.logInfo("engine activated", map[string]any{"mode": mode.String()})
	return nil
}

// Deactivate stops the streaming goroutine, unblocks every waiter and
// stops the producer. Errors from teardown are aggregated.
func (e *Engine) Deactivate(ctx context.Context) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.deactivateLocked(ctx)
}

func (e *Engine) deactivateLocked(ctx context.Context) error {
	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()
	if mode == ModeNone {
		return nil
	}

	err := e.stop(ctx)
	e.reset()

	e.collector.IncDeactivation()
	e.logInfo("engine deactivated", map[string]any{"mode": mode.String()})
	return err
}

// deactivateGeneration tears down the activation gen after a fatal error.
// A newer activation is left alone.
func (e *Engine) deactivateGeneration(gen uint64) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.mu.Lock()
	current := e.activation == gen && e.mode != ModeNone
	e.mu.Unlock()
	if !current {
		return
	}
	if err := e.deactivateLocked(context.Background()); err != nil {
		e.logError("deactivation after fatal error failed", err)
	}
}

// start resets per-activation state, starts the producer and completes
// the activation for mode.
func (e *Engine) start(ctx context.Context, mode Mode) error {
	e.mu.Lock()
	e.seg.Init(e.format)
	e.numBuffersLeft = e.numBuffers
	e.running = false
	e.started = false
	e.segmentPending = false
	e.closeSegment = nil
	e.discont = true
	e.streamStarted = false
	e.eosSent = false
	e.pendingEOS = nil
	e.forcedEOS = false
	e.haveSeqnum = false
	e.latency = -1
	e.tsOffset = 0
	live := e.live
	e.mu.Unlock()

	if live {
		e.liveMu.Lock()
		e.liveRunning = false
		e.liveMu.Unlock()
	}

	if err := e.source.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	e.mu.Lock()
	e.sourceStarted = true
	e.mu.Unlock()

	return e.startComplete(ctx, mode)
}

func (e *Engine) startComplete(ctx context.Context, mode Mode) error {
	e.mu.Lock()
	format := e.seg.Format
	e.mu.Unlock()

	size, haveSize := uint64(0), false
	if format == types.FormatBytes {
		if s, ok := e.source.(Sizer); ok {
			size, haveSize = s.Size()
		}
	}
	seekable := false
	if s, ok := e.source.(Seekable); ok {
		seekable = s.IsSeekable()
	}

	e.mu.Lock()
	if haveSize {
		e.seg.Duration = int64(size)
	}
	e.randomAccess = seekable && format == types.FormatBytes
	randomAccess := e.randomAccess
	e.mu.Unlock()

	e.logDebug("source started", map[string]any{
		"format":        format.String(),
		"size":          size,
		"have_size":     haveSize,
		"random_access": randomAccess,
	})

	if mode == ModePull {
		if !randomAccess {
			return ErrNotRandomAccess
		}
		e.mu.Lock()
		e.started = true
		e.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	e.started = true
	seek := e.pendingSeek
	e.pendingSeek = nil
	e.mu.Unlock()

	if !e.performSeek(ctx, seek, false) {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return ErrSeekFailed
	}
	return nil
}

// stop flushes every waiter, joins the streaming goroutine and stops the
// producer.
func (e *Engine) stop(ctx context.Context) error {
	var err error

	e.setFlushing(ctx, true)

	// The output queue goes first so a streaming goroutine blocked on it
	// is released before the join.
	if e.out != nil {
		err = multierr.Append(err, e.out.Stop(ctx))
	}

	e.task.Stop()
	e.task.Join(ctx)

	// Wait out a GetRange still running on a caller's goroutine.
	sctx := e.stream.Lock(ctx)
	e.mu.Lock()
	e.started = false
	e.running = false
	sourceStarted := e.sourceStarted
	e.sourceStarted = false
	e.mu.Unlock()
	e.stream.Unlock(sctx)

	if sourceStarted {
		if stopErr := e.source.Stop(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("engine: stop source: %w", stopErr))
		}
	}
	return err
}

func (e *Engine) reset() {
	e.mu.Lock()
	e.mode = ModeNone
	e.seg.Init(e.format)
	e.pendingSeek = nil
	e.pendingEvents = nil
	e.pendingEOS = nil
	e.forcedEOS = false
	e.closeSegment = nil
	e.segmentPending = false
	e.mu.Unlock()

	e.liveMu.Lock()
	e.liveRunning = false
	e.liveMu.Unlock()
}

// setFlushing moves the engine in or out of flushing. Entering flushing
// interrupts the producer, unschedules any clock wait, cancels the produce
// context and wakes live waiters. Leaving it restores a fresh produce
// context.
func (e *Engine) setFlushing(ctx context.Context, flushing bool) {
	unlocker, _ := e.source.(Unlocker)
	if flushing && unlocker != nil {
		unlocker.Unlock()
	}

	e.liveMu.Lock()
	e.flushing = flushing
	if flushing {
		e.mu.Lock()
		e.pendingEOS = nil
		e.forcedEOS = false
		e.mu.Unlock()
		if e.clockWait != nil {
			e.clockWait.Unschedule()
		}
		e.produceCancel()
	} else {
		e.mu.Lock()
		e.pendingEvents = nil
		e.mu.Unlock()
		e.produceCancel()
		e.produceCtx, e.produceCancel = context.WithCancel(context.Background())
	}
	e.liveCond.Broadcast()
	e.liveMu.Unlock()

	if !flushing && unlocker != nil {
		sctx := e.stream.Lock(ctx)
		unlocker.UnlockStop()
		e.stream.Unlock(sctx)
	}
}

// SetPlaying moves a live engine between blocked and playing. Leaving
// playing unschedules a pending clock wait; entering it restarts the
// streaming goroutine in push mode.
func (e *Engine) SetPlaying(playing bool) {
	e.liveMu.Lock()
	if e.clockWait != nil {
		e.clockWait.Unschedule()
	}
	e.liveRunning = playing
	e.mu.Lock()
	if playing {
		e.latency = -1
	}
	push := e.mode == ModePush && e.started
	e.mu.Unlock()
	e.liveCond.Broadcast()
	e.liveMu.Unlock()

	if playing && push {
		e.task.Start()
	}
	e.logDebug("playing changed", map[string]any{"playing": playing})
}

// IsPlaying reports whether a live engine is playing.
func (e *Engine) IsPlaying() bool {
	e.liveMu.Lock()
	defer e.liveMu.Unlock()
	return e.liveRunning
}

// queuePendingSeek stores seek for the next push activation.
func (e *Engine) queuePendingSeek(seek *event.Seek) {
	e.mu.Lock()
	e.pendingSeek = seek
	e.mu.Unlock()
	e.logDebug("seek queued", map[string]any{"seek": seek.String()})
}
