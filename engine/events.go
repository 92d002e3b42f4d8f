package engine

import (
	"context"

	"github.com/pithecene-io/sluice/event"
)

// SendSeek asks the engine to replace its segment. A push-mode engine
// seeks at once; an inactive engine keeps the seek and applies it on the
// next push activation. Pull-mode engines do not seek: the caller
// chooses offsets.
func (e *Engine) SendSeek(ctx context.Context, seek *event.Seek) bool {
	if seek == nil {
		return false
	}
	if err := seek.Validate(); err != nil {
		e.logWarn("seek rejected", map[string]any{"seek": seek.String(), "error": err.Error()})
		return false
	}

	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	switch mode {
	case ModePull:
		e.logDebug("seek ignored in pull mode", map[string]any{"seek": seek.String()})
		return false
	case ModePush:
		if !e.seekable() {
			e.logDebug("seek on non-seekable source", map[string]any{"seek": seek.String()})
			e.collector.IncSeek(false)
			return false
		}
		return e.performSeek(ctx, seek, true)
	default:
		e.queuePendingSeek(seek)
		return true
	}
}

func (e *Engine) seekable() bool {
	if s, ok := e.source.(Seekable); ok {
		return s.IsSeekable()
	}
	return false
}

// SendEOS ends the stream out of band. In push mode the streaming
// goroutine is interrupted and delivers EOS asynchronously; in pull mode
// the next range request reports the end of the range.
func (e *Engine) SendEOS(ctx context.Context) bool {
	return e.sendEOS(ctx, event.NewEOS())
}

func (e *Engine) sendEOS(ctx context.Context, ev *event.Event) bool {
	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	switch mode {
	case ModePush:
		e.setFlushing(ctx, true)
		sctx := e.stream.Lock(ctx)
		e.setFlushing(sctx, false)
		e.mu.Lock()
		e.pendingEOS = ev
		e.mu.Unlock()
		e.task.Start()
		e.stream.Unlock(sctx)

	case ModePull:
		e.mu.Lock()
		e.pendingEOS = ev
		e.mu.Unlock()
		e.interruptProduce()
		sctx := e.stream.Lock(ctx)
		if u, ok := e.source.(Unlocker); ok {
			u.UnlockStop()
		}
		e.stream.Unlock(sctx)

	default:
		return false
	}
	e.logDebug("EOS requested", map[string]any{"mode": mode.String()})
	return true
}

// interruptProduce wakes a producer blocked in Produce without entering
// flushing.
func (e *Engine) interruptProduce() {
	if u, ok := e.source.(Unlocker); ok {
		u.Unlock()
	}
	e.liveMu.Lock()
	e.produceCancel()
	e.produceCtx, e.produceCancel = context.WithCancel(context.Background())
	e.liveMu.Unlock()
}

// SendEvent injects a control event. EOS and flush events act on the
// engine; tag and custom events are queued in order with data; out of
// band custom events are pushed at once. Segment and segment-done events
// are refused because they would break synchronization.
func (e *Engine) SendEvent(ctx context.Context, ev *event.Event) bool {
	if ev == nil {
		return false
	}
	switch ev.Type {
	case event.TypeEOS:
		return e.sendEOS(ctx, ev)

	case event.TypeFlushStart:
		ok := e.pushEvent(ctx, ev)
		e.setFlushing(ctx, true)
		e.collector.IncFlush()
		return ok

	case event.TypeFlushStop:
		sctx := e.stream.Lock(ctx)
		e.setFlushing(sctx, false)
		ok := e.pushEvent(sctx, ev)

		e.liveMu.Lock()
		e.mu.Lock()
		e.segmentPending = true
		e.eosSent = false
		start := e.mode == ModePush && e.started
		if e.live && !e.liveRunning {
			start = false
		}
		e.mu.Unlock()
		if start {
			e.mu.Lock()
			e.running = true
			e.mu.Unlock()
			e.task.Start()
		}
		e.liveMu.Unlock()
		e.stream.Unlock(sctx)
		return ok

	case event.TypeTag, event.TypeCustom:
		e.mu.Lock()
		e.pendingEvents = append(e.pendingEvents, ev)
		e.mu.Unlock()
		return true

	case event.TypeCustomOOB:
		return e.pushEvent(ctx, ev)

	default:
		e.logDebug("event refused", map[string]any{"event": ev.String()})
		return false
	}
}
