package engine

import (
	"context"

	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

// performSeek applies seek to the running engine and restarts streaming.
// A nil seek restarts the current segment. unlock interrupts a streaming
// goroutine blocked in the producer or on the clock.
//
// The candidate segment is built from a copy; the engine's segment only
// changes when the producer accepts it.
func (e *Engine) performSeek(ctx context.Context, seek *event.Seek, unlock bool) bool {
	e.mu.Lock()
	destFormat := e.seg.Format
	wasRunning := e.running
	candidate := e.seg
	e.mu.Unlock()

	configured := false
	var flush bool
	var seqnum uint32

	if seek != nil {
		if err := seek.Validate(); err != nil {
			e.logWarn("seek rejected", map[string]any{"seek": seek.String(), "error": err.Error()})
			e.collector.IncSeek(false)
			return false
		}
		// An absolute seek in another format is converted before the
		// streaming lock is taken.
		if seek.Format != destFormat && !seek.IsRelative() {
			if !e.prepareSeekSegment(seek, &candidate) {
				e.logWarn("seek conversion failed", map[string]any{"seek": seek.String()})
				e.collector.IncSeek(false)
				return false
			}
			configured = true
		}
		flush = seek.Flushing()
		seqnum = seek.Seqnum
	} else {
		seqnum = event.NextSeqnum()
	}

	if flush {
		e.pushEvent(ctx, event.NewFlushStart().WithSeqnum(seqnum))
		e.collector.IncFlush()
	} else {
		e.task.Pause()
	}
	if unlock {
		e.setFlushing(ctx, true)
	}

	sctx := e.stream.Lock(ctx)

	e.mu.Lock()
	duplicate := e.haveSeqnum && e.lastSeqnum == seqnum
	if !duplicate {
		e.lastSeqnum = seqnum
		e.haveSeqnum = true
	}
	e.mu.Unlock()

	if unlock {
		e.setFlushing(sctx, false)
	}

	if duplicate {
		e.collector.IncSeekDeduped()
		e.logDebug("duplicate seek ignored", map[string]any{"seqnum": seqnum})
		if flush {
			// The flush already went downstream; complete it and
			// re-announce the unchanged segment.
			e.pushEvent(sctx, event.NewFlushStop(true).WithSeqnum(seqnum))
			e.mu.Lock()
			e.segmentPending = true
			e.eosSent = false
			e.mu.Unlock()
		}
		e.restartStreaming()
		e.stream.Unlock(sctx)
		return true
	}

	res := true
	if !configured {
		e.mu.Lock()
		candidate = e.seg
		e.mu.Unlock()
		if seek != nil {
			if candidate.Format != seek.Format {
				res = e.prepareSeekSegment(seek, &candidate)
			} else if _, err := candidate.DoSeek(seek.Rate, seek.Format, seek.Flags,
				seek.StartType, seek.Start, seek.StopType, seek.Stop); err != nil {
				e.logWarn("seek rejected by segment", map[string]any{"seek": seek.String(), "error": err.Error()})
				res = false
			}
		}
	}

	if res {
		res = e.doSeek(&candidate)
	}

	if flush {
		e.pushEvent(sctx, event.NewFlushStop(true).WithSeqnum(seqnum))
		e.mu.Lock()
		e.eosSent = false
		e.mu.Unlock()
	}

	if res && candidate.Format != destFormat {
		res = false
	}

	var msg *Message
	if res {
		e.mu.Lock()
		old := e.seg
		e.seg = candidate
		if !flush && wasRunning {
			e.closeSegment = event.NewCloseSegment(old).WithSeqnum(seqnum)
		}
		if candidate.Flags.Has(segment.SeekFlagSegment) {
			msg = &Message{
				Kind:     MessageSegmentStart,
				Seqnum:   seqnum,
				Format:   candidate.Format,
				Position: candidate.Position,
			}
		}
		e.segmentPending = true
		e.segmentSeqnum = seqnum
		e.eosSent = false
		e.mu.Unlock()
	}

	e.restartStreaming()
	e.stream.Unlock(sctx)

	if msg != nil {
		e.post(*msg)
	}
	e.collector.IncSeek(res)
	if res {
		e.logInfo("seek applied", map[string]any{
			"seqnum":  seqnum,
			"flush":   flush,
			"segment": candidate.String(),
		})
	} else {
		e.logWarn("seek failed", map[string]any{"seqnum": seqnum})
	}
	return res
}

// restartStreaming marks the next buffer discontinuous and restarts the
// streaming goroutine. Called with the streaming lock held.
func (e *Engine) restartStreaming() {
	e.mu.Lock()
	e.discont = true
	e.running = true
	e.mu.Unlock()
	e.task.Start()
}

// doSeek lets the producer reposition to seg. Producers without a Seeker
// can seek any byte range and only the start of other formats.
func (e *Engine) doSeek(seg *segment.Segment) bool {
	if s, ok := e.source.(Seeker); ok {
		return s.DoSeek(seg)
	}
	switch {
	case seg.Format == types.FormatBytes:
		seg.Time = seg.Start
		return true
	case seg.Start == 0:
		seg.Time = 0
		return true
	default:
		return false
	}
}

// prepareSeekSegment applies a seek expressed in another format to seg.
// Boundaries are converted through the producer's Converter. Relative
// boundaries are resolved in the seek's format against the current
// position and duration, then converted back.
func (e *Engine) prepareSeekSegment(seek *event.Seek, seg *segment.Segment) bool {
	resolve := func(t segment.SeekType, v int64) (segment.SeekType, int64, bool) {
		var abs int64
		switch t {
		case segment.SeekNone:
			return t, v, true
		case segment.SeekSet:
			if v == types.None {
				return t, v, true
			}
			abs = v
		case segment.SeekCur:
			cur, ok := e.convert(seg.Format, seg.Position, seek.Format, seg.Duration)
			if !ok || cur == types.None {
				return t, 0, false
			}
			abs = cur + v
		case segment.SeekEnd:
			dur, ok := e.convert(seg.Format, seg.Duration, seek.Format, seg.Duration)
			if !ok || dur == types.None {
				return t, 0, false
			}
			abs = dur + v
		default:
			return t, 0, false
		}
		out, ok := e.convert(seek.Format, max(abs, 0), seg.Format, seg.Duration)
		return segment.SeekSet, out, ok
	}

	startType, start, ok := resolve(seek.StartType, seek.Start)
	if !ok {
		return false
	}
	stopType, stop, ok := resolve(seek.StopType, seek.Stop)
	if !ok {
		return false
	}
	if _, err := seg.DoSeek(seek.Rate, seg.Format, seek.Flags, startType, start, stopType, stop); err != nil {
		e.logWarn("converted seek rejected by segment", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

// convert converts value between formats: identity, the producer's
// Converter, then percent against duration (in dst, or src when
// converting to percent).
func (e *Engine) convert(src types.Format, value int64, dst types.Format, duration int64) (int64, bool) {
	if src == dst || value == types.None {
		return value, true
	}
	if c, ok := e.source.(Converter); ok {
		if out, ok := c.Convert(src, value, dst); ok {
			return out, true
		}
	}
	if duration == types.None || duration <= 0 {
		return 0, false
	}
	switch {
	case src == types.FormatPercent:
		return int64(float64(value) * float64(duration) / float64(types.PercentMax)), true
	case dst == types.FormatPercent:
		return int64(float64(value) * float64(types.PercentMax) / float64(duration)), true
	default:
		return 0, false
	}
}
