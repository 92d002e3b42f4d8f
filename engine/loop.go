package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

// loop is one iteration of the streaming goroutine: produce the next
// buffer, announce pending segments and events, then push the buffer.
// It runs with the streaming lock held.
func (e *Engine) loop(ctx context.Context) {
	if e.isFlushing() {
		e.pause(ctx, wrongState("flushing"))
		return
	}

	e.mu.Lock()
	eosSent := e.eosSent
	sendStart := !e.streamStarted
	e.streamStarted = true
	e.mu.Unlock()

	// EOS was delivered already. Only a flush or a new segment resumes.
	if eosSent {
		e.task.Pause()
		return
	}
	if sendStart {
		e.pushEvent(ctx, event.NewStreamStart(uuid.NewString()))
	}

	e.liveMu.Lock()
	if e.flushing {
		e.liveMu.Unlock()
		e.pause(ctx, wrongState("flushing"))
		return
	}

	e.mu.Lock()
	blocksize := e.blocksize
	position := types.None
	if e.seg.Format == types.FormatBytes {
		position = e.seg.Position
		if e.seg.Rate < 0 {
			// Step backwards, never below the segment start.
			if position > e.seg.Start+int64(blocksize) {
				position -= int64(blocksize)
			} else {
				blocksize = uint32(position - e.seg.Start)
				position = e.seg.Start
			}
		}
	}
	e.mu.Unlock()

	offset := types.OffsetNone
	if position != types.None {
		offset = uint64(position)
	}

	buf, err := e.getRangeLocked(ctx, offset, blocksize)
	if err != nil {
		e.liveMu.Unlock()
		e.drainMessages()
		e.pause(ctx, err)
		return
	}

	e.mu.Lock()
	var events []*event.Event
	if e.closeSegment != nil {
		events = append(events, e.closeSegment)
		e.closeSegment = nil
	}
	if e.segmentPending {
		events = append(events, event.NewSegment(e.seg).WithSeqnum(e.segmentSeqnum))
		e.segmentSeqnum = event.NextSeqnum()
		e.segmentPending = false
	}
	events = append(events, e.pendingEvents...)
	e.pendingEvents = nil

	eos := e.advancePosition(buf, position)

	if e.discont {
		buf.SetFlag(types.BufferDiscont)
		e.discont = false
	}
	e.mu.Unlock()
	e.liveMu.Unlock()

	e.drainMessages()

	for _, ev := range events {
		e.pushEvent(ctx, ev)
	}

	if err := e.consumer.PushBuffer(ctx, buf); err != nil {
		e.pause(ctx, err)
		return
	}
	e.collector.IncBufferPushed(int64(buf.Size()))

	// A segment configured during this iteration overrides the stop.
	e.mu.Lock()
	segmentPending := e.segmentPending
	e.mu.Unlock()
	if eos && !segmentPending {
		e.pause(ctx, unexpectedEnd("segment stop reached"))
	}
}

// advancePosition moves the segment position past buf and reports whether
// the segment end was reached. Called with the object lock held.
func (e *Engine) advancePosition(buf *types.Buffer, position int64) bool {
	seg := &e.seg
	switch seg.Format {
	case types.FormatBytes:
		if seg.Rate >= 0 {
			position += int64(buf.Size())
		}
	case types.FormatTime:
		start, duration := buf.Timestamp(), buf.Duration
		if start != types.None {
			position = start
		} else {
			position = seg.Position
		}
		if duration != types.None {
			switch {
			case seg.Rate >= 0:
				position += duration
			case position > duration:
				position -= duration
			default:
				position = 0
			}
		}
	case types.FormatDefault:
		off := buf.OffsetEnd
		if seg.Rate < 0 {
			off = buf.Offset
		}
		position = types.None
		if off != types.OffsetNone {
			position = int64(off)
		}
	default:
		position = types.None
	}

	if position == types.None {
		return false
	}

	eos := false
	if seg.Rate >= 0 {
		if seg.Stop != types.None && position >= seg.Stop {
			eos = e.automaticEOS
			position = seg.Stop
		}
	} else {
		if position <= seg.Start {
			eos = e.automaticEOS
			position = seg.Start
		}
		// Every buffer of a reverse segment is discontinuous.
		e.discont = true
	}
	seg.Position = position
	return eos
}

// pause parks the streaming goroutine and delivers the stop reason: EOS
// or segment-done at the end of the range, an error message and EOS for
// fatal errors, nothing for wrong-state stops.
func (e *Engine) pause(ctx context.Context, err error) {
	e.mu.Lock()
	e.running = false
	gen := e.activation
	seqnum := e.lastSeqnum
	e.mu.Unlock()
	e.task.Pause()

	kind := types.FlowKindOf(err)
	e.collector.IncStop(kind.String())

	switch {
	case kind == types.FlowUnexpectedEnd:
		e.mu.Lock()
		var ev *event.Event
		var msg *Message
		switch {
		case e.forcedEOS && e.pendingEOS != nil:
			ev = e.pendingEOS
			e.pendingEOS = nil
		case e.seg.Flags.Has(segment.SeekFlagSegment):
			msg = &Message{
				Kind:     MessageSegmentDone,
				Seqnum:   seqnum,
				Format:   e.seg.Format,
				Position: e.seg.Position,
			}
			ev = event.NewSegmentDone(e.seg.Format, e.seg.Position).WithSeqnum(seqnum)
		default:
			ev = event.NewEOS().WithSeqnum(seqnum)
		}
		e.forcedEOS = false
		if ev.Type == event.TypeEOS {
			e.eosSent = true
		}
		e.mu.Unlock()

		if msg != nil {
			e.post(*msg)
		}
		e.pushEvent(ctx, ev)
		if ev.Type == event.TypeEOS {
			e.collector.IncEOS()
			e.post(Message{Kind: MessageEOS, Seqnum: ev.Seqnum})
		}
		e.logDebug("streaming paused", map[string]any{"reason": kind.String(), "event": ev.String()})

	case types.IsFatal(err):
		e.logError("streaming stopped", err)
		e.reportFatal(err, seqnum)

		e.mu.Lock()
		e.eosSent = true
		e.mu.Unlock()
		e.pushEvent(ctx, event.NewEOS().WithSeqnum(seqnum))
		e.collector.IncEOS()

		e.scheduleDeactivate(gen)

	default:
		e.logDebug("streaming paused", map[string]any{"reason": kind.String()})
	}
}

// reportFatal posts a fatal error to the observer.
func (e *Engine) reportFatal(err error, seqnum uint32) {
	e.collector.IncFatal()
	e.post(Message{Kind: MessageError, Seqnum: seqnum, Err: err})
}

// fail reports a fatal pull-mode error and tears the activation down.
func (e *Engine) fail(err error, gen uint64) {
	e.logError("range request failed", err)
	e.mu.Lock()
	seqnum := e.lastSeqnum
	e.mu.Unlock()
	e.reportFatal(err, seqnum)
	e.scheduleDeactivate(gen)
}

// scheduleDeactivate deactivates activation gen on a new goroutine, so
// the streaming goroutine is never joined from itself.
func (e *Engine) scheduleDeactivate(gen uint64) {
	go e.deactivateGeneration(gen)
}

func (e *Engine) isFlushing() bool {
	e.liveMu.Lock()
	defer e.liveMu.Unlock()
	return e.flushing
}

// drainMessages posts messages queued while locks were held.
func (e *Engine) drainMessages() {
	e.mu.Lock()
	msgs := e.messages
	e.messages = nil
	e.mu.Unlock()
	for _, m := range msgs {
		e.post(m)
	}
}
