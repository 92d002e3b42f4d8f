// Package event defines the control events that travel alongside buffers
// and the seek requests that retarget a running engine.
package event

import (
	"fmt"
	"sync/atomic"

	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

// Type discriminates events.
type Type string

// Event type constants.
const (
	TypeStreamStart  Type = "stream_start"
	TypeFlushStart   Type = "flush_start"
	TypeFlushStop    Type = "flush_stop"
	TypeSegment      Type = "segment"
	TypeCloseSegment Type = "close_segment"
	TypeSegmentDone  Type = "segment_done"
	TypeEOS          Type = "eos"
	TypeTag          Type = "tag"
	TypeCustom       Type = "custom"
	// TypeCustomOOB is a custom event delivered immediately, ahead of any
	// queued data.
	TypeCustomOOB Type = "custom_oob"
)

// IsSerialized reports whether the event is ordered with buffers. Flush
// events and out-of-band custom events overtake data.
func (t Type) IsSerialized() bool {
	switch t {
	case TypeFlushStart, TypeFlushStop, TypeCustomOOB:
		return false
	default:
		return true
	}
}

// IsSticky reports whether a queue must keep the event when dropping data.
func (t Type) IsSticky() bool {
	switch t {
	case TypeStreamStart, TypeSegment, TypeEOS, TypeTag:
		return true
	default:
		return false
	}
}

var seqnumCounter atomic.Uint32

// NextSeqnum allocates a process-wide sequence number. Zero is never
// returned.
func NextSeqnum() uint32 {
	for {
		if n := seqnumCounter.Add(1); n != 0 {
			return n
		}
	}
}

// Event is a control message. Events are immutable once pushed.
type Event struct {
	Type   Type
	Seqnum uint32

	// Segment is set for segment and close-segment events.
	Segment *segment.Segment

	// Format and Position are set for segment-done events.
	Format   types.Format
	Position int64

	// ResetTime is set on flush-stop when running time restarts at zero.
	ResetTime bool

	// StreamID is set on stream-start.
	StreamID string

	// Tags is set on tag events.
	Tags map[string]any

	// Name and Payload are set on custom events.
	Name    string
	Payload any
}

func newEvent(t Type) *Event {
	return &Event{Type: t, Seqnum: NextSeqnum(), Position: types.None}
}

// NewStreamStart announces a new stream.
func NewStreamStart(streamID string) *Event {
	ev := newEvent(TypeStreamStart)
	ev.StreamID = streamID
	return ev
}

// NewFlushStart begins a flush.
func NewFlushStart() *Event {
	return newEvent(TypeFlushStart)
}

// NewFlushStop ends a flush.
func NewFlushStop(resetTime bool) *Event {
	ev := newEvent(TypeFlushStop)
	ev.ResetTime = resetTime
	return ev
}

// NewSegment announces seg. The event carries a copy.
func NewSegment(seg segment.Segment) *Event {
	ev := newEvent(TypeSegment)
	ev.Segment = &seg
	return ev
}

// NewCloseSegment closes the range [seg.Start, seg.Position] of a segment
// that is being replaced without a flush.
func NewCloseSegment(seg segment.Segment) *Event {
	ev := newEvent(TypeCloseSegment)
	seg.Stop = seg.Position
	ev.Segment = &seg
	return ev
}

// NewSegmentDone ends a segment seek at position.
func NewSegmentDone(format types.Format, position int64) *Event {
	ev := newEvent(TypeSegmentDone)
	ev.Format = format
	ev.Position = position
	return ev
}

// NewEOS ends the stream.
func NewEOS() *Event {
	return newEvent(TypeEOS)
}

// NewTag carries stream metadata.
func NewTag(tags map[string]any) *Event {
	ev := newEvent(TypeTag)
	ev.Tags = tags
	return ev
}

// NewCustom carries an application event. Out-of-band events are
// delivered immediately instead of in order with data.
func NewCustom(name string, payload any, oob bool) *Event {
	t := TypeCustom
	if oob {
		t = TypeCustomOOB
	}
	ev := newEvent(t)
	ev.Name = name
	ev.Payload = payload
	return ev
}

// WithSeqnum returns ev with its sequence number replaced. Events that
// belong to one seek share the seek's seqnum.
func (ev *Event) WithSeqnum(seqnum uint32) *Event {
	ev.Seqnum = seqnum
	return ev
}

// Range returns the range an event covers. Segment events cover
// [Position, Stop] of the new segment, close-segment events cover
// [Start, Position] of the old one.
func (ev *Event) Range() (start, stop int64) {
	if ev.Segment == nil {
		return types.None, types.None
	}
	switch ev.Type {
	case TypeSegment:
		return ev.Segment.Position, ev.Segment.Stop
	case TypeCloseSegment:
		return ev.Segment.Start, ev.Segment.Stop
	default:
		return types.None, types.None
	}
}

func (ev *Event) String() string {
	switch ev.Type {
	case TypeSegment, TypeCloseSegment:
		start, stop := ev.Range()
		return fmt.Sprintf("%s(seqnum=%d, %d..%d)", ev.Type, ev.Seqnum, start, stop)
	case TypeSegmentDone:
		return fmt.Sprintf("%s(seqnum=%d, %s=%d)", ev.Type, ev.Seqnum, ev.Format, ev.Position)
	case TypeCustom, TypeCustomOOB:
		return fmt.Sprintf("%s(seqnum=%d, %s)", ev.Type, ev.Seqnum, ev.Name)
	default:
		return fmt.Sprintf("%s(seqnum=%d)", ev.Type, ev.Seqnum)
	}
}
