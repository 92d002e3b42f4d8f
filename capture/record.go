package capture

import (
	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

// Record type discriminants.
const (
	RecordHeader = "header"
	RecordBuffer = "buffer"
	RecordEvent  = "event"
)

// Record is one frame of a capture.
type Record struct {
	Type string `msgpack:"type"`
	// Seq numbers records from 0 in write order.
	Seq uint64 `msgpack:"seq"`
	// At is the wall clock time of the delivery in Unix nanoseconds.
	At int64 `msgpack:"at"`

	Header *Header       `msgpack:"header,omitempty"`
	Buffer *BufferRecord `msgpack:"buffer,omitempty"`
	Event  *EventRecord  `msgpack:"event,omitempty"`
}

// Header identifies a capture.
type Header struct {
	Version  string `msgpack:"version"`
	EngineID string `msgpack:"engine_id,omitempty"`
	Source   string `msgpack:"source,omitempty"`
	Format   string `msgpack:"format,omitempty"`
}

// BufferRecord is a delivered buffer. Data is only kept when the
// recorder was asked to keep payloads.
type BufferRecord struct {
	PTS       int64  `msgpack:"pts"`
	DTS       int64  `msgpack:"dts"`
	Duration  int64  `msgpack:"duration"`
	Offset    uint64 `msgpack:"offset"`
	OffsetEnd uint64 `msgpack:"offset_end"`
	Flags     uint32 `msgpack:"flags"`
	Size      uint64 `msgpack:"size"`
	Data      []byte `msgpack:"data,omitempty"`
}

// SegmentRecord is a segment carried by a segment or close-segment event.
type SegmentRecord struct {
	Flags       uint32  `msgpack:"flags"`
	Rate        float64 `msgpack:"rate"`
	AppliedRate float64 `msgpack:"applied_rate"`
	Format      string  `msgpack:"format"`
	Base        int64   `msgpack:"base"`
	Start       int64   `msgpack:"start"`
	Stop        int64   `msgpack:"stop"`
	Time        int64   `msgpack:"time"`
	Position    int64   `msgpack:"position"`
	Duration    int64   `msgpack:"duration"`
}

// EventRecord is a delivered event.
type EventRecord struct {
	Type      string         `msgpack:"type"`
	Seqnum    uint32         `msgpack:"seqnum"`
	Segment   *SegmentRecord `msgpack:"segment,omitempty"`
	Format    string         `msgpack:"format,omitempty"`
	Position  int64          `msgpack:"position"`
	ResetTime bool           `msgpack:"reset_time,omitempty"`
	StreamID  string         `msgpack:"stream_id,omitempty"`
	Tags      map[string]any `msgpack:"tags,omitempty"`
	Name      string         `msgpack:"name,omitempty"`
	Payload   any            `msgpack:"payload,omitempty"`
}

// NewBufferRecord describes buf, keeping its payload when withData is set.
func NewBufferRecord(buf *types.Buffer, withData bool) *BufferRecord {
	rec := &BufferRecord{
		PTS:       buf.PTS,
		DTS:       buf.DTS,
		Duration:  buf.Duration,
		Offset:    buf.Offset,
		OffsetEnd: buf.OffsetEnd,
		Flags:     uint32(buf.Flags),
		Size:      buf.Size(),
	}
	if withData {
		rec.Data = buf.Data
	}
	return rec
}

// Buffer rebuilds the recorded buffer. Buffers recorded without payload
// come back with nil Data.
func (r *BufferRecord) Buffer() *types.Buffer {
	buf := types.NewBuffer(r.Data)
	buf.PTS = r.PTS
	buf.DTS = r.DTS
	buf.Duration = r.Duration
	buf.Offset = r.Offset
	buf.OffsetEnd = r.OffsetEnd
	buf.Flags = types.BufferFlags(r.Flags)
	return buf
}

// NewSegmentRecord describes seg.
func NewSegmentRecord(seg *segment.Segment) *SegmentRecord {
	return &SegmentRecord{
		Flags:       uint32(seg.Flags),
		Rate:        seg.Rate,
		AppliedRate: seg.AppliedRate,
		Format:      seg.Format.String(),
		Base:        seg.Base,
		Start:       seg.Start,
		Stop:        seg.Stop,
		Time:        seg.Time,
		Position:    seg.Position,
		Duration:    seg.Duration,
	}
}

// Segment rebuilds the recorded segment. An unknown format name yields
// FormatUndefined.
func (r *SegmentRecord) Segment() segment.Segment {
	format, _ := types.ParseFormat(r.Format)
	return segment.Segment{
		Flags:       segment.SeekFlags(r.Flags),
		Rate:        r.Rate,
		AppliedRate: r.AppliedRate,
		Format:      format,
		Base:        r.Base,
		Start:       r.Start,
		Stop:        r.Stop,
		Time:        r.Time,
		Position:    r.Position,
		Duration:    r.Duration,
	}
}

// NewEventRecord describes ev.
func NewEventRecord(ev *event.Event) *EventRecord {
	rec := &EventRecord{
		Type:      string(ev.Type),
		Seqnum:    ev.Seqnum,
		Position:  ev.Position,
		ResetTime: ev.ResetTime,
		StreamID:  ev.StreamID,
		Tags:      ev.Tags,
		Name:      ev.Name,
		Payload:   ev.Payload,
	}
	if ev.Segment != nil {
		rec.Segment = NewSegmentRecord(ev.Segment)
	}
	if ev.Format != types.FormatUndefined {
		rec.Format = ev.Format.String()
	}
	return rec
}

// Event rebuilds the recorded event.
func (r *EventRecord) Event() *event.Event {
	ev := &event.Event{
		Type:      event.Type(r.Type),
		Seqnum:    r.Seqnum,
		Position:  r.Position,
		ResetTime: r.ResetTime,
		StreamID:  r.StreamID,
		Tags:      r.Tags,
		Name:      r.Name,
		Payload:   r.Payload,
	}
	if r.Segment != nil {
		seg := r.Segment.Segment()
		ev.Segment = &seg
	}
	if r.Format != "" {
		ev.Format, _ = types.ParseFormat(r.Format)
	}
	return ev
}
