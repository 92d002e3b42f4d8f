package engine

import (
	"context"

	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

// Source produces buffers for an Engine. Start and Stop bracket one
// activation; Produce is called from a single goroutine at a time.
type Source interface {
	// Start opens the producer's resources.
	Start() error
	// Stop releases them. Called once per successful Start.
	Stop() error
	// Produce returns up to length bytes starting at offset. Byte sources
	// honor offset; other formats receive types.OffsetNone and track their
	// own position. ctx is canceled when the engine starts flushing.
	Produce(ctx context.Context, offset uint64, length uint32) (*types.Buffer, error)
}

// Sizer reports the total size in bytes of a byte-format producer.
type Sizer interface {
	Size() (uint64, bool)
}

// Seekable reports whether the producer can reposition.
type Seekable interface {
	IsSeekable() bool
}

// Seeker repositions the producer to a new segment. It may adjust seg (for
// example to snap Start to a key unit) and reports whether the seek is
// possible.
type Seeker interface {
	DoSeek(seg *segment.Segment) bool
}

// Converter converts a value between formats.
type Converter interface {
	Convert(src types.Format, value int64, dst types.Format) (int64, bool)
}

// SyncTimer reports the clock times a buffer should be presented at.
// A start of types.None means the buffer is not synchronized.
type SyncTimer interface {
	SyncTimes(buf *types.Buffer) (start, end int64)
}

// Unlocker lets a producer that blocks outside of ctx be interrupted.
// Unlock is called when flushing starts and UnlockStop when it ends.
type Unlocker interface {
	Unlock()
	UnlockStop()
}

// MessageKind classifies host notifications.
type MessageKind int

const (
	// MessageError reports a fatal error. The engine deactivates itself.
	MessageError MessageKind = iota + 1
	// MessageEOS reports that EOS was delivered downstream.
	MessageEOS
	// MessageSegmentStart reports that a segment seek was committed.
	MessageSegmentStart
	// MessageSegmentDone reports that a segment seek reached its end.
	MessageSegmentDone
	// MessageLatency reports a change of the live latency.
	MessageLatency
)

func (k MessageKind) String() string {
	switch k {
	case MessageError:
		return "error"
	case MessageEOS:
		return "eos"
	case MessageSegmentStart:
		return "segment-start"
	case MessageSegmentDone:
		return "segment-done"
	case MessageLatency:
		return "latency"
	default:
		return "unknown"
	}
}

// Message is a notification for the host application.
type Message struct {
	Kind     MessageKind
	EngineID string
	Seqnum   uint32
	// Err is set for MessageError.
	Err error
	// Format and Position are set for segment messages.
	Format   types.Format
	Position int64
	// Latency is set for MessageLatency.
	Latency int64
}

// Observer receives host notifications. OnMessage is called without engine
// locks held, possibly from the streaming goroutine; it must not block for
// long.
type Observer interface {
	OnMessage(msg Message)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(msg Message)

// OnMessage implements Observer.
func (f ObserverFunc) OnMessage(msg Message) {
	f(msg)
}
