package types

// BufferFlags mark properties of a buffer relative to its predecessor.
type BufferFlags uint32

const (
	// BufferDiscont marks the first buffer after a discontinuity
	// (activation, seek, reverse playback step).
	BufferDiscont BufferFlags = 1 << iota
	// BufferDeltaUnit marks a buffer that cannot be decoded on its own.
	BufferDeltaUnit
)

// Buffer is an opaque timestamped byte range.
// Once handed downstream a buffer is shared and must be treated as
// immutable by everyone but its producer.
type Buffer struct {
	Data []byte
	// PTS is the presentation timestamp, None when unknown.
	PTS int64
	// DTS is the decode timestamp, None when unknown.
	DTS int64
	// Duration is None when unknown.
	Duration int64
	// Offset is the producer-specific start offset (bytes for byte sources).
	Offset uint64
	// OffsetEnd is the producer-specific end offset.
	OffsetEnd uint64
	Flags     BufferFlags
}

// NewBuffer wraps data in a buffer with every timestamp unset.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{
		Data:      data,
		PTS:       None,
		DTS:       None,
		Duration:  None,
		Offset:    OffsetNone,
		OffsetEnd: OffsetNone,
	}
}

// Size returns the payload length in bytes.
func (b *Buffer) Size() uint64 {
	if b == nil {
		return 0
	}
	return uint64(len(b.Data))
}

// Timestamp returns DTS when set, otherwise PTS.
func (b *Buffer) Timestamp() int64 {
	if b.DTS != None {
		return b.DTS
	}
	return b.PTS
}

// HasFlag reports whether every bit of f is set.
func (b *Buffer) HasFlag(f BufferFlags) bool {
	return b.Flags&f == f
}

// SetFlag sets f.
func (b *Buffer) SetFlag(f BufferFlags) {
	b.Flags |= f
}
