package event

import (
	"fmt"

	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

// Seek asks an engine to replace its segment.
type Seek struct {
	Rate      float64
	Format    types.Format
	Flags     segment.SeekFlags
	StartType segment.SeekType
	Start     int64
	StopType  segment.SeekType
	Stop      int64
	// Seqnum identifies the seek. Engines ignore a repeat of the seqnum
	// they applied last.
	Seqnum uint32
}

// NewSeek creates a seek with a fresh seqnum.
func NewSeek(rate float64, format types.Format, flags segment.SeekFlags,
	startType segment.SeekType, start int64, stopType segment.SeekType, stop int64) *Seek {
	return &Seek{
		Rate:      rate,
		Format:    format,
		Flags:     flags,
		StartType: startType,
		Start:     start,
		StopType:  stopType,
		Stop:      stop,
		Seqnum:    NextSeqnum(),
	}
}

// NewSimpleSeek creates an absolute seek to [start, stop] at rate 1.
// stop may be None.
func NewSimpleSeek(format types.Format, flags segment.SeekFlags, start, stop int64) *Seek {
	stopType := segment.SeekSet
	if stop == types.None {
		stopType = segment.SeekNone
	}
	return NewSeek(1.0, format, flags, segment.SeekSet, start, stopType, stop)
}

// IsRelative reports whether either boundary depends on segment state.
func (s *Seek) IsRelative() bool {
	return s.StartType.IsRelative() || s.StopType.IsRelative()
}

// Flushing reports whether the seek flushes.
func (s *Seek) Flushing() bool {
	return s.Flags.Has(segment.SeekFlagFlush)
}

// Validate checks the request for values no engine can apply.
func (s *Seek) Validate() error {
	if s.Rate == 0 {
		return segment.ErrInvalidRate
	}
	if s.Format == types.FormatUndefined {
		return fmt.Errorf("seek: format is undefined")
	}
	return nil
}

func (s *Seek) String() string {
	return fmt.Sprintf("seek(seqnum=%d rate=%g format=%s start=%s:%d stop=%s:%d flags=%#x)",
		s.Seqnum, s.Rate, s.Format, s.StartType, s.Start, s.StopType, s.Stop, uint32(s.Flags))
}
