// Package segment tracks the configured playback range of a stream and
// converts stream positions to running time and stream time.
//
// A Segment is a plain value. Callers that share one across goroutines
// guard it themselves; the engine keeps its segment under its object lock
// and hands out copies.
package segment

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/sluice/types"
)

// SeekType says how a seek boundary is interpreted.
type SeekType int

const (
	// SeekNone keeps the current boundary.
	SeekNone SeekType = iota
	// SeekSet is an absolute boundary.
	SeekSet
	// SeekCur is relative to the current position.
	SeekCur
	// SeekEnd is relative to the duration.
	SeekEnd
)

// IsRelative reports whether the boundary depends on existing segment state.
func (t SeekType) IsRelative() bool {
	return t == SeekCur || t == SeekEnd
}

func (t SeekType) String() string {
	switch t {
	case SeekNone:
		return "none"
	case SeekSet:
		return "set"
	case SeekCur:
		return "cur"
	case SeekEnd:
		return "end"
	default:
		return fmt.Sprintf("seek-type(%d)", int(t))
	}
}

// SeekFlags modify a seek.
type SeekFlags uint32

const (
	// SeekFlagFlush discards in-flight data downstream before the new
	// segment starts.
	SeekFlagFlush SeekFlags = 1 << iota
	// SeekFlagAccurate asks for sample-exact positioning.
	SeekFlagAccurate
	// SeekFlagKeyUnit asks for positioning on the nearest key unit.
	SeekFlagKeyUnit
	// SeekFlagSegment ends the segment with segment-done instead of EOS.
	SeekFlagSegment
)

// Has reports whether every bit of f is set.
func (f SeekFlags) Has(flag SeekFlags) bool {
	return f&flag == flag
}

// Errors returned by DoSeek.
var (
	ErrInvalidRate      = errors.New("segment: rate must be non-zero")
	ErrFormatMismatch   = errors.New("segment: seek format does not match segment format")
	ErrUnknownDuration  = errors.New("segment: end-relative seek without known duration")
	ErrUnknownPosition  = errors.New("segment: current-relative seek without known position")
	ErrNegativeBoundary = errors.New("segment: boundary resolves before zero")
	ErrStartAfterStop   = errors.New("segment: start lies after stop")
)

// Segment is the configured playback range.
type Segment struct {
	Flags SeekFlags
	// Rate is the playback rate requested by the last seek.
	Rate float64
	// AppliedRate is the rate already applied upstream.
	AppliedRate float64
	Format      types.Format
	// Base is the running time accumulated by earlier segments.
	Base     int64
	Start    int64
	Stop     int64
	Time     int64
	Position int64
	Duration int64
}

// New returns a full-range segment in format.
func New(format types.Format) Segment {
	var s Segment
	s.Init(format)
	return s
}

// Init resets s to a full-range segment in format.
func (s *Segment) Init(format types.Format) {
	*s = Segment{
		Rate:        1.0,
		AppliedRate: 1.0,
		Format:      format,
		Base:        0,
		Start:       0,
		Stop:        types.None,
		Time:        0,
		Position:    0,
		Duration:    types.None,
	}
}

// DoSeek applies a seek to s. It reports whether the position changed.
// On error s is left untouched.
func (s *Segment) DoSeek(rate float64, format types.Format, flags SeekFlags,
	startType SeekType, start int64, stopType SeekType, stop int64) (bool, error) {
	if rate == 0 {
		return false, ErrInvalidRate
	}
	if format != s.Format {
		return false, ErrFormatMismatch
	}

	var err error
	if start, err = s.resolve(startType, start, s.Start, true); err != nil {
		return false, err
	}
	if stop, err = s.resolve(stopType, stop, s.Stop, false); err != nil {
		return false, err
	}

	if s.Duration != types.None {
		start = min(start, s.Duration)
		if stop != types.None {
			stop = min(stop, s.Duration)
		}
	}
	if stop != types.None && start > stop {
		return false, ErrStartAfterStop
	}

	var base int64
	if !flags.Has(SeekFlagFlush) {
		base = s.Base
		if rt := s.ToRunningTime(s.clampedPosition()); rt != types.None {
			base = rt
		}
	}

	position := s.Position
	if rate > 0 && startType != SeekNone {
		position = start
	} else if rate < 0 && stopType != SeekNone {
		switch {
		case stop != types.None:
			position = stop
		case s.Duration != types.None:
			position = s.Duration
		default:
			position = 0
		}
	}
	updated := position != s.Position

	s.Flags = flags
	s.Rate = rate
	s.AppliedRate = 1.0
	s.Base = base
	s.Start = start
	s.Stop = stop
	s.Time = start
	s.Position = position
	return updated, nil
}

func (s *Segment) resolve(t SeekType, v, current int64, isStart bool) (int64, error) {
	var out int64
	switch t {
	case SeekNone:
		return current, nil
	case SeekSet:
		out = v
		if isStart && out == types.None {
			out = 0
		}
		if !isStart && out == types.None {
			return types.None, nil
		}
	case SeekCur:
		if s.Position == types.None {
			return 0, ErrUnknownPosition
		}
		out = s.Position + v
	case SeekEnd:
		if s.Duration == types.None {
			if !isStart {
				return types.None, nil
			}
			return 0, ErrUnknownDuration
		}
		out = s.Duration + v
	default:
		return 0, fmt.Errorf("segment: unknown seek type %d", int(t))
	}
	if out < 0 {
		if isStart {
			return 0, ErrNegativeBoundary
		}
		out = 0
	}
	return out, nil
}

func (s *Segment) clampedPosition() int64 {
	p := s.Position
	if p == types.None {
		return types.None
	}
	if s.Stop != types.None && p > s.Stop {
		p = s.Stop
	}
	if p < s.Start {
		p = s.Start
	}
	return p
}

// ToRunningTime maps pos to the running time of the pipeline. Positions
// outside [Start, Stop] have no running time and return None. For negative
// rates running time grows as pos moves from Stop towards Start.
func (s *Segment) ToRunningTime(pos int64) int64 {
	if pos == types.None || pos < s.Start {
		return types.None
	}
	var result int64
	if s.Rate > 0 {
		if s.Stop != types.None && pos > s.Stop {
			return types.None
		}
		result = pos - s.Start
	} else {
		stop := s.Stop
		if stop == types.None {
			stop = s.Duration
		}
		if stop == types.None || pos > stop {
			return types.None
		}
		result = stop - pos
	}
	if r := abs(s.Rate); r != 1.0 {
		result = int64(float64(result) / r)
	}
	return result + s.Base
}

// ToStreamTime maps pos to stream time: the time shown to the user,
// anchored at Time for Start.
func (s *Segment) ToStreamTime(pos int64) int64 {
	if pos == types.None || s.Time == types.None || pos < s.Start {
		return types.None
	}
	if s.Stop != types.None && pos > s.Stop {
		return types.None
	}
	result := pos - s.Start
	if r := abs(s.AppliedRate); r != 1.0 {
		result = int64(float64(result) * r)
	}
	if s.AppliedRate > 0 {
		return s.Time + result
	}
	if result > s.Time {
		return 0
	}
	return s.Time - result
}

// Clip clips [start, stop) against the segment. It reports false when the
// range lies entirely outside. stop may be None for an open range.
func (s *Segment) Clip(start, stop int64) (int64, int64, bool) {
	if s.Stop != types.None && start != types.None &&
		(start > s.Stop || (s.Start != s.Stop && start == s.Stop)) {
		return 0, 0, false
	}
	if stop != types.None && stop < s.Start {
		return 0, 0, false
	}
	if start == types.None || start < s.Start {
		start = s.Start
	}
	if s.Stop != types.None && (stop == types.None || stop > s.Stop) {
		stop = s.Stop
	}
	return start, stop, true
}

// Contains reports whether pos lies within [Start, Stop].
func (s *Segment) Contains(pos int64) bool {
	if pos == types.None || pos < s.Start {
		return false
	}
	return s.Stop == types.None || pos <= s.Stop
}

func (s Segment) String() string {
	return fmt.Sprintf("segment{format=%s rate=%g base=%d start=%d stop=%d time=%d position=%d duration=%d}",
		s.Format, s.Rate, s.Base, s.Start, s.Stop, s.Time, s.Position, s.Duration)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
