package engine

import (
	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/types"
)

// Latency is the answer to a latency query.
type Latency struct {
	Live bool
	// Min is the startup latency measured on the first synchronized
	// buffer, zero before that.
	Min int64
	// Max is None: the engine does not bound its latency.
	Max int64
}

// QueryLatency reports whether the producer is live and its latency.
func (e *Engine) QueryLatency() Latency {
	e.mu.Lock()
	defer e.mu.Unlock()
	lat := Latency{Live: e.live, Max: types.None}
	if e.latency != -1 {
		lat.Min = e.latency
	}
	return lat
}

// QueryPosition returns the current position converted to format.
func (e *Engine) QueryPosition(format types.Format) (int64, bool) {
	e.mu.Lock()
	seg := e.seg
	e.mu.Unlock()

	if format == types.FormatPercent {
		if seg.Position == types.None || seg.Duration == types.None || seg.Duration <= 0 {
			return types.None, true
		}
		if seg.Position >= seg.Duration {
			return types.PercentMax, true
		}
		return int64(float64(types.PercentMax) * float64(seg.Position) / float64(seg.Duration)), true
	}
	if seg.Position == types.None {
		return types.None, true
	}
	return e.QueryConvert(seg.Format, seg.Position, format)
}

// QueryDuration returns the total duration converted to format. Byte
// producers are asked for their size again.
func (e *Engine) QueryDuration(format types.Format) (int64, bool) {
	if format == types.FormatPercent {
		return types.PercentMax, true
	}

	e.mu.Lock()
	pendingEOS := e.pendingEOS != nil
	segFormat := e.seg.Format
	e.mu.Unlock()
	if segFormat == types.FormatBytes && !pendingEOS {
		if s, ok := e.source.(Sizer); ok {
			size := types.None
			if n, ok := s.Size(); ok {
				size = int64(n)
			}
			e.mu.Lock()
			e.seg.Duration = size
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	duration := e.seg.Duration
	e.mu.Unlock()
	if duration == types.None {
		return types.None, true
	}
	return e.QueryConvert(segFormat, duration, format)
}

// Seeking is the answer to a seeking query.
type Seeking struct {
	Format   types.Format
	Seekable bool
	Start    int64
	End      int64
}

// QuerySeeking reports whether the engine can seek in format and over
// which range. Only the segment format is seekable.
func (e *Engine) QuerySeeking(format types.Format) Seeking {
	e.mu.Lock()
	segFormat := e.seg.Format
	duration := e.seg.Duration
	e.mu.Unlock()

	if format != segFormat {
		return Seeking{Format: segFormat, Start: 0, End: types.None}
	}
	return Seeking{Format: segFormat, Seekable: e.seekable(), Start: 0, End: duration}
}

// QueryConvert converts value from src to dst through the producer's
// Converter, falling back to percent of the segment duration.
func (e *Engine) QueryConvert(src types.Format, value int64, dst types.Format) (int64, bool) {
	e.mu.Lock()
	segFormat := e.seg.Format
	duration := e.seg.Duration
	e.mu.Unlock()

	// Percent conversions need the duration in the other format.
	if (src == types.FormatPercent && dst != segFormat) ||
		(dst == types.FormatPercent && src != segFormat) {
		duration = types.None
	}
	return e.convert(src, value, dst, duration)
}

// NewSeamlessSegment retargets the running segment to [start, stop] with
// stream time time, without a flush. Producers call it from Produce when
// they jump to new content. Running time continues where the old segment
// left off, and the old range is closed before the new segment is
// announced.
func (e *Engine) NewSeamlessSegment(start, stop, time int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running && !e.segmentPending {
		e.closeSegment = event.NewCloseSegment(e.seg)
	}
	if rt := e.seg.ToRunningTime(e.seg.Position); rt != types.None {
		e.seg.Base = rt
	}
	e.seg.Start = start
	e.seg.Position = start
	e.seg.Stop = stop
	e.seg.Time = time

	e.segmentPending = true
	e.segmentSeqnum = event.NextSeqnum()
	e.discont = true
	e.running = true
	return true
}
