package sources

import (
	"context"
	"errors"
	"sync"

	"github.com/pithecene-io/sluice/engine"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

// PatternConfig configures a Pattern.
type PatternConfig struct {
	// BytesPerSecond is the payload rate. Defaults to 8000.
	BytesPerSecond int64
	// BufferDuration is the time covered by one buffer. Defaults to 100ms.
	BufferDuration int64
	// Duration is the total length, types.None for an endless stream.
	Duration int64
	// Live makes the pattern pseudo-live: buffers are synchronized on
	// their own timestamps.
	Live bool
}

// DefaultPatternConfig returns a ten second, non-live pattern.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		BytesPerSecond: 8000,
		BufferDuration: types.Second / 10,
		Duration:       10 * types.Second,
	}
}

// ErrInvalidPattern is returned for a config with non-positive rates.
var ErrInvalidPattern = errors.New("sources: pattern rates must be positive")

// Pattern is a synthetic time-format producer. Payload bytes are a ramp
// derived from the byte offset, so any buffer can be verified on its own.
// It seeks in time (including negative rates) and converts between time,
// bytes and buffer counts.
type Pattern struct {
	cfg PatternConfig

	mu   sync.Mutex
	next int64 // PTS of the next buffer for forward playback, end for reverse
	seg  segment.Segment
}

// NewPattern creates a pattern producer.
func NewPattern(cfg PatternConfig) (*Pattern, error) {
	if cfg.BytesPerSecond == 0 {
		cfg.BytesPerSecond = 8000
	}
	if cfg.BufferDuration == 0 {
		cfg.BufferDuration = types.Second / 10
	}
	if cfg.BytesPerSecond < 0 || cfg.BufferDuration < 0 {
		return nil, ErrInvalidPattern
	}
	if cfg.Duration < 0 {
		cfg.Duration = types.None
	}
	p := &Pattern{cfg: cfg}
	p.seg.Init(types.FormatTime)
	return p, nil
}

// Config returns the pattern's configuration.
func (p *Pattern) Config() PatternConfig {
	return p.cfg
}

// Start rewinds to the beginning.
func (p *Pattern) Start() error {
	p.mu.Lock()
	p.next = 0
	p.seg.Init(types.FormatTime)
	p.seg.Duration = p.cfg.Duration
	p.mu.Unlock()
	return nil
}

// Stop is a no-op.
func (p *Pattern) Stop() error {
	return nil
}

// IsSeekable reports true.
func (p *Pattern) IsSeekable() bool {
	return true
}

// DoSeek repositions to seg. Reverse playback starts at the segment stop,
// or the end of a finite pattern.
func (p *Pattern) DoSeek(seg *segment.Segment) bool {
	if seg.Format != types.FormatTime {
		return false
	}
	dur := p.cfg.Duration
	seg.Duration = dur
	if dur != types.None {
		seg.Start = min(seg.Start, dur)
		if seg.Stop != types.None {
			seg.Stop = min(seg.Stop, dur)
		}
	}

	next := seg.Start
	if seg.Rate < 0 {
		switch {
		case seg.Stop != types.None:
			next = seg.Stop
		case dur != types.None:
			next = dur
		default:
			return false
		}
	}
	seg.Position = next
	seg.Time = seg.Start

	p.mu.Lock()
	p.next = next
	p.seg = *seg
	p.mu.Unlock()
	return true
}

// Produce returns the next buffer of the current segment.
func (p *Pattern) Produce(ctx context.Context, _ uint64, _ uint32) (*types.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var start, stop int64
	if p.seg.Rate >= 0 {
		start = p.next
		stop = start + p.cfg.BufferDuration
		if p.cfg.Duration != types.None {
			if start >= p.cfg.Duration {
				return nil, types.NewFlowError(types.FlowUnexpectedEnd, "pattern ended at %d", start)
			}
			stop = min(stop, p.cfg.Duration)
		}
	} else {
		stop = p.next
		if stop <= p.seg.Start {
			return nil, types.NewFlowError(types.FlowUnexpectedEnd, "pattern reached segment start %d", stop)
		}
		start = max(stop-p.cfg.BufferDuration, p.seg.Start)
	}

	cstart, cstop, ok := p.seg.Clip(start, stop)
	if !ok || cstop <= cstart {
		return nil, types.NewFlowError(types.FlowUnexpectedEnd, "pattern outside segment")
	}

	if p.seg.Rate >= 0 {
		p.next = cstop
	} else {
		p.next = cstart
	}

	offset := p.bytesAt(cstart)
	end := p.bytesAt(cstop)
	data := make([]byte, end-offset)
	for i := range data {
		data[i] = byte(offset + uint64(i))
	}

	buf := types.NewBuffer(data)
	buf.PTS = cstart
	buf.Duration = cstop - cstart
	buf.Offset = offset
	buf.OffsetEnd = end
	return buf, nil
}

func (p *Pattern) bytesAt(t int64) uint64 {
	return uint64(float64(t) * float64(p.cfg.BytesPerSecond) / float64(types.Second))
}

// Convert converts between time, bytes and buffer counts.
func (p *Pattern) Convert(src types.Format, value int64, dst types.Format) (int64, bool) {
	if src == dst {
		return value, true
	}
	if value == types.None {
		return types.None, true
	}

	var t int64
	switch src {
	case types.FormatTime:
		t = value
	case types.FormatBytes:
		t = int64(float64(value) * float64(types.Second) / float64(p.cfg.BytesPerSecond))
	case types.FormatBuffers, types.FormatDefault:
		t = value * p.cfg.BufferDuration
	default:
		return 0, false
	}

	switch dst {
	case types.FormatTime:
		return t, true
	case types.FormatBytes:
		return int64(p.bytesAt(t)), true
	case types.FormatBuffers, types.FormatDefault:
		return t / p.cfg.BufferDuration, true
	default:
		return 0, false
	}
}

// SyncTimes returns the buffer's time span when the pattern is live.
func (p *Pattern) SyncTimes(buf *types.Buffer) (int64, int64) {
	if !p.cfg.Live || buf.PTS == types.None {
		return types.None, types.None
	}
	end := types.None
	if buf.Duration != types.None {
		end = buf.PTS + buf.Duration
	}
	return buf.PTS, end
}

var (
	_ engine.Source    = (*Pattern)(nil)
	_ engine.Seekable  = (*Pattern)(nil)
	_ engine.Seeker    = (*Pattern)(nil)
	_ engine.Converter = (*Pattern)(nil)
	_ engine.SyncTimer = (*Pattern)(nil)
)
