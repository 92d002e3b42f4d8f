package capture

import (
	"errors"
	"io"

	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/types"
)

// Reader reads records from a capture.
type Reader struct {
	dec    *FrameDecoder
	header *Header
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: NewFrameDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the capture.
// A non-fatal *FrameError leaves the reader positioned on the next frame.
func (r *Reader) Next() (*Record, error) {
	payload, err := r.dec.ReadFrame()
	if err != nil {
		return nil, err
	}
	rec, err := DecodeRecord(payload)
	if err != nil {
		return nil, err
	}
	if rec.Type == RecordHeader && r.header == nil {
		r.header = rec.Header
	}
	return rec, nil
}

// Header returns the capture header once it has been read.
func (r *Reader) Header() *Header {
	return r.header
}

// Summary describes a capture.
type Summary struct {
	Header   *Header        `json:"header,omitempty" yaml:"header,omitempty"`
	Records  uint64         `json:"records" yaml:"records"`
	Buffers  uint64         `json:"buffers" yaml:"buffers"`
	Bytes    uint64         `json:"bytes" yaml:"bytes"`
	Discont  uint64         `json:"discont" yaml:"discont"`
	Events   map[string]int `json:"events" yaml:"events"`
	FirstPTS int64          `json:"first_pts" yaml:"first_pts"`
	LastPTS  int64          `json:"last_pts" yaml:"last_pts"`
	// Skipped counts records that could not be decoded.
	Skipped int `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	// Complete reports whether the capture ends with EOS.
	Complete bool `json:"complete" yaml:"complete"`
}

// Summarize reads a whole capture. Undecodable records are skipped and
// counted; a fatal frame error ends the read and is returned along with
// the partial summary.
func Summarize(r io.Reader) (Summary, error) {
	sum := Summary{
		Events:   make(map[string]int),
		FirstPTS: types.None,
		LastPTS:  types.None,
	}
	rd := NewReader(r)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if IsFatalFrameError(err) {
				sum.Header = rd.Header()
				return sum, err
			}
			sum.Skipped++
			continue
		}

		sum.Records++
		switch rec.Type {
		case RecordBuffer:
			sum.Complete = false
			b := rec.Buffer
			if b == nil {
				sum.Skipped++
				continue
			}
			sum.Buffers++
			sum.Bytes += b.Size
			if types.BufferFlags(b.Flags)&types.BufferDiscont != 0 {
				sum.Discont++
			}
			if b.PTS != types.None {
				if sum.FirstPTS == types.None {
					sum.FirstPTS = b.PTS
				}
				sum.LastPTS = b.PTS
			}
		case RecordEvent:
			if rec.Event == nil {
				sum.Skipped++
				continue
			}
			sum.Events[rec.Event.Type]++
			sum.Complete = event.Type(rec.Event.Type) == event.TypeEOS
		}
	}
	sum.Header = rd.Header()
	return sum, nil
}
