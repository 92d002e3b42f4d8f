package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/engine"
	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

func testBuffer(pts int64, data string) *types.Buffer {
	buf := types.NewBuffer([]byte(data))
	buf.PTS = pts
	buf.Duration = types.Second
	buf.Offset = 0
	buf.OffsetEnd = uint64(len(data))
	return buf
}

func readAll(t *testing.T, data []byte) []*Record {
	t.Helper()
	rd := NewReader(bytes.NewReader(data))
	var out []*Record
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		out = append(out, rec)
	}
}

func TestRecorder_WritesHeaderThenDeliveries(t *testing.T) {
	var out bytes.Buffer
	next := &flow.Collector{}
	r := NewRecorder(&out, RecorderConfig{
		Header:   Header{EngineID: "e1", Source: "pattern", Format: "time"},
		KeepData: true,
		Next:     next,
	})
	ctx := context.Background()

	seg := segment.New(types.FormatTime)
	seg.Start = 5 * types.Second
	r.PushEvent(ctx, event.NewSegment(seg))
	buf := testBuffer(5*types.Second, "hello")
	buf.SetFlag(types.BufferDiscont)
	if err := r.PushBuffer(ctx, buf); err != nil {
		t.Fatalf("PushBuffer() error: %v", err)
	}
	r.PushEvent(ctx, event.NewEOS())

	if n := len(next.Items()); n != 3 {
		t.Errorf("forwarded %d deliveries, want 3", n)
	}
	if r.Records() != 4 {
		t.Errorf("Records() = %d, want 4", r.Records())
	}
	if r.BytesWritten() != int64(out.Len()) {
		t.Errorf("BytesWritten() = %d, want %d", r.BytesWritten(), out.Len())
	}

	recs := readAll(t, out.Bytes())
	if len(recs) != 4 {
		t.Fatalf("read %d records, want 4", len(recs))
	}
	if recs[0].Type != RecordHeader || recs[0].Header.Version != types.CaptureVersion || recs[0].Header.EngineID != "e1" {
		t.Errorf("header = %+v", recs[0].Header)
	}
	for i, rec := range recs {
		if rec.Seq != uint64(i) {
			t.Errorf("record %d seq = %d", i, rec.Seq)
		}
	}

	gotSeg := recs[1].Event.Event()
	if gotSeg.Type != event.TypeSegment || gotSeg.Segment.Start != 5*types.Second || gotSeg.Segment.Format != types.FormatTime {
		t.Errorf("segment event = %+v", gotSeg.Segment)
	}
	gotBuf := recs[2].Buffer.Buffer()
	if string(gotBuf.Data) != "hello" || gotBuf.PTS != 5*types.Second || !gotBuf.HasFlag(types.BufferDiscont) {
		t.Errorf("buffer = %+v", gotBuf)
	}
}

func TestRecorder_MetadataOnly(t *testing.T) {
	var out bytes.Buffer
	r := NewRecorder(&out, RecorderConfig{})
	_ = r.PushBuffer(context.Background(), testBuffer(0, "payload"))

	recs := readAll(t, out.Bytes())
	if b := recs[1].Buffer; b.Size != 7 || b.Data != nil {
		t.Errorf("buffer record size=%d data=%q, want size only", b.Size, b.Data)
	}
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("disk full")
	}
	w.after--
	return len(p), nil
}

func TestRecorder_WriteErrorIsLatched(t *testing.T) {
	next := &flow.Collector{}
	r := NewRecorder(&failingWriter{after: 2}, RecorderConfig{Next: next})
	ctx := context.Background()

	if err := r.PushBuffer(ctx, testBuffer(0, "a")); err != nil {
		t.Fatalf("first PushBuffer() error: %v", err)
	}
	err := r.PushBuffer(ctx, testBuffer(1, "b"))
	if err == nil || !types.IsFatal(err) {
		t.Fatalf("second PushBuffer() error = %v, want fatal", err)
	}
	if !errors.Is(r.PushBuffer(ctx, testBuffer(2, "c")), r.Err()) {
		t.Error("later pushes should return the latched error")
	}
	if !r.PushEvent(ctx, event.NewEOS()) {
		t.Error("events should still be forwarded to next")
	}
	if len(next.Buffers()) != 1 {
		t.Errorf("forwarded %d buffers, want 1", len(next.Buffers()))
	}
}

func TestFrameDecoder_Errors(t *testing.T) {
	huge := make([]byte, LengthPrefixSize)
	binary.BigEndian.PutUint32(huge, MaxPayloadSize+1)
	_, err := NewFrameDecoder(bytes.NewReader(huge)).ReadFrame()
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameErrorTooLarge || !fe.IsFatal() {
		t.Errorf("oversized frame error = %v", err)
	}

	frame, err := EncodeFrame(&Record{Type: RecordEvent, Event: &EventRecord{Type: "eos"}})
	if err != nil {
		t.Fatalf("EncodeFrame() error: %v", err)
	}
	_, err = NewFrameDecoder(bytes.NewReader(frame[:len(frame)-1])).ReadFrame()
	if !IsFatalFrameError(err) {
		t.Errorf("truncated frame error = %v, want fatal", err)
	}

	_, err = NewFrameDecoder(bytes.NewReader(frame[:2])).ReadFrame()
	if !errors.As(err, &fe) || fe.Kind != FrameErrorPartial {
		t.Errorf("truncated prefix error = %v, want partial", err)
	}

	if _, err := NewFrameDecoder(bytes.NewReader(nil)).ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("empty stream error = %v, want io.EOF", err)
	}
}

func TestDecodeRecord_UnknownType(t *testing.T) {
	frame, _ := EncodeFrame(map[string]any{"type": "artifact"})
	_, err := DecodeRecord(frame[LengthPrefixSize:])
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameErrorDecode || fe.IsFatal() {
		t.Errorf("DecodeRecord() error = %v, want non-fatal decode error", err)
	}
}

func TestSummarize(t *testing.T) {
	var out bytes.Buffer
	r := NewRecorder(&out, RecorderConfig{Header: Header{Source: "test"}})
	ctx := context.Background()
	r.PushEvent(ctx, event.NewStreamStart("s"))
	r.PushEvent(ctx, event.NewSegment(segment.New(types.FormatTime)))
	first := testBuffer(0, "abc")
	first.SetFlag(types.BufferDiscont)
	_ = r.PushBuffer(ctx, first)
	_ = r.PushBuffer(ctx, testBuffer(types.Second, "de"))
	r.PushEvent(ctx, event.NewEOS())

	// A trailing undecodable frame is skipped.
	bad, _ := EncodeFrame(map[string]any{"type": "bogus"})
	out.Write(bad)

	sum, err := Summarize(&out)
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if sum.Header == nil || sum.Header.Source != "test" {
		t.Errorf("header = %+v", sum.Header)
	}
	if sum.Buffers != 2 || sum.Bytes != 5 || sum.Discont != 1 {
		t.Errorf("buffers=%d bytes=%d discont=%d", sum.Buffers, sum.Bytes, sum.Discont)
	}
	if sum.FirstPTS != 0 || sum.LastPTS != types.Second {
		t.Errorf("pts range = %d..%d", sum.FirstPTS, sum.LastPTS)
	}
	if sum.Events["segment"] != 1 || sum.Events["eos"] != 1 || !sum.Complete {
		t.Errorf("events = %v complete = %v", sum.Events, sum.Complete)
	}
	if sum.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", sum.Skipped)
	}
}

func TestSummarize_TruncatedCapture(t *testing.T) {
	var out bytes.Buffer
	r := NewRecorder(&out, RecorderConfig{})
	_ = r.PushBuffer(context.Background(), testBuffer(0, "abc"))
	data := out.Bytes()[:out.Len()-3]

	sum, err := Summarize(bytes.NewReader(data))
	if !IsFatalFrameError(err) {
		t.Fatalf("Summarize() error = %v, want fatal frame error", err)
	}
	if sum.Records != 1 || sum.Complete {
		t.Errorf("partial summary = %+v", sum)
	}
}

type memSource struct{ data []byte }

func (s *memSource) Start() error { return nil }
func (s *memSource) Stop() error { return nil }
func (s *memSource) Size() (uint64, bool) { return uint64(len(s.data)), true }
func (s *memSource) IsSeekable() bool { return true }
func (s *memSource) Produce(_ context.Context, off uint64, n uint32) (*types.Buffer, error) {
	if off >= uint64(len(s.data)) {
		return nil, types.ErrUnexpectedEnd
	}
	end := min(off+uint64(n), uint64(len(s.data)))
	buf := types.NewBuffer(s.data[off:end])
	buf.Offset, buf.OffsetEnd = off, end
	return buf, nil
}

func TestRecorder_CapturesEngineRun(t *testing.T) {
	var out bytes.Buffer
	r := NewRecorder(&out, RecorderConfig{KeepData: true})
	cfg := engine.DefaultConfig()
	cfg.Blocksize = 4
	e, err := engine.New(&memSource{data: []byte("0123456789")}, r, cfg)
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}
	t.Cleanup(func() { _ = e.Deactivate(context.Background()) })

	if err := e.Activate(t.Context(), engine.ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().EOSSent == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for EOS")
		}
		time.Sleep(time.Millisecond)
	}

	var payload []byte
	for _, rec := range readAll(t, out.Bytes()) {
		if rec.Type == RecordBuffer {
			payload = append(payload, rec.Buffer.Data...)
		}
	}
	if string(payload) != "0123456789" {
		t.Errorf("captured payload = %q", payload)
	}
}
