package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/stage"
	"github.com/pithecene-io/sluice/types"
)

// gateConsumer blocks every buffer until the gate opens or a flush starts.
type gateConsumer struct {
	flow.Collector
	mu      sync.Mutex
	gate    chan struct{}
	flushed chan struct{}
}

func newGateConsumer() *gateConsumer {
	return &gateConsumer{gate: make(chan struct{}), flushed: make(chan struct{})}
}

func (g *gateConsumer) PushBuffer(ctx context.Context, buf *types.Buffer) error {
	g.mu.Lock()
	flushed := g.flushed
	g.mu.Unlock()
	select {
	case <-g.gate:
		return g.Collector.PushBuffer(ctx, buf)
	case <-flushed:
		return types.ErrWrongState
	}
}

func (g *gateConsumer) PushEvent(ctx context.Context, ev *event.Event) bool {
	g.mu.Lock()
	switch ev.Type {
	case event.TypeFlushStart:
		close(g.flushed)
	case event.TypeFlushStop:
		g.flushed = make(chan struct{})
	}
	g.mu.Unlock()
	return g.Collector.PushEvent(ctx, ev)
}

func TestSeek_PendingSeekAppliedOnActivation(t *testing.T) {
	sink := &flow.Collector{}
	e := newTestEngine(t, newMemSource(100), sink, nil)

	if !e.SendSeek(t.Context(), event.NewSimpleSeek(types.FormatBytes, 0, 50, types.None)) {
		t.Fatal("SendSeek() while inactive = false")
	}
	if err := e.Activate(t.Context(), ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "EOS", hasEvent(sink, event.TypeEOS))

	segs := sink.Events(event.TypeSegment)
	if len(segs) != 1 {
		t.Fatalf("segment events = %d, want 1", len(segs))
	}
	if start, _ := segs[0].Range(); start != 50 {
		t.Errorf("segment starts at %d, want 50", start)
	}
	bufs := sink.Buffers()
	if len(bufs) != 5 || bufs[0].Offset != 50 {
		t.Fatalf("got %d buffers starting at %d, want 5 from 50", len(bufs), bufs[0].Offset)
	}
	if e.Stats().SeeksPerformed != 1 {
		t.Errorf("seeks performed = %d, want 1", e.Stats().SeeksPerformed)
	}
}

func TestSeek_NonFlushingClosesOldSegment(t *testing.T) {
	src := newMemSource(100)
	src.gated = true
	sink := &flow.Collector{}
	e := newTestEngine(t, src, sink, nil)

	if err := e.Activate(t.Context(), ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	for range 2 {
		<-src.entered
		src.release <- struct{}{}
	}
	<-src.entered // third request is waiting

	seek := event.NewSeek(1.0, types.FormatBytes, 0, segment.SeekSet, 50, segment.SeekNone, types.None)
	if !e.SendSeek(t.Context(), seek) {
		t.Fatal("SendSeek() = false")
	}
	<-src.entered
	src.release <- struct{}{}
	waitFor(t, "buffer after seek", func() bool { return len(sink.Buffers()) == 3 })

	want := []string{"stream_start", "segment", "buffer", "buffer", "close_segment", "segment", "buffer"}
	if got := sequence(sink); !equalStrings(got, want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}

	closing := sink.Events(event.TypeCloseSegment)[0]
	if start, stop := closing.Range(); start != 0 || stop != 20 {
		t.Errorf("close-segment range = %d..%d, want 0..20", start, stop)
	}
	if closing.Seqnum != seek.Seqnum {
		t.Errorf("close-segment seqnum = %d, want %d", closing.Seqnum, seek.Seqnum)
	}
	opened := sink.Events(event.TypeSegment)[1]
	if start, _ := opened.Range(); start != 50 {
		t.Errorf("new segment starts at %d, want 50", start)
	}
	if opened.Segment.Base != 20 {
		t.Errorf("new segment base = %d, want 20", opened.Segment.Base)
	}

	last := sink.Buffers()[2]
	if last.Offset != 50 || !last.HasFlag(types.BufferDiscont) {
		t.Errorf("buffer after seek offset=%d discont=%v, want 50 and discont", last.Offset, last.HasFlag(types.BufferDiscont))
	}
}

func TestSeek_FlushingSeekUnblocksFullQueue(t *testing.T) {
	sink := newGateConsumer()
	e := newTestEngine(t, newMemSource(1000), sink, func(c *Config) {
		c.Queue = &stage.Config{Limits: stage.Limits{MaxBuffers: 1}}
	})
	t.Cleanup(func() {
		select {
		case <-sink.gate:
		default:
			close(sink.gate)
		}
	})

	if err := e.Activate(t.Context(), ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "producer blocked on full queue", func() bool {
		return e.OutputQueue().Stats().FullWaits > 0
	})

	done := make(chan bool, 1)
	go func() {
		done <- e.SendSeek(context.Background(),
			event.NewSimpleSeek(types.FormatBytes, segment.SeekFlagFlush, 500, types.None))
	}()
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("SendSeek() = false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flushing seek did not unblock the producer")
	}

	if n := len(sink.Events(event.TypeFlushStart)); n != 1 {
		t.Errorf("flush-start events = %d, want 1", n)
	}
	if n := len(sink.Events(event.TypeFlushStop)); n != 1 {
		t.Errorf("flush-stop events = %d, want 1", n)
	}

	close(sink.gate)
	waitFor(t, "buffer from new segment", func() bool {
		for _, b := range sink.Buffers() {
			if b.Offset == 500 {
				return true
			}
		}
		return false
	})
	if e.Stats().Flushes != 1 {
		t.Errorf("flushes = %d, want 1", e.Stats().Flushes)
	}
}

func TestSeek_DuplicateSeqnumIgnored(t *testing.T) {
	src := newMemSource(1000)
	src.gated = true
	sink := &flow.Collector{}
	e := newTestEngine(t, src, sink, nil)

	if err := e.Activate(t.Context(), ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	<-src.entered

	seek := event.NewSimpleSeek(types.FormatBytes, segment.SeekFlagFlush, 100, types.None)
	if !e.SendSeek(t.Context(), seek) {
		t.Fatal("first SendSeek() = false")
	}
	<-src.entered
	if !e.SendSeek(t.Context(), seek) {
		t.Fatal("duplicate SendSeek() = false")
	}
	<-src.entered
	src.release <- struct{}{}
	waitFor(t, "buffer", func() bool { return len(sink.Buffers()) == 1 })

	if off := sink.Buffers()[0].Offset; off != 100 {
		t.Errorf("buffer offset = %d, want 100", off)
	}
	if n := len(sink.Events(event.TypeFlushStop)); n != 2 {
		t.Errorf("flush-stop events = %d, want 2", n)
	}
	stats := e.Stats()
	if stats.SeeksDeduped != 1 || stats.SeeksPerformed != 2 {
		t.Errorf("seeks deduped=%d performed=%d, want 1 and 2", stats.SeeksDeduped, stats.SeeksPerformed)
	}
	if got := e.Segment().Start; got != 100 {
		t.Errorf("segment start = %d, want 100", got)
	}
}

func TestSeek_SegmentFlagEndsWithSegmentDone(t *testing.T) {
	sink := &flow.Collector{}
	obs := &recorder{}
	e := newTestEngine(t, newMemSource(100), sink, func(c *Config) { c.Observer = obs })

	e.SendSeek(t.Context(), event.NewSeek(1.0, types.FormatBytes, segment.SeekFlagSegment,
		segment.SeekSet, 0, segment.SeekSet, 30))
	if err := e.Activate(t.Context(), ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "segment-done", hasEvent(sink, event.TypeSegmentDone))

	if len(sink.Buffers()) != 3 {
		t.Errorf("buffers = %d, want 3", len(sink.Buffers()))
	}
	if done := sink.Events(event.TypeSegmentDone)[0]; done.Position != 30 {
		t.Errorf("segment-done position = %d, want 30", done.Position)
	}
	if len(sink.Events(event.TypeEOS)) != 0 {
		t.Error("segment seek should not end with EOS")
	}
	waitFor(t, "segment-done message", func() bool { _, ok := obs.find(MessageSegmentDone); return ok })
	if _, ok := obs.find(MessageSegmentStart); !ok {
		t.Errorf("no segment-start message, got %v", obs.kinds())
	}

	// The next segment continues without a flush.
	if !e.SendSeek(t.Context(), event.NewSeek(1.0, types.FormatBytes, segment.SeekFlagSegment,
		segment.SeekSet, 30, segment.SeekSet, 60)) {
		t.Fatal("SendSeek() for next segment = false")
	}
	waitFor(t, "second segment-done", func() bool { return len(sink.Events(event.TypeSegmentDone)) == 2 })
	if len(sink.Buffers()) != 6 {
		t.Errorf("buffers = %d, want 6", len(sink.Buffers()))
	}
}

func TestSeek_ReversePlayback(t *testing.T) {
	sink := &flow.Collector{}
	e := newTestEngine(t, newMemSource(100), sink, nil)

	e.SendSeek(t.Context(), event.NewSeek(-1.0, types.FormatBytes, 0,
		segment.SeekSet, 0, segment.SeekSet, 30))
	if err := e.Activate(t.Context(), ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "EOS", hasEvent(sink, event.TypeEOS))

	bufs := sink.Buffers()
	want := []uint64{20, 10, 0}
	if len(bufs) != len(want) {
		t.Fatalf("buffers = %d, want %d", len(bufs), len(want))
	}
	for i, b := range bufs {
		if b.Offset != want[i] {
			t.Errorf("buffer %d offset = %d, want %d", i, b.Offset, want[i])
		}
		if !b.HasFlag(types.BufferDiscont) {
			t.Errorf("buffer %d should be discont", i)
		}
	}
}

func TestSeek_PercentConvertedToBytes(t *testing.T) {
	sink := &flow.Collector{}
	e := newTestEngine(t, newMemSource(100), sink, nil)

	e.SendSeek(t.Context(), event.NewSimpleSeek(types.FormatPercent, segment.SeekFlagFlush, types.PercentMax/2, types.None))
	if err := e.Activate(t.Context(), ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "EOS", hasEvent(sink, event.TypeEOS))

	if off := sink.Buffers()[0].Offset; off != 50 {
		t.Errorf("first buffer offset = %d, want 50", off)
	}
}

func TestSeek_Refused(t *testing.T) {
	t.Run("pull mode", func(t *testing.T) {
		e := newTestEngine(t, newMemSource(100), flow.Discard{}, nil)
		if err := e.Activate(t.Context(), ModePull); err != nil {
			t.Fatalf("Activate(pull) error: %v", err)
		}
		if e.SendSeek(t.Context(), event.NewSimpleSeek(types.FormatBytes, 0, 10, types.None)) {
			t.Error("SendSeek() in pull mode = true")
		}
	})

	t.Run("not seekable", func(t *testing.T) {
		src := newMemSource(100)
		src.seekable = false
		src.gated = true
		e := newTestEngine(t, src, flow.Discard{}, nil)
		if err := e.Activate(t.Context(), ModePush); err != nil {
			t.Fatalf("Activate() error: %v", err)
		}
		if e.SendSeek(t.Context(), event.NewSimpleSeek(types.FormatBytes, segment.SeekFlagFlush, 10, types.None)) {
			t.Error("SendSeek() on non-seekable source = true")
		}
	})

	t.Run("invalid rate", func(t *testing.T) {
		e := newTestEngine(t, newMemSource(100), flow.Discard{}, nil)
		seek := event.NewSimpleSeek(types.FormatBytes, 0, 10, types.None)
		seek.Rate = 0
		if e.SendSeek(t.Context(), seek) {
			t.Error("SendSeek() with zero rate = true")
		}
	})
}

func TestSeek_FlushingSeekNeverDeliversOldRange(t *testing.T) {
	sink := &flow.Collector{}
	e := newTestEngine(t, newMemSource(20000), sink, nil)

	if err := e.Activate(t.Context(), ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}

	for i := 1; i <= 10; i++ {
		start, stop := int64(i*1500), int64(i*1500+300)
		seek := event.NewSimpleSeek(types.FormatBytes, segment.SeekFlagFlush, start, stop)
		if !e.SendSeek(t.Context(), seek) {
			t.Fatalf("SendSeek(%d) = false", i)
		}

		// Everything after the last flush-stop belongs to the new range.
		waitFor(t, "EOS of new range", func() bool {
			for _, it := range afterLastFlushStop(sink) {
				if it.Event != nil && it.Event.Type == event.TypeEOS {
					return true
				}
			}
			return false
		})

		for _, it := range afterLastFlushStop(sink) {
			if it.Buffer == nil {
				continue
			}
			off := int64(it.Buffer.Offset)
			if off < start || off >= stop {
				t.Fatalf("seek %d: buffer at %d outside [%d, %d)", i, off, start, stop)
			}
		}
	}
}

func TestSeek_RelativeSeekInOtherFormat(t *testing.T) {
	tests := []struct {
		name      string
		startType segment.SeekType
		start     int64
		want      int64
	}{
		// Position 30 of 100 bytes is 30%; +20% lands on byte 50.
		{"current", segment.SeekCur, types.PercentMax / 5, 50},
		// 100% - 30% lands on byte 70.
		{"end", segment.SeekEnd, -types.PercentMax * 3 / 10, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newMemSource(100)
			src.gated = true
			sink := &flow.Collector{}
			e := newTestEngine(t, src, sink, nil)

			if err := e.Activate(t.Context(), ModePush); err != nil {
				t.Fatalf("Activate() error: %v", err)
			}
			for range 3 {
				<-src.entered
				src.release <- struct{}{}
			}
			// The fourth request sits at byte 30.
			<-src.entered
			if pos := e.Segment().Position; pos != 30 {
				t.Fatalf("position before seek = %d, want 30", pos)
			}

			seek := event.NewSeek(1.0, types.FormatPercent, segment.SeekFlagFlush,
				tt.startType, tt.start, segment.SeekNone, types.None)
			if !e.SendSeek(t.Context(), seek) {
				t.Fatal("SendSeek() = false")
			}
			if got := e.Segment().Start; got != tt.want {
				t.Errorf("segment start = %d, want %d", got, tt.want)
			}

			<-src.entered
			src.release <- struct{}{}
			waitFor(t, "buffer after seek", func() bool {
				for _, it := range afterLastFlushStop(sink) {
					if it.Buffer != nil {
						return true
					}
				}
				return false
			})
			for _, it := range afterLastFlushStop(sink) {
				if it.Buffer != nil {
					if off := int64(it.Buffer.Offset); off != tt.want {
						t.Errorf("first buffer after seek at %d, want %d", off, tt.want)
					}
					break
				}
			}
		})
	}
}

// afterLastFlushStop returns the deliveries that followed the last
// flush-stop event.
func afterLastFlushStop(c *flow.Collector) []flow.Item {
	items := c.Items()
	for j := len(items) - 1; j >= 0; j-- {
		if items[j].Event != nil && items[j].Event.Type == event.TypeFlushStop {
			return items[j+1:]
		}
	}
	return nil
}
