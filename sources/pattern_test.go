package sources

import (
	"context"
	"testing"

	"github.com/pithecene-io/sluice/engine"
	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

const ms = types.Second / 1000

func newPattern(t *testing.T) *Pattern {
	t.Helper()
	p, err := NewPattern(PatternConfig{
		BytesPerSecond: 1000,
		BufferDuration: 100 * ms,
		Duration:       types.Second,
	})
	if err != nil {
		t.Fatalf("NewPattern() error: %v", err)
	}
	return p
}

func patternEngine(t *testing.T, p *Pattern, sink flow.Consumer, mutate func(*engine.Config)) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Format = types.FormatTime
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := engine.New(p, sink, cfg)
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}
	t.Cleanup(func() { _ = e.Deactivate(context.Background()) })
	return e
}

func timestamps(c *flow.Collector) []int64 {
	var out []int64
	for _, b := range c.Buffers() {
		out = append(out, b.PTS)
	}
	return out
}

func TestNewPattern_Defaults(t *testing.T) {
	p, err := NewPattern(PatternConfig{Duration: -5})
	if err != nil {
		t.Fatalf("NewPattern() error: %v", err)
	}
	cfg := p.Config()
	if cfg.BytesPerSecond != 8000 || cfg.BufferDuration != 100*ms || cfg.Duration != types.None {
		t.Errorf("config = %+v", cfg)
	}
	if _, err := NewPattern(PatternConfig{BytesPerSecond: -1}); err == nil {
		t.Error("negative rate should be rejected")
	}
}

func TestPattern_ProduceRamp(t *testing.T) {
	p := newPattern(t)
	_ = p.Start()

	a, err := p.Produce(t.Context(), types.OffsetNone, 0)
	if err != nil {
		t.Fatalf("Produce() error: %v", err)
	}
	b, err := p.Produce(t.Context(), types.OffsetNone, 0)
	if err != nil {
		t.Fatalf("Produce() error: %v", err)
	}
	if a.PTS != 0 || a.Duration != 100*ms || a.Size() != 100 {
		t.Errorf("first buffer pts=%d dur=%d size=%d", a.PTS, a.Duration, a.Size())
	}
	if b.PTS != 100*ms || b.Offset != 100 || b.Data[0] != 100 {
		t.Errorf("second buffer pts=%d offset=%d first byte=%d", b.PTS, b.Offset, b.Data[0])
	}
}

func TestPattern_Convert(t *testing.T) {
	p := newPattern(t)
	cases := []struct {
		src   types.Format
		value int64
		dst   types.Format
		want  int64
	}{
		{types.FormatTime, 500 * ms, types.FormatBytes, 500},
		{types.FormatBytes, 250, types.FormatTime, 250 * ms},
		{types.FormatTime, 350 * ms, types.FormatBuffers, 3},
		{types.FormatDefault, 4, types.FormatTime, 400 * ms},
		{types.FormatTime, types.None, types.FormatBytes, types.None},
	}
	for _, c := range cases {
		got, ok := p.Convert(c.src, c.value, c.dst)
		if !ok || got != c.want {
			t.Errorf("Convert(%s %d -> %s) = %d, %v; want %d", c.src, c.value, c.dst, got, ok, c.want)
		}
	}
	if _, ok := p.Convert(types.FormatPercent, 1, types.FormatTime); ok {
		t.Error("percent conversion should be left to the engine")
	}
}

func TestPattern_SyncTimesOnlyWhenLive(t *testing.T) {
	p := newPattern(t)
	buf := types.NewBuffer(nil)
	buf.PTS = types.Second
	buf.Duration = 100 * ms
	if start, _ := p.SyncTimes(buf); start != types.None {
		t.Errorf("non-live SyncTimes start = %d, want None", start)
	}

	live, _ := NewPattern(PatternConfig{Live: true})
	start, end := live.SyncTimes(buf)
	if start != types.Second || end != types.Second+100*ms {
		t.Errorf("live SyncTimes = %d..%d", start, end)
	}
}

func TestPattern_PlaysToEOS(t *testing.T) {
	sink := &flow.Collector{}
	e := patternEngine(t, newPattern(t), sink, nil)

	if err := e.Activate(t.Context(), engine.ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "EOS", func() bool { return len(sink.Events(event.TypeEOS)) == 1 })

	pts := timestamps(sink)
	if len(pts) != 10 || pts[9] != 900*ms {
		t.Fatalf("timestamps = %v, want ten buffers up to 900ms", pts)
	}
	if pos := e.Segment().Position; pos != types.Second {
		t.Errorf("position = %d, want 1s", pos)
	}
	if d, ok := e.QueryDuration(types.FormatTime); !ok || d != types.Second {
		t.Errorf("QueryDuration(time) = %d, %v", d, ok)
	}
}

func TestPattern_SeekBeforeActivation(t *testing.T) {
	sink := &flow.Collector{}
	e := patternEngine(t, newPattern(t), sink, nil)

	seek := event.NewSimpleSeek(types.FormatTime, segment.SeekFlagFlush, 500*ms, 800*ms)
	if !e.SendSeek(t.Context(), seek) {
		t.Fatal("SendSeek() = false")
	}
	if err := e.Activate(t.Context(), engine.ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "EOS", func() bool { return len(sink.Events(event.TypeEOS)) == 1 })

	pts := timestamps(sink)
	if len(pts) != 3 || pts[0] != 500*ms || pts[2] != 700*ms {
		t.Errorf("timestamps = %v, want 500ms, 600ms, 700ms", pts)
	}
	segs := sink.Events(event.TypeSegment)
	if len(segs) == 0 || segs[0].Segment.Start != 500*ms {
		t.Fatalf("segment events = %v", segs)
	}
}

func TestPattern_ReversePlayback(t *testing.T) {
	sink := &flow.Collector{}
	e := patternEngine(t, newPattern(t), sink, func(c *engine.Config) {
		// Reverse time positions step back by one duration per buffer,
		// so automatic EOS would stop before the buffer at zero.
		c.AutomaticEOS = false
	})

	seek := event.NewSeek(-1.0, types.FormatTime, segment.SeekFlagFlush,
		segment.SeekSet, 0, segment.SeekSet, 300*ms)
	e.SendSeek(t.Context(), seek)
	if err := e.Activate(t.Context(), engine.ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "EOS", func() bool { return len(sink.Events(event.TypeEOS)) == 1 })

	pts := timestamps(sink)
	want := []int64{200 * ms, 100 * ms, 0}
	if len(pts) != len(want) {
		t.Fatalf("timestamps = %v, want %v", pts, want)
	}
	for i := range want {
		if pts[i] != want[i] {
			t.Errorf("buffer %d PTS = %d, want %d", i, pts[i], want[i])
		}
	}
}

func TestPattern_SeekInBytes(t *testing.T) {
	sink := &flow.Collector{}
	e := patternEngine(t, newPattern(t), sink, nil)

	seek := event.NewSimpleSeek(types.FormatBytes, segment.SeekFlagFlush, 800, types.None)
	e.SendSeek(t.Context(), seek)
	if err := e.Activate(t.Context(), engine.ModePush); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "EOS", func() bool { return len(sink.Events(event.TypeEOS)) == 1 })

	pts := timestamps(sink)
	if len(pts) != 2 || pts[0] != 800*ms {
		t.Errorf("timestamps = %v, want 800ms and 900ms", pts)
	}
}
