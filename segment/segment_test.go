package segment

import (
	"errors"
	"testing"

	"github.com/pithecene-io/sluice/types"
)

func TestInit_FullRange(t *testing.T) {
	s := New(types.FormatBytes)
	if s.Rate != 1.0 || s.Start != 0 || s.Stop != types.None || s.Duration != types.None {
		t.Fatalf("unexpected initial segment: %s", s)
	}
}

func TestDoSeek_SetRange(t *testing.T) {
	s := New(types.FormatTime)
	s.Duration = 10 * types.Second

	updated, err := s.DoSeek(1.0, types.FormatTime, SeekFlagFlush,
		SeekSet, 2*types.Second, SeekSet, 5*types.Second)
	if err != nil {
		t.Fatalf("DoSeek error: %v", err)
	}
	if !updated {
		t.Error("expected position update")
	}
	if s.Start != 2*types.Second || s.Stop != 5*types.Second {
		t.Errorf("range = [%d, %d]", s.Start, s.Stop)
	}
	if s.Position != s.Start || s.Time != s.Start {
		t.Errorf("position=%d time=%d, want both = start", s.Position, s.Time)
	}
	if s.Base != 0 {
		t.Errorf("flushing seek must reset base, got %d", s.Base)
	}
}

func TestDoSeek_ClampsToDuration(t *testing.T) {
	s := New(types.FormatBytes)
	s.Duration = 1000

	if _, err := s.DoSeek(1.0, types.FormatBytes, 0, SeekSet, 4000, SeekSet, 9000); err != nil {
		t.Fatalf("DoSeek error: %v", err)
	}
	if s.Start != 1000 || s.Stop != 1000 {
		t.Errorf("range = [%d, %d], want [1000, 1000]", s.Start, s.Stop)
	}
}

func TestDoSeek_StartAfterStopRejected(t *testing.T) {
	s := New(types.FormatBytes)
	before := s
	if _, err := s.DoSeek(1.0, types.FormatBytes, 0, SeekSet, 500, SeekSet, 100); !errors.Is(err, ErrStartAfterStop) {
		t.Fatalf("DoSeek error = %v, want ErrStartAfterStop", err)
	}
	if s != before {
		t.Errorf("segment changed on rejected seek: %s", s)
	}

	// A kept stop counts too.
	if _, err := s.DoSeek(1.0, types.FormatBytes, SeekFlagFlush, SeekSet, 0, SeekSet, 100); err != nil {
		t.Fatalf("DoSeek error: %v", err)
	}
	if _, err := s.DoSeek(1.0, types.FormatBytes, SeekFlagFlush, SeekSet, 200, SeekNone, 0); !errors.Is(err, ErrStartAfterStop) {
		t.Errorf("DoSeek past kept stop error = %v, want ErrStartAfterStop", err)
	}
}

func TestDoSeek_Relative(t *testing.T) {
	s := New(types.FormatBytes)
	s.Duration = 1000
	s.Position = 300

	if _, err := s.DoSeek(1.0, types.FormatBytes, SeekFlagFlush, SeekCur, 100, SeekEnd, -200); err != nil {
		t.Fatalf("DoSeek error: %v", err)
	}
	if s.Start != 400 || s.Stop != 800 {
		t.Errorf("range = [%d, %d], want [400, 800]", s.Start, s.Stop)
	}
}

func TestDoSeek_EndWithoutDuration(t *testing.T) {
	s := New(types.FormatBytes)
	before := s
	_, err := s.DoSeek(1.0, types.FormatBytes, 0, SeekEnd, -10, SeekNone, 0)
	if !errors.Is(err, ErrUnknownDuration) {
		t.Fatalf("err = %v, want ErrUnknownDuration", err)
	}
	if s != before {
		t.Error("failed seek mutated the segment")
	}
}

func TestDoSeek_Rejects(t *testing.T) {
	s := New(types.FormatBytes)
	if _, err := s.DoSeek(0, types.FormatBytes, 0, SeekSet, 0, SeekNone, 0); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("rate 0: err = %v", err)
	}
	if _, err := s.DoSeek(1, types.FormatTime, 0, SeekSet, 0, SeekNone, 0); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("format: err = %v", err)
	}
}

func TestDoSeek_NegativeRatePositionsAtStop(t *testing.T) {
	s := New(types.FormatTime)
	s.Duration = 10 * types.Second

	if _, err := s.DoSeek(-1.0, types.FormatTime, SeekFlagFlush,
		SeekSet, 1*types.Second, SeekSet, 4*types.Second); err != nil {
		t.Fatalf("DoSeek error: %v", err)
	}
	if s.Position != 4*types.Second {
		t.Errorf("position = %d, want stop", s.Position)
	}
}

func TestDoSeek_NonFlushingAccumulatesBase(t *testing.T) {
	s := New(types.FormatTime)
	s.Position = 3 * types.Second

	if _, err := s.DoSeek(1.0, types.FormatTime, 0, SeekSet, 10*types.Second, SeekNone, 0); err != nil {
		t.Fatalf("DoSeek error: %v", err)
	}
	if s.Base != 3*types.Second {
		t.Errorf("base = %d, want running time of old position", s.Base)
	}
	if got := s.ToRunningTime(12 * types.Second); got != 5*types.Second {
		t.Errorf("running time = %d, want 5s", got)
	}
}

func TestToRunningTime(t *testing.T) {
	s := New(types.FormatTime)
	s.Start = 100
	s.Stop = 500
	s.Base = 1000

	tests := []struct {
		name string
		rate float64
		pos  int64
		want int64
	}{
		{"before start", 1, 50, types.None},
		{"after stop", 1, 600, types.None},
		{"forward", 1, 300, 1200},
		{"double speed", 2, 300, 1100},
		{"reverse", -1, 400, 1100},
		{"reverse at stop", -1, 500, 1000},
		{"none", 1, types.None, types.None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := s
			seg.Rate = tt.rate
			if got := seg.ToRunningTime(tt.pos); got != tt.want {
				t.Errorf("ToRunningTime(%d) = %d, want %d", tt.pos, got, tt.want)
			}
		})
	}
}

func TestToRunningTime_MonotonicAcrossSegment(t *testing.T) {
	for _, rate := range []float64{1, 0.5, -1, -2} {
		s := New(types.FormatTime)
		s.Stop = 1000
		s.Rate = rate

		prev := int64(-1)
		for i := int64(0); i <= 1000; i += 100 {
			pos := i
			if rate < 0 {
				pos = 1000 - i
			}
			rt := s.ToRunningTime(pos)
			if rt < prev {
				t.Fatalf("rate %g: running time went backwards at %d (%d < %d)", rate, pos, rt, prev)
			}
			prev = rt
		}
	}
}

func TestToStreamTime(t *testing.T) {
	s := New(types.FormatTime)
	s.Start = 100
	s.Stop = 500
	s.Time = 2000

	if got := s.ToStreamTime(150); got != 2050 {
		t.Errorf("ToStreamTime = %d, want 2050", got)
	}
	s.AppliedRate = -1
	if got := s.ToStreamTime(150); got != 1950 {
		t.Errorf("reverse ToStreamTime = %d, want 1950", got)
	}
	s.Time = 10
	if got := s.ToStreamTime(150); got != 0 {
		t.Errorf("reverse ToStreamTime must clamp at zero, got %d", got)
	}
}

func TestClip(t *testing.T) {
	s := New(types.FormatTime)
	s.Start = 100
	s.Stop = 200

	if _, _, ok := s.Clip(0, 50); ok {
		t.Error("range before start must be rejected")
	}
	if _, _, ok := s.Clip(250, 300); ok {
		t.Error("range after stop must be rejected")
	}
	start, stop, ok := s.Clip(50, 150)
	if !ok || start != 100 || stop != 150 {
		t.Errorf("Clip(50,150) = %d,%d,%v", start, stop, ok)
	}
	start, stop, ok = s.Clip(150, types.None)
	if !ok || start != 150 || stop != 200 {
		t.Errorf("Clip(150,None) = %d,%d,%v", start, stop, ok)
	}
}
