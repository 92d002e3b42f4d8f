package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/types"
)

// Config represents a sluice.yaml configuration file.
// All values are optional and act as defaults for sluice play flags.
// CLI flags always override config values.
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Engine  EngineConfig  `yaml:"engine"`
	Queue   *QueueConfig  `yaml:"queue,omitempty"`
	Capture CaptureConfig `yaml:"capture"`
	Log     LogConfig     `yaml:"log"`
	Seeks   []SeekConfig  `yaml:"seeks"`
}

// SourceConfig selects the producer.
type SourceConfig struct {
	// Kind is "file" or "pattern".
	Kind    string        `yaml:"kind"`
	Path    string        `yaml:"path"`
	Pattern PatternConfig `yaml:"pattern"`
}

// PatternConfig holds synthetic pattern settings.
type PatternConfig struct {
	BytesPerSecond int64    `yaml:"bytes_per_second"`
	BufferDuration Duration `yaml:"buffer_duration"`
	Duration       Duration `yaml:"duration"`
	// Endless ignores Duration and never ends on its own.
	Endless bool `yaml:"endless"`
	Live    bool `yaml:"live"`
}

// EngineConfig holds engine defaults. The segment format follows the
// source: bytes for files, time for patterns.
type EngineConfig struct {
	Mode        string `yaml:"mode"`
	Blocksize   uint32 `yaml:"blocksize"`
	NumBuffers  *int   `yaml:"num_buffers,omitempty"`
	DoTimestamp bool   `yaml:"do_timestamp"`
	// AutomaticEOS defaults to true when omitted.
	AutomaticEOS *bool `yaml:"automatic_eos,omitempty"`
	SyncToClock  bool  `yaml:"sync_to_clock"`
	// Clock is "system" or "none".
	Clock string `yaml:"clock"`
}

// QueueConfig configures an asynchronous queue stage after the engine.
type QueueConfig struct {
	MaxBuffers uint     `yaml:"max_buffers"`
	MaxBytes   uint64   `yaml:"max_bytes"`
	MaxTime    Duration `yaml:"max_time"`
	Leaky      string   `yaml:"leaky"`
}

// CaptureConfig configures recording of the delivered stream.
type CaptureConfig struct {
	Path     string `yaml:"path"`
	KeepData bool   `yaml:"keep_data"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SeekConfig is a scripted seek, sent once the given number of buffers
// has been delivered.
type SeekConfig struct {
	AfterBuffers int      `yaml:"after_buffers"`
	Rate         float64  `yaml:"rate"`
	Format       string   `yaml:"format"`
	Start        string   `yaml:"start"`
	Stop         string   `yaml:"stop"`
	Flags        []string `yaml:"flags"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "20ms", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ParseSeekFlags parses flush, accurate, key_unit and segment.
func ParseSeekFlags(names []string) (segment.SeekFlags, error) {
	var flags segment.SeekFlags
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "flush":
			flags |= segment.SeekFlagFlush
		case "accurate":
			flags |= segment.SeekFlagAccurate
		case "key_unit", "key-unit":
			flags |= segment.SeekFlagKeyUnit
		case "segment":
			flags |= segment.SeekFlagSegment
		default:
			return 0, fmt.Errorf("invalid seek flag: %q (must be flush, accurate, key_unit, or segment)", n)
		}
	}
	return flags, nil
}

// ParsePosition parses a seek boundary in format. Time positions accept
// durations ("1.5s") or plain nanoseconds. Empty or "none" is types.None.
func ParsePosition(format types.Format, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return types.None, nil
	}
	if format == types.FormatTime {
		if d, err := time.ParseDuration(s); err == nil {
			return d.Nanoseconds(), nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s position %q", format, s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative %s position %q", format, s)
	}
	return v, nil
}
