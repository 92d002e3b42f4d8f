package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/engine"
	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/sources"
	"github.com/pithecene-io/sluice/stage"
	"github.com/pithecene-io/sluice/types"
)

// Source kinds.
const (
	sourceFile    = "file"
	sourcePattern = "pattern"
)

// playOptions is the resolved configuration of one play invocation:
// defaults, then the config file, then flags.
type playOptions struct {
	sourceKind string
	path       string
	pattern    sources.PatternConfig

	mode         engine.Mode
	blocksize    uint32
	numBuffers   int
	doTimestamp  bool
	automaticEOS bool
	syncToClock  bool
	clock        string

	queue *stage.Config

	capturePath string
	keepData    bool

	logLevel log.Level
	seeks    []scriptedSeek
	timeout  time.Duration
	tui      bool
	quiet    bool
}

// scriptedSeek is sent once afterBuffers buffers have been pushed.
type scriptedSeek struct {
	afterBuffers int64
	seek         *event.Seek
}

func defaultPlayOptions() playOptions {
	return playOptions{
		pattern:      sources.DefaultPatternConfig(),
		mode:         engine.ModePush,
		blocksize:    engine.DefaultBlocksize,
		numBuffers:   -1,
		automaticEOS: true,
		clock:        "system",
		logLevel:     log.InfoLevel,
	}
}

// format is the segment format implied by the source.
func (o playOptions) format() types.Format {
	if o.sourceKind == sourcePattern {
		return types.FormatTime
	}
	return types.FormatBytes
}

// optionsFromConfig applies a config file over the defaults.
func optionsFromConfig(cfg *config.Config) (playOptions, error) {
	opts := defaultPlayOptions()
	if cfg == nil {
		return opts, nil
	}

	opts.sourceKind = cfg.Source.Kind
	opts.path = cfg.Source.Path
	p := cfg.Source.Pattern
	if p.BytesPerSecond != 0 {
		opts.pattern.BytesPerSecond = p.BytesPerSecond
	}
	if p.BufferDuration.Duration != 0 {
		opts.pattern.BufferDuration = p.BufferDuration.Nanoseconds()
	}
	if p.Duration.Duration != 0 {
		opts.pattern.Duration = p.Duration.Nanoseconds()
	}
	if p.Endless {
		opts.pattern.Duration = types.None
	}
	opts.pattern.Live = p.Live

	e := cfg.Engine
	if e.Mode != "" {
		mode, err := engine.ParseMode(e.Mode)
		if err != nil {
			return opts, err
		}
		opts.mode = mode
	}
	if e.Blocksize != 0 {
		opts.blocksize = e.Blocksize
	}
	if e.NumBuffers != nil {
		opts.numBuffers = *e.NumBuffers
	}
	if e.AutomaticEOS != nil {
		opts.automaticEOS = *e.AutomaticEOS
	}
	opts.doTimestamp = e.DoTimestamp
	opts.syncToClock = e.SyncToClock
	if e.Clock != "" {
		opts.clock = e.Clock
	}

	if q := cfg.Queue; q != nil {
		leaky, err := stage.ParseLeaky(q.Leaky)
		if err != nil {
			return opts, err
		}
		sc := stage.DefaultConfig()
		if q.MaxBuffers != 0 || q.MaxBytes != 0 || q.MaxTime.Duration != 0 {
			sc.Limits = stage.Limits{
				MaxBuffers: q.MaxBuffers,
				MaxBytes:   q.MaxBytes,
				MaxTime:    uint64(q.MaxTime.Nanoseconds()),
			}
		}
		sc.Leaky = leaky
		opts.queue = &sc
	}

	opts.capturePath = cfg.Capture.Path
	opts.keepData = cfg.Capture.KeepData

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return opts, err
	}
	opts.logLevel = level

	opts.inferSource()
	for i, sc := range cfg.Seeks {
		seek, err := buildSeek(sc, opts.format())
		if err != nil {
			return opts, fmt.Errorf("seeks[%d]: %w", i, err)
		}
		opts.seeks = append(opts.seeks, seek)
	}
	return opts, nil
}

func (o *playOptions) inferSource() {
	if o.sourceKind != "" {
		return
	}
	if o.path != "" {
		o.sourceKind = sourceFile
	} else {
		o.sourceKind = sourcePattern
	}
}

func buildSeek(sc config.SeekConfig, defaultFormat types.Format) (scriptedSeek, error) {
	format := defaultFormat
	if sc.Format != "" {
		f, err := types.ParseFormat(sc.Format)
		if err != nil {
			return scriptedSeek{}, err
		}
		format = f
	}
	start, err := config.ParsePosition(format, sc.Start)
	if err != nil {
		return scriptedSeek{}, err
	}
	stop, err := config.ParsePosition(format, sc.Stop)
	if err != nil {
		return scriptedSeek{}, err
	}
	flags, err := config.ParseSeekFlags(sc.Flags)
	if err != nil {
		return scriptedSeek{}, err
	}
	rate := sc.Rate
	if rate == 0 {
		rate = 1.0
	}
	if sc.AfterBuffers < 0 {
		return scriptedSeek{}, fmt.Errorf("after_buffers must not be negative")
	}

	startType := segmentSet(start)
	stopType := segmentSet(stop)
	seek := event.NewSeek(rate, format, flags, startType, start, stopType, stop)
	if err := seek.Validate(); err != nil {
		return scriptedSeek{}, err
	}
	return scriptedSeek{afterBuffers: int64(sc.AfterBuffers), seek: seek}, nil
}

// segmentSet makes a None boundary keep the current one.
func segmentSet(pos int64) segment.SeekType {
	if pos == types.None {
		return segment.SeekNone
	}
	return segment.SeekSet
}

// applyFlags overrides opts with every flag set on the command line.
func applyFlags(c *cli.Context, opts *playOptions) error {
	if c.IsSet("source") {
		opts.sourceKind = c.String("source")
	}
	if path := c.Args().First(); path != "" {
		opts.path = path
		if !c.IsSet("source") {
			opts.sourceKind = sourceFile
		}
	}
	if c.IsSet("mode") {
		mode, err := engine.ParseMode(c.String("mode"))
		if err != nil {
			return err
		}
		opts.mode = mode
	}
	if c.IsSet("blocksize") {
		opts.blocksize = uint32(c.Uint("blocksize"))
	}
	if c.IsSet("num-buffers") {
		opts.numBuffers = c.Int("num-buffers")
	}
	if c.IsSet("do-timestamp") {
		opts.doTimestamp = c.Bool("do-timestamp")
	}
	if c.IsSet("no-automatic-eos") {
		opts.automaticEOS = !c.Bool("no-automatic-eos")
	}
	if c.IsSet("sync") {
		opts.syncToClock = c.Bool("sync")
	}
	if c.IsSet("clock") {
		opts.clock = c.String("clock")
	}

	if c.IsSet("live") {
		opts.pattern.Live = c.Bool("live")
	}
	if c.IsSet("bytes-per-second") {
		opts.pattern.BytesPerSecond = c.Int64("bytes-per-second")
	}
	if c.IsSet("buffer-duration") {
		opts.pattern.BufferDuration = c.Duration("buffer-duration").Nanoseconds()
	}
	if c.IsSet("duration") {
		opts.pattern.Duration = c.Duration("duration").Nanoseconds()
	}
	if c.Bool("endless") {
		opts.pattern.Duration = types.None
	}

	if c.IsSet("queue-buffers") || c.IsSet("queue-bytes") || c.IsSet("queue-time") || c.IsSet("leaky") {
		sc := stage.DefaultConfig()
		if opts.queue != nil {
			sc = *opts.queue
		}
		if c.IsSet("queue-buffers") {
			sc.Limits.MaxBuffers = c.Uint("queue-buffers")
		}
		if c.IsSet("queue-bytes") {
			sc.Limits.MaxBytes = c.Uint64("queue-bytes")
		}
		if c.IsSet("queue-time") {
			sc.Limits.MaxTime = uint64(c.Duration("queue-time").Nanoseconds())
		}
		if c.IsSet("leaky") {
			leaky, err := stage.ParseLeaky(c.String("leaky"))
			if err != nil {
				return err
			}
			sc.Leaky = leaky
		}
		opts.queue = &sc
	}

	if c.IsSet("capture") {
		opts.capturePath = c.String("capture")
	}
	if c.IsSet("keep-data") {
		opts.keepData = c.Bool("keep-data")
	}
	if c.IsSet("log-level") {
		level, err := log.ParseLevel(c.String("log-level"))
		if err != nil {
			return err
		}
		opts.logLevel = level
	}
	opts.timeout = c.Duration("timeout")
	opts.tui = c.Bool("tui")
	opts.quiet = c.Bool("quiet")

	opts.inferSource()
	return nil
}

// validate checks combinations no engine could run.
func (o playOptions) validate() error {
	switch o.sourceKind {
	case sourceFile:
		if o.path == "" {
			return fmt.Errorf("file source requires a path")
		}
		info, err := os.Stat(o.path)
		if err != nil {
			return fmt.Errorf("cannot open source: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("source %s is a directory", o.path)
		}
	case sourcePattern:
		if o.mode == engine.ModePull {
			return fmt.Errorf("pull mode requires a file source")
		}
	default:
		return fmt.Errorf("invalid source: %q (must be file or pattern)", o.sourceKind)
	}

	switch strings.ToLower(o.clock) {
	case "system", "none":
	default:
		return fmt.Errorf("invalid clock: %q (must be system or none)", o.clock)
	}
	if o.syncToClock && strings.EqualFold(o.clock, "none") {
		return fmt.Errorf("--sync requires a clock")
	}
	if o.mode == engine.ModePull && len(o.seeks) > 0 {
		return fmt.Errorf("scripted seeks require push mode")
	}
	if o.blocksize == 0 {
		return fmt.Errorf("blocksize must be positive")
	}
	return nil
}
