package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/pithecene-io/sluice/capture"
	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/cli/tui"
	"github.com/pithecene-io/sluice/clock"
	"github.com/pithecene-io/sluice/engine"
	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/iox"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/sources"
	"github.com/pithecene-io/sluice/types"
)

// Play outcomes.
const (
	outcomeEOS         = "eos"
	outcomeError       = "error"
	outcomeInterrupted = "interrupted"
	outcomeTimeout     = "timeout"
)

// PlayResult summarizes one play invocation.
type PlayResult struct {
	EngineID string `json:"engine_id" yaml:"engine_id"`
	Source   string `json:"source" yaml:"source"`
	Mode     string `json:"mode" yaml:"mode"`
	Format   string `json:"format" yaml:"format"`
	Outcome  string `json:"outcome" yaml:"outcome"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
	Position int64  `json:"position" yaml:"position"`
	Duration int64  `json:"duration" yaml:"duration"`
	Buffers  int64  `json:"buffers" yaml:"buffers"`
	Bytes    int64  `json:"bytes" yaml:"bytes"`
	Seeks    int64  `json:"seeks" yaml:"seeks"`
	Flushes  int64  `json:"flushes" yaml:"flushes"`
	Dropped  int64  `json:"dropped,omitempty" yaml:"dropped,omitempty"`
	Elapsed  string `json:"elapsed" yaml:"elapsed"`
	// Stops counts streaming pauses by flow kind.
	Stops   map[string]int64 `json:"stops,omitempty" yaml:"stops,omitempty"`
	Capture *CaptureResult   `json:"capture,omitempty" yaml:"capture,omitempty"`
}

// CaptureResult describes the capture written while playing.
type CaptureResult struct {
	Path    string `json:"path" yaml:"path"`
	Records uint64 `json:"records" yaml:"records"`
	Bytes   int64  `json:"bytes" yaml:"bytes"`
}

// PlayCommand returns the play command.
func PlayCommand() *cli.Command {
	return &cli.Command{
		Name:      "play",
		Usage:     "Drive a source through the engine until EOS",
		ArgsUsage: "[path]",
		Description: `Plays a file or a synthetic pattern source in push or pull mode.
A path argument selects the file source.

Exit codes:
  0: EOS reached, interrupted or timed out
  1: usage, configuration or source error
  2: fatal flow error`,
		Flags:  playFlags(),
		Action: playAction,
	}
}

func playFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "Path to a YAML config file"},
		&cli.StringFlag{Name: "source", Usage: "Source kind: file or pattern"},
		&cli.StringFlag{Name: "mode", Usage: "Activation mode: push or pull"},
		&cli.UintFlag{Name: "blocksize", Usage: "Bytes requested per buffer"},
		&cli.IntFlag{Name: "num-buffers", Usage: "Stop after this many buffers (-1 = unlimited)"},
		&cli.BoolFlag{Name: "do-timestamp", Usage: "Stamp buffers with the running time"},
		&cli.BoolFlag{Name: "no-automatic-eos", Usage: "Do not end the stream at the segment stop"},
		&cli.BoolFlag{Name: "sync", Usage: "Pace buffers against the clock"},
		&cli.StringFlag{Name: "clock", Usage: "Clock: system or none"},
		&cli.BoolFlag{Name: "live", Usage: "Make the pattern source live"},
		&cli.Int64Flag{Name: "bytes-per-second", Usage: "Pattern byte rate"},
		&cli.DurationFlag{Name: "buffer-duration", Usage: "Pattern buffer duration"},
		&cli.DurationFlag{Name: "duration", Usage: "Pattern total duration"},
		&cli.BoolFlag{Name: "endless", Usage: "Pattern never ends on its own"},
		&cli.UintFlag{Name: "queue-buffers", Usage: "Queue stage buffer limit (0 = unlimited)"},
		&cli.Uint64Flag{Name: "queue-bytes", Usage: "Queue stage byte limit (0 = unlimited)"},
		&cli.DurationFlag{Name: "queue-time", Usage: "Queue stage time limit (0 = unlimited)"},
		&cli.StringFlag{Name: "leaky", Usage: "Queue stage leak mode: none, upstream, downstream"},
		&cli.StringFlag{Name: "capture", Usage: "Record the delivered stream to this file"},
		&cli.BoolFlag{Name: "keep-data", Usage: "Record buffer payloads in the capture"},
		&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error"},
		&cli.DurationFlag{Name: "timeout", Usage: "Stop playing after this long (0 = no limit)"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Suppress the result summary"},
	}
	return append(flags, OutputFlags()...)
}

func playAction(c *cli.Context) error {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}
		cfg = loaded
	}
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	if err := applyFlags(c, &opts); err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	if err := opts.validate(); err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, opts.timeout)
		defer stop()
	}

	logger := log.NewLogger(log.Meta{Component: "cli"}, opts.logLevel)
	if opts.tui {
		logger = logger.WithOutput(io.Discard)
	}
	defer func() { _ = logger.Sync() }()

	p, err := newPlayer(opts, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	defer p.close()

	var result PlayResult
	if opts.tui {
		result, err = p.runWithTUI(ctx)
	} else {
		result, err = p.run(ctx)
	}
	if err != nil && result.Outcome == "" {
		return cli.Exit(err.Error(), activationExitCode(err))
	}

	if !opts.quiet {
		if renderErr := r.Render(result); renderErr != nil {
			return renderErr
		}
	}
	if result.Outcome == outcomeError {
		return cli.Exit(result.Error, exitFatal)
	}
	return nil
}

// activationExitCode maps an activation failure to an exit code.
func activationExitCode(err error) int {
	if errors.Is(err, engine.ErrNotRandomAccess) || errors.Is(err, engine.ErrInvalidMode) {
		return exitUsage
	}
	return exitFatal
}

// sinkCounter is the terminal consumer. It counts what reaches it.
type sinkCounter struct {
	buffers atomic.Int64
	bytes   atomic.Int64
}

func (s *sinkCounter) PushBuffer(_ context.Context, buf *types.Buffer) error {
	s.buffers.Add(1)
	s.bytes.Add(int64(buf.Size()))
	return nil
}

func (s *sinkCounter) PushEvent(context.Context, *event.Event) bool {
	return true
}

// mailbox collects engine messages without ever blocking the poster.
type mailbox struct {
	mu    sync.Mutex
	msgs  []engine.Message
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) OnMessage(msg engine.Message) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []engine.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.msgs
	m.msgs = nil
	return msgs
}

// player owns one engine and the consumers behind it.
type player struct {
	opts      playOptions
	logger    *log.Logger
	src       engine.Source
	eng       *engine.Engine
	sink      *sinkCounter
	mail      *mailbox
	collector *metrics.Collector

	captureFile *os.File
	recorder    *capture.Recorder

	seeks   []scriptedSeek
	started time.Time
	state   atomic.Value // string
	failure atomic.Value // string
}

func newPlayer(opts playOptions, logger *log.Logger) (*player, error) {
	src, err := buildSource(opts)
	if err != nil {
		return nil, err
	}

	p := &player{
		opts:   opts,
		logger: logger,
		src:    src,
		sink:   &sinkCounter{},
		mail:   newMailbox(),
		seeks:  append([]scriptedSeek(nil), opts.seeks...),
	}
	p.state.Store(tui.StateWaiting)
	p.failure.Store("")

	var consumer flow.Consumer = p.sink
	if opts.capturePath != "" {
		f, err := os.Create(opts.capturePath)
		if err != nil {
			return nil, fmt.Errorf("cannot create capture: %w", err)
		}
		p.captureFile = f
		p.recorder = capture.NewRecorder(f, capture.RecorderConfig{
			Header: capture.Header{
				Source: p.sourceName(),
				Format: opts.format().String(),
			},
			KeepData: opts.keepData,
			Next:     p.sink,
			Logger:   logger,
		})
		consumer = p.recorder
	}

	p.collector = metrics.NewCollector(opts.sourceKind, opts.mode.String(), opts.format().String(), "")
	cfg := engine.DefaultConfig()
	cfg.Format = opts.format()
	cfg.Blocksize = opts.blocksize
	cfg.NumBuffers = opts.numBuffers
	cfg.Live = opts.sourceKind == sourcePattern && opts.pattern.Live
	cfg.DoTimestamp = opts.doTimestamp
	cfg.AutomaticEOS = opts.automaticEOS
	cfg.SyncToClock = opts.syncToClock
	cfg.Queue = opts.queue
	cfg.Logger = logger
	cfg.Collector = p.collector
	cfg.Observer = p.mail
	if !strings.EqualFold(opts.clock, "none") && (opts.syncToClock || opts.doTimestamp || cfg.Live) {
		clk := clock.NewSystemClock()
		cfg.Clock = clk
		cfg.BaseTime = clk.Now()
	}

	eng, err := engine.New(src, consumer, cfg)
	if err != nil {
		p.close()
		return nil, err
	}
	p.eng = eng
	return p, nil
}

func buildSource(opts playOptions) (engine.Source, error) {
	switch opts.sourceKind {
	case sourceFile:
		return sources.NewFile(opts.path), nil
	case sourcePattern:
		return sources.NewPattern(opts.pattern)
	default:
		return nil, fmt.Errorf("invalid source: %q", opts.sourceKind)
	}
}

func (p *player) sourceName() string {
	if p.opts.sourceKind == sourceFile {
		return sourceFile + ":" + p.opts.path
	}
	return sourcePattern
}

func (p *player) close() {
	if p.captureFile != nil {
		iox.DiscardClose(p.captureFile)
		p.captureFile = nil
	}
}

// run plays until EOS, a fatal error or ctx ends, then deactivates.
func (p *player) run(ctx context.Context) (PlayResult, error) {
	p.started = time.Now()

	if err := p.eng.Activate(ctx, p.opts.mode); err != nil {
		return PlayResult{}, err
	}
	p.eng.SetPlaying(true)
	p.state.Store(tui.StatePlaying)

	var outcome string
	var runErr error
	if p.opts.mode == engine.ModePull {
		outcome, runErr = p.pull(ctx)
	} else {
		outcome, runErr = p.push(ctx)
	}

	// Read the position before deactivation resets the segment.
	position, _ := p.eng.QueryPosition(p.opts.format())
	duration, ok := p.eng.QueryDuration(p.opts.format())
	if !ok {
		duration = types.None
	}

	if err := p.eng.Deactivate(context.Background()); err != nil {
		runErr = multierr.Append(runErr, err)
	}
	if p.recorder != nil {
		if err := p.recorder.Err(); err != nil {
			runErr = multierr.Append(runErr, err)
			outcome = outcomeError
		}
	}

	switch outcome {
	case outcomeError:
		p.state.Store(tui.StateError)
	case outcomeEOS:
		p.state.Store(tui.StateEOS)
	default:
		p.state.Store(tui.StateStopped)
	}
	if runErr != nil {
		p.failure.Store(runErr.Error())
	}
	return p.result(outcome, runErr, position, duration), nil
}

// push waits for engine messages and fires scripted seeks as they fall due.
func (p *player) push(ctx context.Context) (string, error) {
	sugar := p.logger.Sugar()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return outcomeTimeout, nil
			}
			return outcomeInterrupted, nil

		case <-ticker.C:
			p.fireDueSeek(ctx)

		case <-p.mail.ready:
			for _, msg := range p.mail.drain() {
				switch msg.Kind {
				case engine.MessageError:
					return outcomeError, msg.Err
				case engine.MessageEOS:
					// Nothing more will be pushed, so the next scripted
					// seek is due whatever its buffer count.
					if p.fireNextSeek(ctx) {
						continue
					}
					return outcomeEOS, nil
				case engine.MessageSegmentDone:
					if p.fireNextSeek(ctx) {
						continue
					}
					if !p.eng.SendEOS(ctx) {
						return outcomeError, errors.New("engine refused EOS after segment done")
					}
				case engine.MessageLatency:
					sugar.Debugf("latency changed to %d", msg.Latency)
				}
			}
		}
	}
}

func (p *player) fireDueSeek(ctx context.Context) {
	if len(p.seeks) == 0 {
		return
	}
	if p.eng.Stats().BuffersPushed < p.seeks[0].afterBuffers {
		return
	}
	p.fireNextSeek(ctx)
}

// fireNextSeek sends the next scripted seek and reports whether one was left.
func (p *player) fireNextSeek(ctx context.Context) bool {
	if len(p.seeks) == 0 {
		return false
	}
	next := p.seeks[0]
	p.seeks = p.seeks[1:]
	// A fresh seqnum lets a repeated config entry apply again.
	seek := *next.seek
	seek.Seqnum = event.NextSeqnum()
	if !p.eng.SendSeek(ctx, &seek) {
		p.logger.Warn("scripted seek refused", map[string]any{"seek": seek.String()})
	}
	return true
}

// pull reads the file front to back through GetRange.
func (p *player) pull(ctx context.Context) (string, error) {
	var consumer flow.Consumer = p.sink
	if p.recorder != nil {
		consumer = p.recorder
	}
	consumer.PushEvent(ctx, event.NewStreamStart(p.eng.ID()))
	consumer.PushEvent(ctx, event.NewSegment(p.eng.Segment()))

	var offset uint64
	for n := 0; p.opts.numBuffers < 0 || n < p.opts.numBuffers; n++ {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return outcomeTimeout, nil
			}
			return outcomeInterrupted, nil
		}
		buf, err := p.eng.GetRange(ctx, offset, p.opts.blocksize)
		if err != nil {
			if types.IsUnexpectedEnd(err) {
				break
			}
			return outcomeError, err
		}
		if err := consumer.PushBuffer(ctx, buf); err != nil {
			return outcomeError, err
		}
		offset += buf.Size()
	}
	consumer.PushEvent(ctx, event.NewEOS())
	return outcomeEOS, nil
}

func (p *player) result(outcome string, err error, position, duration int64) PlayResult {
	stats := p.eng.Stats()
	res := PlayResult{
		EngineID: p.eng.ID(),
		Source:   p.sourceName(),
		Mode:     p.opts.mode.String(),
		Format:   p.opts.format().String(),
		Outcome:  outcome,
		Position: position,
		Duration: duration,
		Buffers:  p.sink.buffers.Load(),
		Bytes:    p.sink.bytes.Load(),
		Seeks:    stats.SeeksPerformed,
		Flushes:  stats.Flushes,
		Dropped:  stats.QueueDropped,
		Elapsed:  time.Since(p.started).Round(time.Millisecond).String(),
		Stops:    stats.Stops,
	}
	if err != nil {
		res.Error = err.Error()
	}
	if p.recorder != nil {
		res.Capture = &CaptureResult{
			Path:    p.opts.capturePath,
			Records: p.recorder.Records(),
			Bytes:   p.recorder.BytesWritten(),
		}
	}
	return res
}

// view is one poll for the live view.
func (p *player) view() tui.View {
	v := tui.View{
		EngineID: p.eng.ID(),
		Mode:     p.opts.mode.String(),
		Format:   p.opts.format(),
		State:    p.state.Load().(string),
		Stats:    p.eng.Stats(),
		Err:      p.failure.Load().(string),
		Position: types.None,
		Duration: types.None,
	}
	if pos, ok := p.eng.QueryPosition(v.Format); ok {
		v.Position = pos
	}
	if dur, ok := p.eng.QueryDuration(v.Format); ok {
		v.Duration = dur
	}
	if q := p.eng.OutputQueue(); q != nil {
		lvl := q.Level()
		v.QueueLevel = &tui.QueueLevel{Buffers: lvl.Visible, Bytes: lvl.Bytes}
	}
	return v
}

// runWithTUI plays in the background while the live view runs. Quitting
// the view stops playback.
func (p *player) runWithTUI(ctx context.Context) (PlayResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res PlayResult
		err error
	}
	done := make(chan outcome, 1)
	var finished atomic.Bool
	go func() {
		res, err := p.run(ctx)
		finished.Store(true)
		done <- outcome{res, err}
	}()

	var controls tui.Controls
	if p.opts.mode == engine.ModePush {
		controls.Rewind = func() {
			seek := event.NewSimpleSeek(p.opts.format(), segment.SeekFlagFlush, 0, types.None)
			p.eng.SendSeek(ctx, seek)
		}
	}
	poll := func() tui.View {
		v := p.view()
		v.Done = finished.Load()
		return v
	}
	tuiErr := tui.Run(ctx, poll, 100*time.Millisecond, controls)
	cancel()

	out := <-done
	if tuiErr != nil {
		out.err = multierr.Append(out.err, tuiErr)
	}
	return out.res, out.err
}
