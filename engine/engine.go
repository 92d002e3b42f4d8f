// Package engine implements a streaming source engine: the reusable state
// machine that drives a Source in push or pull mode.
//
// An Engine owns:
//   - activation (push runs a streaming goroutine, pull serves GetRange)
//   - the segment and the seek protocol (flush, dedup, close/start segment)
//   - live synchronization against a clock
//   - EOS and error delivery, each at most once per activation
//
// Lock order is streaming lock, then live lock, then object lock. The
// streaming lock is held for a whole loop iteration or GetRange call, the
// live lock while producing (released around Produce and clock waits), the
// object lock only for field access.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pithecene-io/sluice/clock"
	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/segment"
	"github.com/pithecene-io/sluice/stage"
	"github.com/pithecene-io/sluice/task"
	"github.com/pithecene-io/sluice/types"
)

// Engine drives a Source. Create with New.
type Engine struct {
	id        string
	source    Source
	consumer  flow.Consumer
	out       *stage.Queue
	observer  Observer
	logger    *log.Logger
	collector *metrics.Collector

	// stateMu serializes Activate and Deactivate.
	stateMu sync.Mutex

	stream *task.StreamLock
	task   *task.Task

	liveMu        sync.Mutex // guards the fields up to mu
	liveCond      *sync.Cond
	liveRunning   bool
	flushing      bool
	clockWait     clock.Wait
	produceCtx    context.Context
	produceCancel context.CancelFunc

	mu             sync.Mutex // object lock, guards everything below
	mode           Mode
	activation     uint64
	sourceStarted  bool
	started        bool
	format         types.Format
	seg            segment.Segment
	blocksize      uint32
	numBuffers     int
	numBuffersLeft int
	live           bool
	doTimestamp    bool
	automaticEOS   bool
	syncToClock    bool
	randomAccess   bool
	clk            clock.Clock
	baseTime       int64
	latency        int64
	tsOffset       int64
	pendingSeek    *event.Seek
	pendingEvents  []*event.Event
	pendingEOS     *event.Event
	forcedEOS      bool
	segmentPending bool
	segmentSeqnum  uint32
	closeSegment   *event.Event
	lastSeqnum     uint32
	haveSeqnum     bool
	discont        bool
	running        bool
	streamStarted  bool
	eosSent        bool
	messages       []Message
}

// New creates an inactive engine that drives src and delivers into
// consumer.
func New(src Source, consumer flow.Consumer, cfg Config) (*Engine, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	if consumer == nil {
		return nil, ErrNilConsumer
	}
	if cfg.Blocksize == 0 {
		cfg.Blocksize = DefaultBlocksize
	}
	if cfg.NumBuffers < 0 {
		cfg.NumBuffers = -1
	}

	e := &Engine{
		id:           uuid.NewString(),
		source:       src,
		consumer:     consumer,
		observer:     cfg.Observer,
		collector:    cfg.Collector,
		stream:       task.NewStreamLock(),
		format:       cfg.Format,
		blocksize:    cfg.Blocksize,
		numBuffers:   cfg.NumBuffers,
		live:         cfg.Live,
		doTimestamp:  cfg.DoTimestamp,
		automaticEOS: cfg.AutomaticEOS,
		syncToClock:  cfg.SyncToClock,
		clk:          cfg.Clock,
		baseTime:     cfg.BaseTime,
		latency:      -1,
	}
	if cfg.Logger != nil {
		e.logger = cfg.Logger.Named("engine", e.id)
	}
	e.liveCond = sync.NewCond(&e.liveMu)
	e.produceCtx, e.produceCancel = context.WithCancel(context.Background())
	e.seg.Init(cfg.Format)

	if cfg.Queue != nil {
		qcfg := *cfg.Queue
		if qcfg.Logger == nil {
			qcfg.Logger = cfg.Logger
		}
		if qcfg.Collector == nil {
			qcfg.Collector = cfg.Collector
		}
		out, err := stage.New(consumer, qcfg)
		if err != nil {
			return nil, fmt.Errorf("engine: output queue: %w", err)
		}
		e.out = out
		e.consumer = out
	}

	e.task = task.New("engine-"+e.id, e.stream, e.loop)
	return e, nil
}

// ID returns the engine's instance id.
func (e *Engine) ID() string {
	return e.id
}

// Mode returns the current activation mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// IsStarted reports whether the producer is started and the initial
// segment is configured.
func (e *Engine) IsStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Segment returns a copy of the current segment.
func (e *Engine) Segment() segment.Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seg
}

// Format returns the segment format.
func (e *Engine) Format() types.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format
}

// SetFormat changes the segment format. It takes effect on the next
// activation.
func (e *Engine) SetFormat(f types.Format) {
	e.mu.Lock()
	e.format = f
	if e.mode == ModeNone {
		e.seg.Init(f)
	}
	e.mu.Unlock()
}

// SetLive marks the producer as live.
func (e *Engine) SetLive(live bool) {
	e.mu.Lock()
	e.live = live
	e.mu.Unlock()
}

// IsLive reports whether the producer is live.
func (e *Engine) IsLive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// SetBlocksize sets the length requested per buffer. Zero restores the
// default.
func (e *Engine) SetBlocksize(n uint32) {
	if n == 0 {
		n = DefaultBlocksize
	}
	e.mu.Lock()
	e.blocksize = n
	e.mu.Unlock()
}

// Blocksize returns the length requested per buffer.
func (e *Engine) Blocksize() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocksize
}

// SetNumBuffers limits the buffers produced per activation. Negative
// means unlimited. Takes effect on the next activation.
func (e *Engine) SetNumBuffers(n int) {
	if n < 0 {
		n = -1
	}
	e.mu.Lock()
	e.numBuffers = n
	e.mu.Unlock()
}

// SetDoTimestamp enables running-time timestamping.
func (e *Engine) SetDoTimestamp(on bool) {
	e.mu.Lock()
	e.doTimestamp = on
	e.mu.Unlock()
}

// SetAutomaticEOS enables EOS at the segment stop.
func (e *Engine) SetAutomaticEOS(on bool) {
	e.mu.Lock()
	e.automaticEOS = on
	e.mu.Unlock()
}

// SetClock replaces the synchronization clock and base time. A pending
// clock wait on the old clock is not affected.
func (e *Engine) SetClock(c clock.Clock, baseTime int64) {
	e.mu.Lock()
	e.clk = c
	e.baseTime = baseTime
	e.mu.Unlock()
}

// Stats returns the engine's counters.
func (e *Engine) Stats() metrics.Snapshot {
	return e.collector.Snapshot()
}

// OutputQueue returns the output queue stage, or nil.
func (e *Engine) OutputQueue() *stage.Queue {
	return e.out
}

// post notifies the observer. Must be called without engine locks.
func (e *Engine) post(msg Message) {
	msg.EngineID = e.id
	if e.observer != nil {
		e.observer.OnMessage(msg)
	}
}

// pushEvent delivers ev downstream. Must be called without the live or
// object lock.
func (e *Engine) pushEvent(ctx context.Context, ev *event.Event) bool {
	ok := e.consumer.PushEvent(ctx, ev)
	e.collector.IncEventPushed()
	e.logDebug("event pushed", map[string]any{"event": ev.String(), "handled": ok})
	return ok
}

func (e *Engine) logDebug(msg string, fields map[string]any) {
	if e.logger == nil {
		return
	}
	e.logger.Debug(msg, fields)
}

func (e *Engine) logInfo(msg string, fields map[string]any) {
	if e.logger == nil {
		return
	}
	e.logger.Info(msg, fields)
}

func (e *Engine) logWarn(msg string, fields map[string]any) {
	if e.logger == nil {
		return
	}
	e.logger.Warn(msg, fields)
}

func (e *Engine) logError(msg string, err error) {
	if e.logger == nil {
		return
	}
	e.logger.Error(msg, map[string]any{
		"error": err.Error(),
		"kind":  types.FlowKindOf(err).String(),
	})
}
