// Package stage provides an asynchronous queue stage: a flow.Consumer that
// hands buffers from an upstream streaming goroutine to its own downstream
// goroutine through a bounded queue.
//
// Flushes overtake queued data. A flush-start forwarded through the stage
// releases an upstream pusher blocked on a full queue.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/queue"
	"github.com/pithecene-io/sluice/task"
	"github.com/pithecene-io/sluice/types"
)

// Leaky selects what a full stage does with new buffers.
type Leaky int

const (
	// LeakyNone blocks the upstream pusher until space frees up.
	LeakyNone Leaky = iota
	// LeakyUpstream drops the incoming buffer.
	LeakyUpstream
	// LeakyDownstream drops the oldest queued buffer.
	LeakyDownstream
)

func (l Leaky) String() string {
	switch l {
	case LeakyNone:
		return "none"
	case LeakyUpstream:
		return "upstream"
	case LeakyDownstream:
		return "downstream"
	default:
		return fmt.Sprintf("leaky(%d)", int(l))
	}
}

// ParseLeaky parses none, upstream or downstream. Empty means none.
func ParseLeaky(s string) (Leaky, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "no":
		return LeakyNone, nil
	case "upstream":
		return LeakyUpstream, nil
	case "downstream":
		return LeakyDownstream, nil
	default:
		return LeakyNone, fmt.Errorf("invalid leaky mode: %q (must be none, upstream, or downstream)", s)
	}
}

// Limits bound the queue. A zero field disables that limit.
type Limits struct {
	MaxBuffers uint
	MaxBytes   uint64
	// MaxTime bounds the summed buffer durations, in nanoseconds.
	MaxTime uint64
}

// Config configures a Queue stage.
type Config struct {
	Limits Limits
	Leaky  Leaky

	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger

	// Collector receives the stage's queue counters when it stops.
	Collector *metrics.Collector
}

// DefaultConfig returns the stock limits: 200 buffers, 10 MiB, 1 second.
func DefaultConfig() Config {
	return Config{
		Limits: Limits{
			MaxBuffers: 200,
			MaxBytes:   10 * 1024 * 1024,
			MaxTime:    uint64(types.Second),
		},
	}
}

// ErrNilConsumer is returned when no downstream consumer is given.
var ErrNilConsumer = errors.New("stage: next consumer is required")

// Queue is an asynchronous stage. Start it before pushing.
type Queue struct {
	id        string
	next      flow.Consumer
	q         *queue.Queue
	lock      *task.StreamLock
	task      *task.Task
	leaky     Leaky
	logger    *log.Logger
	collector *metrics.Collector

	maxBuffers atomic.Uint64
	maxBytes   atomic.Uint64
	maxTime    atomic.Uint64
	leaked     atomic.Int64

	mu        sync.Mutex // guards below
	srcResult error
	eos       bool
	started   bool
	absorbed  queue.Stats
}

// New creates a stopped stage delivering into next.
func New(next flow.Consumer, cfg Config) (*Queue, error) {
	if next == nil {
		return nil, ErrNilConsumer
	}
	s := &Queue{
		id:        uuid.NewString(),
		next:      next,
		lock:      task.NewStreamLock(),
		leaky:     cfg.Leaky,
		collector: cfg.Collector,
	}
	if cfg.Logger != nil {
		s.logger = cfg.Logger.Named("stage", s.id)
	}
	s.storeLimits(cfg.Limits)

	q, err := queue.New(queue.Config{
		IsFull: s.isFull,
		Logger: s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.q = q
	s.task = task.New("stage-"+s.id, s.lock, s.loop)
	return s, nil
}

// ID returns the stage's instance id.
func (s *Queue) ID() string {
	return s.id
}

func (s *Queue) storeLimits(l Limits) {
	s.maxBuffers.Store(uint64(l.MaxBuffers))
	s.maxBytes.Store(l.MaxBytes)
	s.maxTime.Store(l.MaxTime)
}

func (s *Queue) isFull(l queue.Level) bool {
	maxBuffers := s.maxBuffers.Load()
	maxBytes := s.maxBytes.Load()
	maxTime := s.maxTime.Load()
	return (maxBuffers > 0 && uint64(l.Visible) >= maxBuffers) ||
		(maxBytes > 0 && l.Bytes >= maxBytes) ||
		(maxTime > 0 && l.Time >= maxTime)
}

// SetLimits changes the limits and re-evaluates blocked pushers.
func (s *Queue) SetLimits(l Limits) {
	s.storeLimits(l)
	s.q.LimitsChanged()
}

// Start begins draining into the downstream consumer.
func (s *Queue) Start() {
	s.mu.Lock()
	s.srcResult = nil
	s.eos = false
	s.started = true
	s.mu.Unlock()

	s.q.SetFlushing(false)
	s.task.Start()
	s.logDebug("stage started", nil)
}

// Stop releases blocked callers, stops the drain goroutine and discards
// queued items. It returns the downstream error that stopped the stage,
// if that error was fatal.
func (s *Queue) Stop(ctx context.Context) error {
	s.q.SetFlushing(true)
	s.task.Stop()
	s.task.Join(ctx)
	s.q.Flush()

	stats := s.q.Stats()
	s.mu.Lock()
	err := s.srcResult
	s.started = false
	prev := s.absorbed
	s.absorbed = stats
	s.mu.Unlock()

	s.collector.AbsorbQueueStats(
		stats.Pushed-prev.Pushed,
		stats.Dropped-prev.Dropped+s.leaked.Swap(0),
		stats.Flushed-prev.Flushed,
		stats.FullWaits-prev.FullWaits,
	)
	s.logDebug("stage stopped", map[string]any{"pushed": stats.Pushed, "dropped": stats.Dropped})

	if types.IsFatal(err) {
		return err
	}
	return nil
}

// Level returns the queue's current totals.
func (s *Queue) Level() queue.Level {
	return s.q.Level()
}

// Stats returns the queue's counters.
func (s *Queue) Stats() queue.Stats {
	st := s.q.Stats()
	st.Dropped += s.leaked.Load()
	return st
}

func isBufferItem(it *queue.Item) bool {
	_, ok := it.Object.(*types.Buffer)
	return ok
}

// PushBuffer implements flow.Consumer. It blocks while the queue is full
// unless the stage leaks.
func (s *Queue) PushBuffer(_ context.Context, buf *types.Buffer) error {
	s.mu.Lock()
	if err := s.srcResult; err != nil {
		s.mu.Unlock()
		return err
	}
	if s.eos {
		s.mu.Unlock()
		return types.NewFlowError(types.FlowUnexpectedEnd, "buffer after EOS")
	}
	s.mu.Unlock()

	switch s.leaky {
	case LeakyUpstream:
		if s.q.IsFull() {
			s.leaked.Add(1)
			s.logDrop("upstream")
			return nil
		}
	case LeakyDownstream:
		for s.q.IsFull() {
			if !s.q.DropFirstMatching(isBufferItem) {
				break
			}
			s.logDrop("downstream")
		}
	}

	item := &queue.Item{Object: buf, Size: buf.Size(), Visible: true}
	if buf.Duration > 0 {
		item.Duration = uint64(buf.Duration)
	}
	if !s.q.Push(item) {
		s.mu.Lock()
		err := s.srcResult
		s.mu.Unlock()
		if err == nil {
			err = types.NewFlowError(types.FlowWrongState, "stage flushing")
		}
		return err
	}
	return nil
}

// PushEvent implements flow.Consumer. Flush and out-of-band events are
// forwarded at once; everything else is queued behind pending buffers.
func (s *Queue) PushEvent(ctx context.Context, ev *event.Event) bool {
	switch ev.Type {
	case event.TypeFlushStart:
		ok := s.next.PushEvent(ctx, ev)
		s.mu.Lock()
		s.srcResult = types.NewFlowError(types.FlowWrongState, "stage flushing")
		s.mu.Unlock()
		s.q.SetFlushing(true)
		s.task.Pause()
		return ok

	case event.TypeFlushStop:
		// Wake the drain goroutine first so it parks and releases its lock
		// even when no flush-start preceded this event.
		s.q.SetFlushing(true)
		s.task.Pause()
		lctx := s.lock.Lock(ctx)
		s.q.Flush()
		s.q.SetFlushing(false)
		s.mu.Lock()
		s.srcResult = nil
		s.eos = false
		started := s.started
		s.mu.Unlock()
		ok := s.next.PushEvent(ctx, ev)
		s.lock.Unlock(lctx)
		if started {
			s.task.Start()
		}
		return ok

	case event.TypeCustomOOB:
		return s.next.PushEvent(ctx, ev)
	}

	s.mu.Lock()
	if s.srcResult != nil || s.eos {
		s.mu.Unlock()
		return false
	}
	if ev.Type == event.TypeEOS {
		s.eos = true
	}
	s.mu.Unlock()

	return s.q.PushForce(&queue.Item{Object: ev})
}

func (s *Queue) loop(ctx context.Context) {
	item, ok := s.q.Pop()
	if !ok {
		s.task.Pause()
		return
	}

	switch obj := item.Object.(type) {
	case *types.Buffer:
		if err := s.next.PushBuffer(ctx, obj); err != nil {
			s.mu.Lock()
			if s.srcResult == nil {
				s.srcResult = err
			}
			s.mu.Unlock()
			s.task.Pause()
			// Release an upstream pusher blocked on the full queue so it
			// sees the downstream error.
			s.q.SetFlushing(true)
			s.logPushError(err)
			if types.IsFatal(err) {
				s.next.PushEvent(ctx, event.NewEOS())
			}
		}
	case *event.Event:
		s.next.PushEvent(ctx, obj)
		if obj.Type == event.TypeEOS {
			s.task.Pause()
		}
	}
}

func (s *Queue) logDrop(side string) {
	if s.logger == nil {
		return
	}
	s.logger.Warn("buffer dropped", map[string]any{
		"leaky": side,
	})
}

func (s *Queue) logPushError(err error) {
	if s.logger == nil {
		return
	}
	fields := map[string]any{
		"error": err.Error(),
		"kind":  types.FlowKindOf(err).String(),
	}
	if types.IsFatal(err) {
		s.logger.Error("downstream push failed", fields)
		return
	}
	s.logger.Debug("downstream push stopped", fields)
}

func (s *Queue) logDebug(msg string, fields map[string]any) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(msg, fields)
}

var _ flow.Consumer = (*Queue)(nil)
