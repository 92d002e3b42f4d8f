// Package queue implements a bounded, thread-safe FIFO of opaque items
// whose fullness is decided by a caller-supplied predicate over running
// totals of item count, bytes and duration.
//
// Semantics:
//   - Push blocks while the queue is full, Pop blocks while it is empty
//   - SetFlushing(true) wakes every blocked caller; all calls then fail fast
//   - Items are never dropped except by Flush or DropFirstMatching
//   - Hooks run without the queue lock held
package queue

import (
	"errors"
	"sync"

	"github.com/pithecene-io/sluice/log"
)

// Item is one queue element. The queue owns an item from a successful Push
// until it is returned by Pop.
type Item struct {
	// Object is the payload, opaque to the queue.
	Object any
	// Size is the item's contribution to Level.Bytes.
	Size uint64
	// Duration is the item's contribution to Level.Time.
	Duration uint64
	// Visible items count toward Level.Visible.
	Visible bool
	// Destroy releases Object when the queue discards the item. May be nil.
	Destroy func()
}

func (it *Item) destroy() {
	if it.Destroy != nil {
		it.Destroy()
	}
}

// Level is the running total over every enqueued item.
type Level struct {
	Visible uint
	Bytes   uint64
	Time    uint64
}

// Config configures a Queue.
type Config struct {
	// IsFull decides fullness from the current level. Required.
	IsFull func(Level) bool

	// OnFull is called each time a pusher is about to block on a full
	// queue. It may free space, e.g. by dropping items.
	OnFull func()

	// OnEmpty is called once per empty spell, when the first popper is
	// about to block on an empty queue.
	OnEmpty func()

	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger
}

// Limits builds an IsFull predicate from maximum values. Zero disables a
// limit; with every limit zero the queue is never full.
func Limits(maxVisible uint, maxBytes, maxTime uint64) func(Level) bool {
	return func(l Level) bool {
		return (maxVisible > 0 && l.Visible >= maxVisible) ||
			(maxBytes > 0 && l.Bytes >= maxBytes) ||
			(maxTime > 0 && l.Time >= maxTime)
	}
}

// ErrInvalidConfig is returned when Config has no fullness predicate.
var ErrInvalidConfig = errors.New("invalid queue config: IsFull is required")

// Stats counts queue traffic since creation.
type Stats struct {
	Pushed    int64
	Popped    int64
	Dropped   int64
	Flushed   int64
	FullWaits int64
	Level     Level
	Len       int
}

// Queue is a bounded FIFO. Safe for any number of concurrent pushers and
// poppers.
type Queue struct {
	cfg    Config
	logger *log.Logger

	mu            sync.Mutex // guards everything below
	itemAdded     *sync.Cond
	itemRemoved   *sync.Cond
	items         []*Item
	level         Level
	flushing      bool
	emptyNotified bool // OnEmpty ran since the queue last became empty
	stats         Stats
}

// New creates an empty queue.
func New(cfg Config) (*Queue, error) {
	if cfg.IsFull == nil {
		return nil, ErrInvalidConfig
	}
	q := &Queue{cfg: cfg, logger: cfg.Logger}
	q.itemAdded = sync.NewCond(&q.mu)
	q.itemRemoved = sync.NewCond(&q.mu)
	return q, nil
}

// Push appends item, blocking while the queue is full. It returns false
// without taking ownership when the queue is or becomes flushing.
func (q *Queue) Push(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.flushing {
			return false
		}
		if !q.cfg.IsFull(q.level) {
			break
		}
		q.stats.FullWaits++
		if q.cfg.OnFull != nil {
			q.mu.Unlock()
			q.cfg.OnFull()
			q.mu.Lock()
			// The hook may have drained the queue or started a flush.
			if q.flushing {
				return false
			}
			if !q.cfg.IsFull(q.level) {
				break
			}
		}
		q.itemRemoved.Wait()
	}

	q.appendLocked(item)
	return true
}

// PushForce appends item even when the queue is full. It fails only when
// flushing.
func (q *Queue) PushForce(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flushing {
		return false
	}
	q.appendLocked(item)
	return true
}

func (q *Queue) appendLocked(item *Item) {
	q.items = append(q.items, item)
	q.emptyNotified = false
	if item.Visible {
		q.level.Visible++
	}
	q.level.Bytes += item.Size
	q.level.Time += item.Duration
	q.stats.Pushed++
	q.itemAdded.Signal()
}

// Pop removes and returns the head, blocking while the queue is empty. It
// returns false when the queue is or becomes flushing.
func (q *Queue) Pop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.waitNonEmptyLocked() {
		return nil, false
	}

	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.subtractLocked(item)
	q.stats.Popped++
	q.itemRemoved.Signal()
	return item, true
}

// Peek returns the head without removing it, blocking while the queue is
// empty. The item stays owned by the queue.
func (q *Queue) Peek() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.waitNonEmptyLocked() {
		return nil, false
	}
	return q.items[0], true
}

func (q *Queue) waitNonEmptyLocked() bool {
	for len(q.items) == 0 {
		if q.flushing {
			return false
		}
		if q.cfg.OnEmpty != nil && !q.emptyNotified {
			q.emptyNotified = true
			q.mu.Unlock()
			q.cfg.OnEmpty()
			q.mu.Lock()
			if q.flushing {
				return false
			}
			if len(q.items) > 0 {
				break
			}
		}
		q.itemAdded.Wait()
	}
	return !q.flushing
}

func (q *Queue) subtractLocked(item *Item) {
	if item.Visible {
		if q.level.Visible == 0 {
			q.logUnderflow("visible")
		} else {
			q.level.Visible--
		}
	}
	if item.Size > q.level.Bytes {
		q.logUnderflow("bytes")
		q.level.Bytes = 0
	} else {
		q.level.Bytes -= item.Size
	}
	if item.Duration > q.level.Time {
		q.logUnderflow("time")
		q.level.Time = 0
	} else {
		q.level.Time -= item.Duration
	}
}

// SetFlushing switches flushing mode. Enabling it wakes every blocked
// Push, PushForce, Pop and Peek, which then return false.
func (q *Queue) SetFlushing(flushing bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushing = flushing
	if flushing {
		q.itemAdded.Broadcast()
		q.itemRemoved.Broadcast()
	}
}

// Flushing reports whether the queue is flushing.
func (q *Queue) Flushing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushing
}

// Flush destroys every item and zeroes the level.
func (q *Queue) Flush() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.level = Level{}
	q.stats.Flushed += int64(len(items))
	q.itemRemoved.Broadcast()
	q.mu.Unlock()

	for _, item := range items {
		item.destroy()
	}
	q.logFlush(len(items))
}

// DropFirstMatching destroys the first item, from head to tail, for which
// match returns true. It reports whether an item was dropped.
func (q *Queue) DropFirstMatching(match func(*Item) bool) bool {
	q.mu.Lock()
	var dropped *Item
	for i, item := range q.items {
		if match(item) {
			dropped = item
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.subtractLocked(item)
			q.stats.Dropped++
			q.itemRemoved.Signal()
			break
		}
	}
	q.mu.Unlock()

	if dropped == nil {
		return false
	}
	dropped.destroy()
	return true
}

// LimitsChanged wakes blocked pushers so they re-evaluate fullness after
// the predicate's limits were changed.
func (q *Queue) LimitsChanged() {
	q.mu.Lock()
	q.itemRemoved.Broadcast()
	q.mu.Unlock()
}

// Level returns the current totals.
func (q *Queue) Level() Level {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.level
}

// Len returns the number of enqueued items, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether no items are enqueued.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// IsFull evaluates the fullness predicate on the current level.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.IsFull(q.level)
}

// Stats returns a copy of the traffic counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Level = q.level
	s.Len = len(q.items)
	return s
}

func (q *Queue) logUnderflow(total string) {
	if q.logger == nil {
		return
	}
	q.logger.Error("queue level underflow", map[string]any{
		"total": total,
	})
}

func (q *Queue) logFlush(n int) {
	if q.logger == nil || n == 0 {
		return
	}
	q.logger.Debug("queue flushed", map[string]any{
		"items": n,
	})
}
