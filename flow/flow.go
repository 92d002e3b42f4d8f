// Package flow defines the downstream contract every engine and stage
// delivers into.
package flow

import (
	"context"
	"sync"

	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/types"
)

// Consumer receives buffers and events from one upstream streaming
// goroutine. Flush-start and out-of-band events may arrive from other
// goroutines while PushBuffer is blocked; a consumer must let them unblock
// it.
//
// ctx carries the upstream streaming lock owner. A consumer that calls back
// into its upstream (seeks on EOS, say) must pass ctx through.
type Consumer interface {
	// PushBuffer delivers a buffer. A non-nil error stops the upstream loop;
	// see types.FlowKind for the meaning of each kind.
	PushBuffer(ctx context.Context, buf *types.Buffer) error
	// PushEvent delivers an event and reports whether it was handled.
	PushEvent(ctx context.Context, ev *event.Event) bool
}

// Discard accepts everything.
type Discard struct{}

// PushBuffer implements Consumer.
func (Discard) PushBuffer(context.Context, *types.Buffer) error { return nil }

// PushEvent implements Consumer.
func (Discard) PushEvent(context.Context, *event.Event) bool { return true }

// Funcs adapts functions to a Consumer. Nil fields accept silently.
type Funcs struct {
	Buffer func(ctx context.Context, buf *types.Buffer) error
	Event  func(ctx context.Context, ev *event.Event) bool
}

// PushBuffer implements Consumer.
func (f Funcs) PushBuffer(ctx context.Context, buf *types.Buffer) error {
	if f.Buffer == nil {
		return nil
	}
	return f.Buffer(ctx, buf)
}

// PushEvent implements Consumer.
func (f Funcs) PushEvent(ctx context.Context, ev *event.Event) bool {
	if f.Event == nil {
		return true
	}
	return f.Event(ctx, ev)
}

// Item is one delivery recorded by a Collector.
type Item struct {
	Buffer *types.Buffer
	Event  *event.Event
}

// Collector records every delivery in order. Useful as a terminal consumer
// in tools and tests.
type Collector struct {
	mu    sync.Mutex
	items []Item
	// Err, when set, is returned from every PushBuffer.
	Err error
}

// PushBuffer implements Consumer.
func (c *Collector) PushBuffer(_ context.Context, buf *types.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.items = append(c.items, Item{Buffer: buf})
	return nil
}

// PushEvent implements Consumer.
func (c *Collector) PushEvent(_ context.Context, ev *event.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, Item{Event: ev})
	return true
}

// Items returns a copy of the recorded deliveries.
func (c *Collector) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Item(nil), c.items...)
}

// Buffers returns the recorded buffers in order.
func (c *Collector) Buffers() []*types.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Buffer
	for _, it := range c.items {
		if it.Buffer != nil {
			out = append(out, it.Buffer)
		}
	}
	return out
}

// Events returns the recorded events of the given types in order, or all
// events when no type is given.
func (c *Collector) Events(kinds ...event.Type) []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*event.Event
	for _, it := range c.items {
		if it.Event == nil {
			continue
		}
		if len(kinds) == 0 {
			out = append(out, it.Event)
			continue
		}
		for _, k := range kinds {
			if it.Event.Type == k {
				out = append(out, it.Event)
				break
			}
		}
	}
	return out
}

// Reset forgets every recorded delivery.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}

var (
	_ Consumer = Discard{}
	_ Consumer = Funcs{}
	_ Consumer = (*Collector)(nil)
)
