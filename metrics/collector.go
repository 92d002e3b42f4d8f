// Package metrics provides per-engine counters.
//
// The Collector accumulates counters for one engine instance across
// activations. It is a leaf package with no internal dependencies. Queue
// stage counters are absorbed from queue.Stats when the stage stops rather
// than recorded live, avoiding double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Lifecycle
	Activations   int64
	Deactivations int64

	// Data flow
	BuffersProduced int64
	BuffersPushed   int64
	BytesPushed     int64
	EventsPushed    int64

	// Seeking
	SeeksPerformed int64
	SeeksFailed    int64
	SeeksDeduped   int64
	Flushes        int64

	// Termination
	EOSSent     int64
	FatalErrors int64
	// Stops counts streaming loop pauses by flow kind name.
	Stops map[string]int64

	// Clock synchronization
	ClockOK          int64
	ClockEarly       int64
	ClockUnscheduled int64

	// Queue stage (absorbed from queue.Stats)
	QueuePushed    int64
	QueueDropped   int64
	QueueFlushed   int64
	QueueFullWaits int64

	// Dimensions (informational, set at construction)
	Source     string
	Mode       string
	Format     string
	InstanceID string
}

// Collector accumulates counters for one engine.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	activations   int64
	deactivations int64

	buffersProduced int64
	buffersPushed   int64
	bytesPushed     int64
	eventsPushed    int64

	seeksPerformed int64
	seeksFailed    int64
	seeksDeduped   int64
	flushes        int64

	eosSent     int64
	fatalErrors int64
	stops       map[string]int64

	clockOK          int64
	clockEarly       int64
	clockUnscheduled int64

	queuePushed    int64
	queueDropped   int64
	queueFlushed   int64
	queueFullWaits int64

	source     string
	mode       string
	format     string
	instanceID string
}

// NewCollector creates a Collector with dimension labels.
// source, mode and format describe the engine; instanceID is optional.
func NewCollector(source, mode, format, instanceID string) *Collector {
	return &Collector{
		stops:      make(map[string]int64),
		source:     source,
		mode:       mode,
		format:     format,
		instanceID: instanceID,
	}
}

func (c *Collector) add(field *int64, n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Lifecycle ---

// IncActivation records an activation in either mode.
func (c *Collector) IncActivation() {
	if c == nil {
		return
	}
	c.add(&c.activations, 1)
}

// IncDeactivation records a deactivation.
func (c *Collector) IncDeactivation() {
	if c == nil {
		return
	}
	c.add(&c.deactivations, 1)
}

// --- Data flow ---

// IncBufferProduced records a buffer returned by the producer.
func (c *Collector) IncBufferProduced() {
	if c == nil {
		return
	}
	c.add(&c.buffersProduced, 1)
}

// IncBufferPushed records a buffer accepted downstream.
func (c *Collector) IncBufferPushed(size int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.buffersPushed++
	c.bytesPushed += size
	c.mu.Unlock()
}

// IncEventPushed records an event delivered downstream.
func (c *Collector) IncEventPushed() {
	if c == nil {
		return
	}
	c.add(&c.eventsPushed, 1)
}

// --- Seeking ---

// IncSeek records a seek outcome.
func (c *Collector) IncSeek(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.add(&c.seeksPerformed, 1)
	} else {
		c.add(&c.seeksFailed, 1)
	}
}

// IncSeekDeduped records a seek ignored as a repeat of the last seqnum.
func (c *Collector) IncSeekDeduped() {
	if c == nil {
		return
	}
	c.add(&c.seeksDeduped, 1)
}

// IncFlush records a flush pushed downstream.
func (c *Collector) IncFlush() {
	if c == nil {
		return
	}
	c.add(&c.flushes, 1)
}

// --- Termination ---

// IncEOS records an EOS delivered downstream.
func (c *Collector) IncEOS() {
	if c == nil {
		return
	}
	c.add(&c.eosSent, 1)
}

// IncFatal records a fatal error posted to the host.
func (c *Collector) IncFatal() {
	if c == nil {
		return
	}
	c.add(&c.fatalErrors, 1)
}

// IncStop records a streaming loop pause by reason.
func (c *Collector) IncStop(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stops[reason]++
	c.mu.Unlock()
}

// --- Clock ---

// IncClockWait records a clock wait outcome: "ok", "early" or
// "unscheduled". Other outcomes are not counted.
func (c *Collector) IncClockWait(outcome string) {
	if c == nil {
		return
	}
	switch outcome {
	case "ok":
		c.add(&c.clockOK, 1)
	case "early":
		c.add(&c.clockEarly, 1)
	case "unscheduled":
		c.add(&c.clockUnscheduled, 1)
	}
}

// --- Queue stage (absorbed from queue.Stats) ---

// AbsorbQueueStats adds a stopped stage's queue counters into the collector.
// Plain integers keep this package free of a dependency on queue.
func (c *Collector) AbsorbQueueStats(pushed, dropped, flushed, fullWaits int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queuePushed += pushed
	c.queueDropped += dropped
	c.queueFlushed += flushed
	c.queueFullWaits += fullWaits
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stops := make(map[string]int64, len(c.stops))
	for k, v := range c.stops {
		stops[k] = v
	}

	return Snapshot{
		Activations:   c.activations,
		Deactivations: c.deactivations,

		BuffersProduced: c.buffersProduced,
		BuffersPushed:   c.buffersPushed,
		BytesPushed:     c.bytesPushed,
		EventsPushed:    c.eventsPushed,

		SeeksPerformed: c.seeksPerformed,
		SeeksFailed:    c.seeksFailed,
		SeeksDeduped:   c.seeksDeduped,
		Flushes:        c.flushes,

		EOSSent:     c.eosSent,
		FatalErrors: c.fatalErrors,
		Stops:       stops,

		ClockOK:          c.clockOK,
		ClockEarly:       c.clockEarly,
		ClockUnscheduled: c.clockUnscheduled,

		QueuePushed:    c.queuePushed,
		QueueDropped:   c.queueDropped,
		QueueFlushed:   c.queueFlushed,
		QueueFullWaits: c.queueFullWaits,

		Source:     c.source,
		Mode:       c.mode,
		Format:     c.format,
		InstanceID: c.instanceID,
	}
}
