package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pithecene-io/sluice/clock"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/stage"
	"github.com/pithecene-io/sluice/types"
)

// Mode is how an engine is driven.
type Mode int

const (
	// ModeNone is an inactive engine.
	ModeNone Mode = iota
	// ModePush runs a streaming goroutine that pushes downstream.
	ModePush
	// ModePull serves GetRange calls on the caller's goroutine.
	ModePull
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModePush:
		return "push"
	case ModePull:
		return "pull"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses push or pull.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "push":
		return ModePush, nil
	case "pull":
		return ModePull, nil
	default:
		return ModeNone, fmt.Errorf("invalid mode: %q (must be push or pull)", s)
	}
}

// DefaultBlocksize is the default number of bytes requested per buffer.
const DefaultBlocksize uint32 = 4096

// Config configures an Engine.
type Config struct {
	// Format is the unit of the engine's segment.
	Format types.Format

	// Blocksize is the length requested from the producer per buffer.
	Blocksize uint32

	// NumBuffers limits how many buffers are produced per activation.
	// Negative means unlimited.
	NumBuffers int

	// Live marks a producer whose data only exists while playing.
	Live bool

	// DoTimestamp stamps buffers without a DTS with the running time.
	DoTimestamp bool

	// AutomaticEOS ends the stream when the position reaches the segment
	// stop (or the byte size).
	AutomaticEOS bool

	// SyncToClock paces buffers against Clock using their segment running
	// time when the producer does not implement SyncTimer.
	SyncToClock bool

	// Clock is the synchronization clock. Nil disables synchronization
	// and clock timestamping.
	Clock clock.Clock

	// BaseTime is the clock time at which running time was zero.
	BaseTime int64

	// Queue, when set, places an asynchronous queue stage between the
	// streaming goroutine and the consumer.
	Queue *stage.Config

	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger

	// Collector is an optional counter sink.
	Collector *metrics.Collector

	// Observer receives host notifications. May be nil.
	Observer Observer
}

// DefaultConfig returns a byte-format, non-live configuration with
// automatic EOS.
func DefaultConfig() Config {
	return Config{
		Format:       types.FormatBytes,
		Blocksize:    DefaultBlocksize,
		NumBuffers:   -1,
		AutomaticEOS: true,
	}
}

// Errors returned by New and Activate.
var (
	ErrNilSource       = errors.New("engine: source is required")
	ErrNilConsumer     = errors.New("engine: consumer is required")
	ErrInvalidMode     = errors.New("engine: invalid activation mode")
	ErrNotRandomAccess = errors.New("engine: pull mode requires a seekable byte-format source")
	ErrStartFailed     = errors.New("engine: source failed to start")
	ErrSeekFailed      = errors.New("engine: seek failed")
)
