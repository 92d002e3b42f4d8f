package types

import (
	"fmt"
	"strings"
)

// None marks an unset position, timestamp or duration.
const None int64 = -1

// OffsetNone is the offset passed to producers for formats without byte
// addressing.
const OffsetNone = ^uint64(0)

// Second is one second in time-format units (nanoseconds).
const Second int64 = 1_000_000_000

// Format is the unit a segment, seek or position is expressed in.
type Format int

// Format constants.
const (
	// FormatUndefined means no format has been negotiated.
	FormatUndefined Format = iota
	// FormatDefault is the producer's own unit (samples, frames, records).
	FormatDefault
	// FormatBytes addresses payload by byte offset.
	FormatBytes
	// FormatTime addresses payload by nanoseconds.
	FormatTime
	// FormatBuffers counts buffers.
	FormatBuffers
	// FormatPercent is a fraction of the total, scaled by PercentMax.
	FormatPercent
)

// PercentMax is 100% in FormatPercent units.
const PercentMax int64 = 1_000_000

func (f Format) String() string {
	switch f {
	case FormatUndefined:
		return "undefined"
	case FormatDefault:
		return "default"
	case FormatBytes:
		return "bytes"
	case FormatTime:
		return "time"
	case FormatBuffers:
		return "buffers"
	case FormatPercent:
		return "percent"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat parses a format name as printed by Format.String.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "undefined":
		return FormatUndefined, nil
	case "default":
		return FormatDefault, nil
	case "bytes":
		return FormatBytes, nil
	case "time":
		return FormatTime, nil
	case "buffers":
		return FormatBuffers, nil
	case "percent":
		return FormatPercent, nil
	default:
		return FormatUndefined, fmt.Errorf("unknown format: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(b []byte) error {
	parsed, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
