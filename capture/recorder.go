package capture

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pithecene-io/sluice/event"
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/iox"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/types"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Header is written as the first record. Version defaults to
	// types.CaptureVersion.
	Header Header
	// KeepData records buffer payloads, not just their metadata.
	KeepData bool
	// Next, when set, receives every delivery after it is recorded.
	Next flow.Consumer
	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger
}

// Recorder is a flow.Consumer that writes every delivery to a capture.
// A write failure is latched: every later PushBuffer returns it, which
// stops the upstream engine with a fatal error.
type Recorder struct {
	w      *iox.CountingWriter
	cfg    RecorderConfig
	logger *log.Logger
	now    func() time.Time

	mu          sync.Mutex
	seq         uint64
	wroteHeader bool
	err         error
}

// NewRecorder creates a recorder writing to w. The recorder does not
// close w.
func NewRecorder(w io.Writer, cfg RecorderConfig) *Recorder {
	if cfg.Header.Version == "" {
		cfg.Header.Version = types.CaptureVersion
	}
	r := &Recorder{
		w:   iox.NewCountingWriter(w),
		cfg: cfg,
		now: time.Now,
	}
	if cfg.Logger != nil {
		r.logger = cfg.Logger.Named("capture", cfg.Header.EngineID)
	}
	return r
}

// PushBuffer implements flow.Consumer.
func (r *Recorder) PushBuffer(ctx context.Context, buf *types.Buffer) error {
	if err := r.write(&Record{Type: RecordBuffer, Buffer: NewBufferRecord(buf, r.cfg.KeepData)}); err != nil {
		return err
	}
	if r.cfg.Next != nil {
		return r.cfg.Next.PushBuffer(ctx, buf)
	}
	return nil
}

// PushEvent implements flow.Consumer. Events are forwarded even when
// recording failed so flushes and EOS still reach Next.
func (r *Recorder) PushEvent(ctx context.Context, ev *event.Event) bool {
	err := r.write(&Record{Type: RecordEvent, Event: NewEventRecord(ev)})
	if r.cfg.Next != nil {
		return r.cfg.Next.PushEvent(ctx, ev)
	}
	return err == nil
}

func (r *Recorder) write(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}

	if !r.wroteHeader {
		header := r.cfg.Header
		if err := r.writeLocked(&Record{Type: RecordHeader, Header: &header}); err != nil {
			return err
		}
		r.wroteHeader = true
	}
	return r.writeLocked(rec)
}

func (r *Recorder) writeLocked(rec *Record) error {
	rec.Seq = r.seq
	rec.At = r.now().UnixNano()

	frame, err := EncodeFrame(rec)
	if err != nil {
		// An unencodable record (an exotic event payload, say) is
		// skipped rather than ending the capture.
		r.logWarn("record skipped", map[string]any{"type": rec.Type, "error": err.Error()})
		return nil
	}
	if _, err := r.w.Write(frame); err != nil {
		r.err = fmt.Errorf("capture write: %w", err)
		r.logError("capture write failed", map[string]any{"seq": r.seq, "error": err.Error()})
		return r.err
	}
	r.seq++
	return nil
}

// Records returns the number of records written, header included.
func (r *Recorder) Records() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// BytesWritten returns the capture size so far.
func (r *Recorder) BytesWritten() int64 {
	return r.w.Count()
}

// Err returns the latched write error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) logWarn(msg string, fields map[string]any) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(msg, fields)
}

func (r *Recorder) logError(msg string, fields map[string]any) {
	if r.logger == nil {
		return
	}
	r.logger.Error(msg, fields)
}

var _ flow.Consumer = (*Recorder)(nil)
