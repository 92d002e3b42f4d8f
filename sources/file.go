// Package sources provides ready-made producers for the engine: a
// random-access file and a synthetic time-based pattern.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pithecene-io/sluice/engine"
	"github.com/pithecene-io/sluice/types"
)

// File produces the bytes of a file. It is seekable and reports its size
// on every call, so a file that grows while it is read is followed.
type File struct {
	path string

	mu       sync.Mutex
	f        *os.File
	seekable bool
}

// NewFile creates a producer for path. The file is opened by Start.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Start opens the file.
func (f *File) Start() error {
	fh, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	info, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return fmt.Errorf("stat %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.f = fh
	f.seekable = info.Mode().IsRegular()
	f.mu.Unlock()
	return nil
}

// Stop closes the file.
func (f *File) Stop() error {
	f.mu.Lock()
	fh := f.f
	f.f = nil
	f.mu.Unlock()
	if fh == nil {
		return nil
	}
	return fh.Close()
}

// Size returns the current file size.
func (f *File) Size() (uint64, bool) {
	f.mu.Lock()
	fh := f.f
	f.mu.Unlock()
	if fh == nil {
		return 0, false
	}
	info, err := fh.Stat()
	if err != nil {
		return 0, false
	}
	return uint64(info.Size()), true
}

// IsSeekable reports whether the file is a regular file.
func (f *File) IsSeekable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seekable
}

// Produce reads up to length bytes at offset. Reading at or past the end
// of the file is an unexpected-end error.
func (f *File) Produce(ctx context.Context, offset uint64, length uint32) (*types.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset == types.OffsetNone {
		return nil, types.NewFlowError(types.FlowNotNegotiated, "file source needs byte offsets")
	}

	f.mu.Lock()
	fh := f.f
	f.mu.Unlock()
	if fh == nil {
		return nil, types.NewFlowError(types.FlowWrongState, "file not open")
	}

	data := make([]byte, length)
	n, err := fh.ReadAt(data, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s at %d: %w", f.path, offset, err)
	}
	if n == 0 && length > 0 {
		return nil, types.NewFlowError(types.FlowUnexpectedEnd, "end of file at %d", offset)
	}

	buf := types.NewBuffer(data[:n])
	buf.Offset = offset
	buf.OffsetEnd = offset + uint64(n)
	return buf, nil
}

var (
	_ engine.Source   = (*File)(nil)
	_ engine.Sizer    = (*File)(nil)
	_ engine.Seekable = (*File)(nil)
)
