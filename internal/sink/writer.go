package sink

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// WriterSink writes encoded batches to an io.Writer. It is safe for
// concurrent use; each batch is written whole.
type WriterSink struct {
	mu      sync.Mutex
	enc     Encoder
	buf     *bufio.Writer
	closers []io.Closer // closed in order after the buffer is flushed
}

// NewWriterSink writes to w. Close flushes but does not close w.
func NewWriterSink(w io.Writer, enc Encoder) *WriterSink {
	return &WriterSink{enc: enc, buf: bufio.NewWriter(w)}
}

// Create opens path for writing. "-" selects standard output. Paths ending
// in .zst, .br or .gz are compressed accordingly.
func Create(path string, enc Encoder) (*WriterSink, error) {
	if path == "" || path == "-" {
		return NewWriterSink(os.Stdout, enc), nil
	}

	f, err := os.Create(path) //nolint:gosec // G304: output path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}

	var w io.Writer = f
	var closers []io.Closer
	switch {
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		w, closers = zw, []io.Closer{zw}
	case strings.HasSuffix(path, ".br"):
		bw := brotli.NewWriterLevel(f, brotli.DefaultCompression)
		w, closers = bw, []io.Closer{bw}
	case strings.HasSuffix(path, ".gz"):
		gw := gzip.NewWriter(f)
		w, closers = gw, []io.Closer{gw}
	}

	s := NewWriterSink(w, enc)
	s.closers = append(closers, f)
	return s, nil
}

// Write encodes env and writes it.
func (s *WriterSink) Write(_ context.Context, env Envelope) error {
	b, err := s.enc.Encode(env)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.buf.Write(b); err != nil {
		return fmt.Errorf("write batch %d: %w", env.Seq, err)
	}
	return nil
}

// Flush writes buffered data to the underlying writer.
func (s *WriterSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Flush()
}

// Close flushes buffered data and closes any compressor and file opened by
// Create.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := []error{s.buf.Flush()}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
