package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// brotliStreamQuality keeps per-event flushes cheap on long event streams.
const brotliStreamQuality = 4

// resetWriter is a pooled compressor that can be pointed at a new sink.
type resetWriter interface {
	io.WriteCloser
	Reset(w io.Writer)
	Flush() error
}

var compressorPools = map[string]*sync.Pool{
	"br": {New: func() any {
		return brotli.NewWriterLevel(io.Discard, brotliStreamQuality)
	}},
	"zstd": {New: func() any {
		enc, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		return enc
	}},
	"gzip": {New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	}},
}

// encodingPreference lists response encodings, best first.
var encodingPreference = []string{"br", "zstd", "gzip"}

// compressMiddleware compresses responses with the best encoding the client
// accepts. Flushes pass through the compressor, so event streams still
// arrive one event at a time.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if encoding == "" {
			next.ServeHTTP(w, r)
			return
		}

		cw := &compressWriter{ResponseWriter: w, encoding: encoding}
		defer cw.Close()
		next.ServeHTTP(cw, r)
	})
}

// negotiateEncoding picks the preferred encoding listed in an
// Accept-Encoding header, or "" when none match.
func negotiateEncoding(header string) string {
	accepted := make(map[string]bool)
	for part := range strings.SplitSeq(header, ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		accepted[strings.TrimSpace(enc)] = true
	}
	for _, enc := range encodingPreference {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

// compressWriter decides whether to compress on the first WriteHeader or
// Write, leaving responses that already carry a Content-Encoding untouched.
type compressWriter struct {
	http.ResponseWriter
	encoding string
	writer   resetWriter // nil unless compressing
	started  bool
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.started {
		return
	}
	cw.started = true

	if cw.Header().Get("Content-Encoding") != "" ||
		code == http.StatusNoContent || code == http.StatusNotModified {
		cw.ResponseWriter.WriteHeader(code)
		return
	}

	cw.Header().Set("Content-Encoding", cw.encoding)
	cw.Header().Del("Content-Length")
	cw.Header().Add("Vary", "Accept-Encoding")

	cw.writer = compressorPools[cw.encoding].Get().(resetWriter)
	cw.writer.Reset(cw.ResponseWriter)

	cw.ResponseWriter.WriteHeader(code)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.started {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.writer != nil {
		return cw.writer.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}

// Flush pushes buffered compressed bytes to the client.
func (cw *compressWriter) Flush() {
	if cw.writer != nil {
		_ = cw.writer.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (cw *compressWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

// Close finishes the compressed stream and returns the compressor to its
// pool.
func (cw *compressWriter) Close() {
	if cw.writer == nil {
		return
	}
	_ = cw.writer.Close()
	cw.writer.Reset(io.Discard)
	compressorPools[cw.encoding].Put(cw.writer)
	cw.writer = nil
}
