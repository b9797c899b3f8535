package source

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// zstdMaxWindow bounds decoder memory for untrusted input.
const zstdMaxWindow = 128 << 20

// EncodingForName returns the content encoding implied by a file name
// suffix, or "" for uncompressed names.
func EncodingForName(name string) string {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return "gzip"
	case strings.HasSuffix(name, ".zst"):
		return "zstd"
	case strings.HasSuffix(name, ".br"):
		return "br"
	default:
		return ""
	}
}

// Decompress wraps rc in a streaming decoder for encoding, which uses HTTP
// Content-Encoding names: gzip, zstd, br, identity or "". Closing the result
// closes rc. On error rc is closed.
func Decompress(rc io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return rc, nil

	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(rc)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		return &decoder{Reader: gz, close: func() error {
			_ = gz.Close()
			return rc.Close()
		}}, nil

	case "zstd":
		zr, err := zstd.NewReader(rc,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxWindow(zstdMaxWindow),
		)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("open zstd reader: %w", err)
		}
		return &decoder{Reader: zr, close: func() error {
			zr.Close()
			return rc.Close()
		}}, nil

	case "br":
		return &decoder{Reader: brotli.NewReader(rc), close: rc.Close}, nil

	default:
		_ = rc.Close()
		return nil, fmt.Errorf("unsupported content encoding: %q", encoding)
	}
}

// decoder pairs a decompressing reader with the close of its source.
type decoder struct {
	io.Reader
	close func() error
}

func (d *decoder) Close() error {
	return d.close()
}
