// Package source opens NEM12 byte streams by URI.
//
// Supported locations:
//
//	-                       standard input
//	/path/file.csv          local file (also file:///path/file.csv)
//	s3://bucket/key         Amazon S3 or any S3-compatible store
//	gs://bucket/object      Google Cloud Storage
//	az://container/blob     Azure Blob Storage
//	http(s)://host/path     HTTP GET
//
// Locations ending in .gz, .zst or .br are decompressed transparently.
// Every opened stream must be closed by the caller; closing a decompressing
// wrapper also closes the underlying stream.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"meterflow/internal/logging"
)

// Opener opens the object at loc. loc.Scheme is the scheme the opener was
// registered under.
type Opener func(ctx context.Context, loc *url.URL) (io.ReadCloser, error)

// ErrUnsupportedScheme is returned for URIs with no registered opener.
var ErrUnsupportedScheme = errors.New("unsupported source scheme")

// Options configures the built-in openers.
type Options struct {
	S3 S3Options

	// AzureConnectionString authenticates az:// sources. Falls back to the
	// AZURE_STORAGE_CONNECTION_STRING environment variable.
	AzureConnectionString string

	// HTTPClient is used for http:// and https:// sources.
	// Default http.DefaultClient.
	HTTPClient *http.Client

	// Logger for structured logging.
	Logger *slog.Logger
}

// Registry maps URI schemes to openers.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
	logger  *slog.Logger
}

// NewRegistry returns a registry with every built-in opener registered.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		openers: make(map[string]Opener),
		logger:  logging.Default(opts.Logger).With("component", "source"),
	}
	r.Register("file", openFile)
	r.Register("s3", newS3Opener(opts.S3))
	r.Register("gs", openGCS)
	r.Register("az", newAzureOpener(opts.AzureConnectionString))

	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	httpOpener := newHTTPOpener(hc)
	r.Register("http", httpOpener)
	r.Register("https", httpOpener)
	return r
}

// Register adds or replaces the opener for scheme.
func (r *Registry) Register(scheme string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[strings.ToLower(scheme)] = o
}

// Schemes returns the registered schemes.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.openers))
	for s := range r.openers {
		out = append(out, s)
	}
	return out
}

// Open opens uri and wraps it in a decompressor when its name ends in a
// known compression suffix.
func (r *Registry) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if uri == "-" {
		return io.NopCloser(os.Stdin), nil
	}

	loc, err := ParseLocation(uri)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	o, ok := r.openers[loc.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, loc.Scheme)
	}

	rc, err := o(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	r.logger.Debug("source opened", "uri", uri, "scheme", loc.Scheme)

	return Decompress(rc, EncodingForName(loc.Path))
}

// ParseLocation parses uri. Strings without a scheme are local file paths.
func ParseLocation(uri string) (*url.URL, error) {
	if uri == "" {
		return nil, errors.New("empty source location")
	}
	if !strings.Contains(uri, "://") {
		return &url.URL{Scheme: "file", Path: uri}, nil
	}
	loc, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse source location %q: %w", uri, err)
	}
	loc.Scheme = strings.ToLower(loc.Scheme)
	return loc, nil
}

// bucketKey splits a bucket-style location (scheme://bucket/key).
func bucketKey(loc *url.URL) (bucket, key string, err error) {
	bucket = loc.Host
	key = strings.TrimPrefix(loc.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%s location must be %s://<bucket>/<key>", loc.Scheme, loc.Scheme)
	}
	return bucket, key, nil
}

func openFile(_ context.Context, loc *url.URL) (io.ReadCloser, error) {
	p := loc.Path
	if loc.Host != "" && loc.Host != "localhost" {
		p = path.Join(loc.Host, p)
	}
	return os.Open(p) //nolint:gosec // G304: opening caller-named files is the point
}

func newHTTPOpener(hc *http.Client) Opener {
	return func(ctx context.Context, loc *url.URL) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("unexpected HTTP status %s", resp.Status)
		}
		return resp.Body, nil
	}
}
