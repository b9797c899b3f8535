package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

const sample = "100,NEM12,200506081149,UNITEDDP,NEMMCO\n" +
	"200,NEM1201009,E1E2,1,E1,N1,01009,kWh,30,20050610\n" +
	"300,20050301,0,0,0.461\n" +
	"900\n"

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// trackingCloser records whether Close was called.
type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}

func TestDecompress(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		body     func(*testing.T) []byte
	}{
		{"identity", "", func(*testing.T) []byte { return []byte(sample) }},
		{"explicit identity", "identity", func(*testing.T) []byte { return []byte(sample) }},
		{"gzip", "gzip", func(t *testing.T) []byte { return gzipBytes(t, []byte(sample)) }},
		{"x-gzip", "x-gzip", func(t *testing.T) []byte { return gzipBytes(t, []byte(sample)) }},
		{"zstd", "zstd", func(t *testing.T) []byte { return zstdBytes(t, []byte(sample)) }},
		{"brotli", "br", func(t *testing.T) []byte { return brotliBytes(t, []byte(sample)) }},
		{"case insensitive", "GZIP", func(t *testing.T) []byte { return gzipBytes(t, []byte(sample)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &trackingCloser{Reader: bytes.NewReader(tt.body(t))}
			rc, err := Decompress(src, tt.encoding)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != sample {
				t.Errorf("got %q, want %q", got, sample)
			}
			if err := rc.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if !src.closed {
				t.Error("underlying source not closed")
			}
		})
	}
}

func TestDecompressUnsupportedClosesSource(t *testing.T) {
	src := &trackingCloser{Reader: strings.NewReader(sample)}
	_, err := Decompress(src, "lz4")
	if err == nil {
		t.Fatal("expected error for unsupported encoding")
	}
	if !src.closed {
		t.Error("source not closed on error")
	}
}

func TestDecompressCorruptGzip(t *testing.T) {
	src := &trackingCloser{Reader: strings.NewReader("not gzip at all")}
	if _, err := Decompress(src, "gzip"); err == nil {
		t.Fatal("expected error for corrupt gzip header")
	}
	if !src.closed {
		t.Error("source not closed on error")
	}
}

func TestEncodingForName(t *testing.T) {
	tests := map[string]string{
		"reads.csv":         "",
		"reads.csv.gz":      "gzip",
		"reads.csv.zst":     "zstd",
		"reads.csv.br":      "br",
		"/a/b/reads.gz.csv": "",
	}
	for name, want := range tests {
		if got := EncodingForName(name); got != want {
			t.Errorf("EncodingForName(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		uri    string
		scheme string
		host   string
		path   string
	}{
		{"/data/reads.csv", "file", "", "/data/reads.csv"},
		{"reads.csv", "file", "", "reads.csv"},
		{"file:///data/reads.csv", "file", "", "/data/reads.csv"},
		{"s3://meters/2024/reads.csv", "s3", "meters", "/2024/reads.csv"},
		{"GS://meters/reads.csv", "gs", "meters", "/reads.csv"},
		{"az://container/dir/blob.csv.gz", "az", "container", "/dir/blob.csv.gz"},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			loc, err := ParseLocation(tt.uri)
			if err != nil {
				t.Fatalf("ParseLocation: %v", err)
			}
			if loc.Scheme != tt.scheme || loc.Host != tt.host || loc.Path != tt.path {
				t.Errorf("got scheme=%q host=%q path=%q, want %q %q %q",
					loc.Scheme, loc.Host, loc.Path, tt.scheme, tt.host, tt.path)
			}
		})
	}

	if _, err := ParseLocation(""); err == nil {
		t.Error("expected error for empty location")
	}
}

func TestBucketKey(t *testing.T) {
	loc, _ := url.Parse("s3://bucket/path/to/key.csv")
	b, k, err := bucketKey(loc)
	if err != nil {
		t.Fatalf("bucketKey: %v", err)
	}
	if b != "bucket" || k != "path/to/key.csv" {
		t.Errorf("got %q %q", b, k)
	}

	for _, raw := range []string{"s3://bucket", "s3://bucket/", "s3:///key"} {
		loc, _ := url.Parse(raw)
		if _, _, err := bucketKey(loc); err == nil {
			t.Errorf("bucketKey(%q): expected error", raw)
		}
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "reads.csv")
	gz := filepath.Join(dir, "reads.csv.gz")
	if err := os.WriteFile(plain, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(gz, gzipBytes(t, []byte(sample)), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(Options{})
	for _, uri := range []string{plain, gz, "file://" + plain} {
		t.Run(filepath.Base(uri), func(t *testing.T) {
			rc, err := r.Open(context.Background(), uri)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer rc.Close()
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != sample {
				t.Errorf("got %q", got)
			}
		})
	}

	if _, err := r.Open(context.Background(), filepath.Join(dir, "missing.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestOpenHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/reads.csv":
			_, _ = io.WriteString(w, sample)
		case "/reads.csv.zst":
			_, _ = w.Write(zstdBytes(t, []byte(sample)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewRegistry(Options{HTTPClient: srv.Client()})

	for _, p := range []string{"/reads.csv", "/reads.csv.zst"} {
		rc, err := r.Open(context.Background(), srv.URL+p)
		if err != nil {
			t.Fatalf("Open %s: %v", p, err)
		}
		got, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != sample {
			t.Errorf("%s: got %q", p, got)
		}
	}

	if _, err := r.Open(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestOpenUnsupportedScheme(t *testing.T) {
	r := NewRegistry(Options{})
	_, err := r.Open(context.Background(), "ftp://host/reads.csv")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestRegisterCustomScheme(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register("mem", func(_ context.Context, loc *url.URL) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(loc.Host)), nil
	})

	rc, err := r.Open(context.Background(), "mem://hello")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "hello" {
		t.Errorf("got %q", got)
	}

	found := false
	for _, s := range r.Schemes() {
		if s == "mem" {
			found = true
		}
	}
	if !found {
		t.Error("mem scheme not listed")
	}
}

func TestAzureRequiresConnectionString(t *testing.T) {
	t.Setenv(AzureConnectionStringEnv, "")
	r := NewRegistry(Options{})
	_, err := r.Open(context.Background(), "az://container/blob.csv")
	if err == nil || !strings.Contains(err.Error(), AzureConnectionStringEnv) {
		t.Fatalf("expected connection string error, got %v", err)
	}
}
