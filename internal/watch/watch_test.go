package watch

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meterflow/internal/sink"
)

const nem12Sample = "100,NEM12,200506081149,UNITEDDP,NEMMCO\n" +
	"200,NEM1201009,E1E2,1,E1,N1,01009,kWh,30,20050610\n" +
	"300,20050301,0,0,0.461,0.810\n" +
	"900\n"

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStaticPrefix(t *testing.T) {
	tests := map[string]string{
		"/spool/*.csv":          "/spool",
		"/spool/**/*.csv":       "/spool",
		"/spool/in/file.csv":    "/spool/in",
		"/spool/{a,b}/file.csv": "/spool",
		"/spool/day?/x.csv":     "/spool",
	}
	for pattern, want := range tests {
		if got := staticPrefix(pattern); got != want {
			t.Errorf("staticPrefix(%q) = %q, want %q", pattern, got, want)
		}
	}
}

func TestMatchesAny(t *testing.T) {
	patterns := []string{"/spool/**/*.csv", "/drop/*.csv.gz"}
	tests := map[string]bool{
		"/spool/a.csv":          true,
		"/spool/x/y/a.csv":      true,
		"/spool/a.txt":          false,
		"/drop/a.csv.gz":        true,
		"/drop/nested/a.csv.gz": false,
	}
	for path, want := range tests {
		if got := matchesAny(path, patterns); got != want {
			t.Errorf("matchesAny(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestDiscoverFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.csv"), nil)
	writeFile(t, filepath.Join(dir, "sub", "b.csv"), nil)
	writeFile(t, filepath.Join(dir, "c.txt"), nil)
	if err := os.Mkdir(filepath.Join(dir, "d.csv"), 0o755); err != nil {
		t.Fatal(err)
	}

	// Overlapping patterns must not duplicate results.
	got, err := discoverFiles([]string{
		filepath.Join(dir, "**", "*.csv"),
		filepath.Join(dir, "*.csv"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %v", got)
	}
}

func TestInputRoot(t *testing.T) {
	tests := []struct {
		patterns []string
		want     string
	}{
		{[]string{"/spool/*.csv"}, "/spool"},
		{[]string{"/spool/in/**/*.csv", "/spool/in/*.gz"}, "/spool/in"},
		{[]string{"/spool/a/*.csv", "/spool/b/**/*.csv"}, "/spool"},
		{[]string{"/spool/a/*.csv", "/drop/*.csv"}, "/"},
	}
	for _, tt := range tests {
		if got := inputRoot(tt.patterns); got != tt.want {
			t.Errorf("inputRoot(%q) = %q, want %q", tt.patterns, got, tt.want)
		}
	}
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		path, ext, want string
	}{
		{"/in/meter.csv", "sql", "/out/meter.csv.sql"},
		{"/in/meter.csv.gz", "jsonl", "/out/meter.csv.jsonl"},
		{"/in/meter.zst", "msgpack", "/out/meter.msgpack"},
		{"/in/meter", "sql", "/out/meter.sql"},
		{"/in/a/x.csv", "sql", "/out/a/x.csv.sql"},
		{"/in/b/x.csv.br", "sql", "/out/b/x.csv.sql"},
		{"/elsewhere/x.csv", "sql", "/out/x.csv.sql"},
	}
	for _, tt := range tests {
		if got := outputPath("/out", "/in", tt.path, tt.ext); got != tt.want {
			t.Errorf("outputPath(%q, %q) = %q, want %q", tt.path, tt.ext, got, tt.want)
		}
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		path, dir string
		want      bool
	}{
		{"/spool/out", "/spool/out", true},
		{"/spool/out/a.csv.sql", "/spool/out", true},
		{"/spool/out/x/a.csv.sql.partial", "/spool/out", true},
		{"/spool/output.csv", "/spool/out", false},
		{"/spool/a.csv", "/spool/out", false},
		{"/spool/..out/a.csv", "/spool", true},
	}
	for _, tt := range tests {
		if got := within(tt.path, tt.dir); got != tt.want {
			t.Errorf("within(%q, %q) = %v, want %v", tt.path, tt.dir, got, tt.want)
		}
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.json")

	l, err := loadLedger(path)
	if err != nil {
		t.Fatalf("missing ledger: %v", err)
	}
	if len(l.Files) != 0 {
		t.Fatal("expected empty ledger")
	}

	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Files["/in/a.csv"] = ledgerEntry{Size: 42, ModTime: mtime, Batches: 1, Readings: 4}
	if err := saveLedger(path, l); err != nil {
		t.Fatal(err)
	}

	got, err := loadLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	e := got.Files["/in/a.csv"]
	if e.Size != 42 || !e.ModTime.Equal(mtime) || e.Readings != 4 {
		t.Errorf("got %+v", e)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary ledger file left behind")
	}
}

func TestLedgerCorruptStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	writeFile(t, path, []byte("{not json"))
	l, err := loadLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	if l.Files == nil || len(l.Files) != 0 {
		t.Errorf("expected empty ledger, got %+v", l)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{OutputDir: "/tmp/out"}); err == nil {
		t.Error("expected error without patterns")
	}
	if _, err := New(Config{Patterns: []string{"*.csv"}}); err == nil {
		t.Error("expected error without output dir")
	}
	if _, err := New(Config{Patterns: []string{"*.csv"}, OutputDir: "/tmp/out", Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func newTestWatcher(t *testing.T, dir string, mutate func(*Config)) *Watcher {
	t.Helper()
	cfg := Config{
		Patterns:    []string{filepath.Join(dir, "in", "**", "*.csv*")},
		OutputDir:   filepath.Join(dir, "out"),
		LedgerPath:  filepath.Join(dir, "state", "ledger.json"),
		SettleDelay: -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestRunOnceProcessesEachFileOnce(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "in", "a.csv"), []byte(nem12Sample))
	writeFile(t, filepath.Join(dir, "in", "day2", "b.csv.gz"), gzipped(t, nem12Sample))

	if err := newTestWatcher(t, dir, nil).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	for _, name := range []string{"a.csv.sql", filepath.Join("day2", "b.csv.sql")} {
		data, err := os.ReadFile(filepath.Join(dir, "out", name))
		if err != nil {
			t.Fatalf("output %s: %v", name, err)
		}
		if !strings.Contains(string(data), "('NEM1201009', '20050301 01:30:00', 0.81)") {
			t.Errorf("%s: unexpected output %q", name, data)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "a.csv.sql.partial")); !os.IsNotExist(err) {
		t.Error("partial output left behind")
	}

	l, err := loadLedger(filepath.Join(dir, "state", "ledger.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Files) != 2 {
		t.Fatalf("ledger entries: %d", len(l.Files))
	}
	for path, e := range l.Files {
		if e.Readings != 4 || e.Error != "" {
			t.Errorf("%s: ledger entry %+v", path, e)
		}
	}

	// A second watcher with the same ledger must not redo the work.
	if err := os.Remove(filepath.Join(dir, "out", "a.csv.sql")); err != nil {
		t.Fatal(err)
	}
	if err := newTestWatcher(t, dir, nil).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "a.csv.sql")); !os.IsNotExist(err) {
		t.Error("unchanged file was processed again")
	}

	// A changed file is processed again.
	writeFile(t, filepath.Join(dir, "in", "a.csv"), []byte(nem12Sample+"300,20050302,1\n"))
	if err := newTestWatcher(t, dir, nil).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out", "a.csv.sql"))
	if err != nil {
		t.Fatalf("changed file not reprocessed: %v", err)
	}
	if !strings.Contains(string(data), "20050302 00:00:00") {
		t.Errorf("stale output: %q", data)
	}
}

func TestRunOnceJSONL(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "in", "a.csv"), []byte(nem12Sample))

	w := newTestWatcher(t, dir, func(c *Config) { c.Format = sink.FormatJSONL })
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out", "a.csv.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), `{"source":"`) || !strings.Contains(string(data), `"seq":1`) {
		t.Errorf("unexpected output %q", data)
	}
}

func TestRunOnceRecordsFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "in", "broken.csv.gz"), []byte("not gzip"))

	if err := newTestWatcher(t, dir, nil).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	l, _ := loadLedger(filepath.Join(dir, "state", "ledger.json"))
	var e ledgerEntry
	for _, v := range l.Files {
		e = v
	}
	if e.Error == "" {
		t.Errorf("expected failure recorded, got %+v", e)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "broken.csv.sql")); !os.IsNotExist(err) {
		t.Error("output written for failed file")
	}
}

func TestRunOnceDefersSettlingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "in", "a.csv"), []byte(nem12Sample))

	w := newTestWatcher(t, dir, func(c *Config) { c.SettleDelay = time.Hour })
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "a.csv.sql")); !os.IsNotExist(err) {
		t.Error("file processed before settling")
	}
}

func TestRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "in"), 0o755); err != nil {
		t.Fatal(err)
	}
	w := newTestWatcher(t, dir, func(c *Config) { c.PollInterval = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register its directory watch, then move a
	// complete file into place.
	time.Sleep(100 * time.Millisecond)
	staged := filepath.Join(dir, "staged.tmp")
	writeFile(t, staged, []byte(nem12Sample))
	if err := os.Rename(staged, filepath.Join(dir, "in", "new.csv")); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out", "new.csv.sql")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if data, err := os.ReadFile(out); err == nil && strings.Contains(string(data), "INSERT INTO") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("new file was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunOnceKeepsSameNamedFilesApart(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "in", "site1", "meter.csv"), []byte(nem12Sample))
	writeFile(t, filepath.Join(dir, "in", "site2", "meter.csv"), []byte(strings.Replace(nem12Sample, "0.810", "0.999", 1)))

	if err := newTestWatcher(t, dir, nil).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := map[string]string{
		"site1": "0.81)",
		"site2": "0.999)",
	}
	for sub, want := range tests {
		data, err := os.ReadFile(filepath.Join(dir, "out", sub, "meter.csv.sql"))
		if err != nil {
			t.Fatalf("output for %s: %v", sub, err)
		}
		if !strings.Contains(string(data), want) {
			t.Errorf("%s: output %q does not contain %q", sub, data, want)
		}
	}
}

func TestRunOnceIgnoresOwnOutput(t *testing.T) {
	dir := t.TempDir()
	spool := filepath.Join(dir, "spool")
	writeFile(t, filepath.Join(spool, "a.csv"), []byte(nem12Sample))
	// Left over from an interrupted run.
	writeFile(t, filepath.Join(spool, "out", "old.csv.sql.partial"), []byte("INSERT"))

	newWatcher := func() *Watcher {
		w, err := New(Config{
			Patterns:    []string{filepath.Join(spool, "**", "*")},
			OutputDir:   filepath.Join(spool, "out"),
			LedgerPath:  filepath.Join(spool, "state", "ledger.json"),
			SettleDelay: -1,
		})
		if err != nil {
			t.Fatal(err)
		}
		return w
	}
	for range 2 {
		if err := newWatcher().RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := os.Stat(filepath.Join(spool, "out", "a.csv.sql")); err != nil {
		t.Fatalf("input not processed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(spool, "out", "out")); !os.IsNotExist(err) {
		t.Error("output directory was processed as input")
	}
	if _, err := os.Stat(filepath.Join(spool, "out", "state")); !os.IsNotExist(err) {
		t.Error("ledger was processed as input")
	}

	l, err := loadLedger(filepath.Join(spool, "state", "ledger.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Files) != 1 {
		t.Errorf("expected only the input in the ledger, got %v", l.Files)
	}
}
