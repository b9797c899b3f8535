// Package watch processes NEM12 files dropped into spool directories.
//
// Files are found by doublestar glob patterns, both through fsnotify events
// and a periodic rescan, and processed one at a time. Each input produces
// one output file in the output directory at the same relative path. A
// JSON ledger keyed by path remembers what was processed so restarts do not
// repeat work; a file is processed again only when its size or
// modification time changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	"meterflow/internal/logging"
	"meterflow/internal/metrics"
	"meterflow/internal/pipeline"
	"meterflow/internal/processor"
	"meterflow/internal/sink"
	"meterflow/internal/source"
	"meterflow/internal/sqlgen"
)

// Defaults applied by New for zero config values.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultSettleDelay  = time.Second
)

// Config holds watcher configuration.
type Config struct {
	// Patterns are doublestar globs; relative patterns are resolved
	// against the working directory.
	Patterns []string

	// OutputDir receives one output file per input, laid out like the
	// input directories. Files below it are never treated as inputs.
	OutputDir string

	// Format selects the output encoding. Default sql.
	Format sink.Format

	Processor processor.Config
	SQL       sqlgen.Config

	// PollInterval is the rescan period. Default 30s.
	PollInterval time.Duration

	// SettleDelay defers files modified more recently than this, so files
	// still being written are picked up by a later rescan. Negative
	// disables the check.
	SettleDelay time.Duration

	// LedgerPath is where the processed-file ledger is persisted. Empty
	// keeps the ledger in memory only.
	LedgerPath string

	// Metrics, if set, records stream counters.
	Metrics *metrics.Metrics

	// Logger for structured logging.
	Logger *slog.Logger
}

// Watcher processes matching files as they appear.
type Watcher struct {
	cfg      Config
	patterns []string // absolute
	root     string   // inputs are mirrored below OutputDir relative to root
	outDir   string   // absolute OutputDir
	enc      sink.Encoder
	logger   *slog.Logger

	mu     sync.Mutex
	ledger ledger
	queued map[string]bool
	queue  []string
	wake   chan struct{}
}

// New validates cfg and creates a Watcher.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Patterns) == 0 {
		return nil, errors.New("watch: at least one pattern is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("watch: output directory is required")
	}
	if cfg.Format == "" {
		cfg.Format = sink.FormatSQL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}

	patterns, err := absPatterns(cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve patterns: %w", err)
	}
	outDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve output directory: %w", err)
	}
	enc, err := sink.NewEncoder(cfg.Format, sqlgen.New(cfg.SQL))
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	return &Watcher{
		cfg:      cfg,
		patterns: patterns,
		root:     inputRoot(patterns),
		outDir:   outDir,
		enc:      enc,
		logger:   logging.Default(cfg.Logger).With("component", "watch"),
		queued:   make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}, nil
}

// RunOnce processes every matching file not yet in the ledger and returns.
func (w *Watcher) RunOnce(ctx context.Context) error {
	if err := w.init(); err != nil {
		return err
	}
	w.scan()
	w.drain(ctx)
	return ctx.Err()
}

// Run processes matching files until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.init(); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()
	for _, dir := range watchDirs(w.patterns) {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create rescan scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(w.cfg.PollInterval),
		gocron.NewTask(w.scan),
		gocron.WithName("watch-rescan"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("create rescan job: %w", err)
	}
	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	w.logger.Info("watching",
		"patterns", w.patterns,
		"output_dir", w.cfg.OutputDir,
		"format", w.cfg.Format,
		"poll_interval", w.cfg.PollInterval,
	)

	var wg sync.WaitGroup
	wg.Go(func() { w.worker(ctx) })
	defer wg.Wait()

	w.scan()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watch stopping")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) init() error {
	if err := os.MkdirAll(w.cfg.OutputDir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	l, err := loadLedger(w.cfg.LedgerPath)
	if err != nil {
		w.logger.Warn("failed to load ledger, starting fresh", "error", err)
		l = ledger{Files: make(map[string]ledgerEntry)}
	}
	w.mu.Lock()
	w.ledger = l
	w.mu.Unlock()
	return nil
}

func (w *Watcher) handleFSEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New subdirectories may hold matches for ** patterns.
		if event.Has(fsnotify.Create) {
			_ = fsw.Add(event.Name)
		}
		return
	}
	if matchesAny(event.Name, w.patterns) {
		w.enqueue(event.Name)
	}
}

// scan enqueues every matching file.
func (w *Watcher) scan() {
	paths, err := discoverFiles(w.patterns)
	if err != nil {
		w.logger.Warn("rescan failed", "error", err)
		return
	}
	for _, p := range paths {
		w.enqueue(p)
	}
}

// ignored reports whether path is the watcher's own output or state, which
// a broad pattern over a shared directory would otherwise feed back in.
func (w *Watcher) ignored(path string) bool {
	if within(path, w.outDir) {
		return true
	}
	if w.cfg.LedgerPath == "" {
		return false
	}
	ledgerPath, err := filepath.Abs(w.cfg.LedgerPath)
	if err != nil {
		return false
	}
	return path == ledgerPath || path == ledgerPath+".tmp"
}

func (w *Watcher) enqueue(path string) {
	if w.ignored(path) {
		return
	}
	w.mu.Lock()
	if w.queued[path] {
		w.mu.Unlock()
		return
	}
	w.queued[path] = true
	w.queue = append(w.queue, path)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) dequeue() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return "", false
	}
	p := w.queue[0]
	w.queue = w.queue[1:]
	delete(w.queued, p)
	return p, true
}

func (w *Watcher) worker(ctx context.Context) {
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
	}
}

// drain processes queued files until the queue is empty or ctx is done.
func (w *Watcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		path, ok := w.dequeue()
		if !ok {
			return
		}
		w.process(ctx, path)
	}
}

// process converts one file unless the ledger already covers it.
func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.mu.Lock()
	prev, seen := w.ledger.Files[path]
	w.mu.Unlock()
	if seen && prev.matches(info) {
		return
	}
	if w.cfg.SettleDelay > 0 && time.Since(info.ModTime()) < w.cfg.SettleDelay {
		w.logger.Debug("file still settling", "path", path)
		return
	}

	out := outputPath(w.outDir, w.root, path, w.cfg.Format.Ext())
	res, err := w.convert(ctx, path, out)
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown; leave it for the next run.
		return
	}

	entry := ledgerEntry{
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		Batches:     res.Stats.Batches,
		Readings:    res.Stats.Readings,
		ProcessedAt: time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
		w.logger.Warn("file failed", "path", path, "error", err)
	} else {
		entry.Output = out
		w.logger.Info("file processed",
			"path", path,
			"output", out,
			"readings", res.Stats.Readings,
			"skipped_lines", res.Stats.SkippedLines,
		)
	}

	w.mu.Lock()
	w.ledger.Files[path] = entry
	snapshot := ledger{Files: make(map[string]ledgerEntry, len(w.ledger.Files))}
	for k, v := range w.ledger.Files {
		snapshot.Files[k] = v
	}
	w.mu.Unlock()

	if err := saveLedger(w.cfg.LedgerPath, snapshot); err != nil {
		w.logger.Warn("failed to save ledger", "error", err)
	}
}

// convert writes the output to a temporary file and renames it into place
// so readers of the output directory never see partial results.
func (w *Watcher) convert(ctx context.Context, path, out string) (pipeline.Result, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return pipeline.Result{}, err
	}
	src, err := source.Decompress(f, source.EncodingForName(path))
	if err != nil {
		return pipeline.Result{}, err
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		_ = src.Close()
		return pipeline.Result{}, fmt.Errorf("create output directory: %w", err)
	}
	tmp := out + ".partial"
	snk, err := sink.Create(tmp, w.enc)
	if err != nil {
		_ = src.Close()
		return pipeline.Result{}, err
	}

	res, err := pipeline.Run(ctx, src, snk, pipeline.Config{
		Name:      path,
		Processor: w.cfg.Processor,
		Metrics:   w.cfg.Metrics,
		Logger:    w.cfg.Logger,
	})
	if cerr := snk.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return res, err
	}
	return res, os.Rename(tmp, out)
}
