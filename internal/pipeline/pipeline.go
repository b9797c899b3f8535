// Package pipeline connects a processor to a sink.
//
// Run drives one stream: the processor produces batches on one goroutine,
// the sink consumes them on another, and a bounded channel between the two
// is the only buffer. A slow sink therefore stalls reading of the source
// instead of growing memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"meterflow/internal/logging"
	"meterflow/internal/metrics"
	"meterflow/internal/nem12"
	"meterflow/internal/processor"
	"meterflow/internal/sink"
)

// DefaultQueueDepth is the number of finished batches that may wait for the
// sink.
const DefaultQueueDepth = 1

// Config controls a pipeline run.
type Config struct {
	// Name identifies the stream in logs and envelopes.
	Name string

	Processor processor.Config

	// QueueDepth is the capacity of the channel between processor and sink.
	QueueDepth int

	// Metrics, if set, records stream counters.
	Metrics *metrics.Metrics

	// Logger for structured logging.
	Logger *slog.Logger
}

// Result summarizes one finished stream.
type Result struct {
	Name     string
	Stats    processor.Stats
	Duration time.Duration
}

// Run processes src into snk and returns when the stream is exhausted or
// the first error occurs. src is always closed. snk is not closed, so one
// sink can serve several runs.
func Run(ctx context.Context, src io.ReadCloser, snk sink.Sink, cfg Config) (Result, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	base := logging.Default(cfg.Logger)
	if cfg.Name != "" {
		base = base.With("stream", cfg.Name)
	}
	logger := base.With("component", "pipeline")
	if cfg.Processor.Logger == nil {
		cfg.Processor.Logger = base
	}

	start := time.Now()
	cfg.Metrics.StreamStarted()

	p := processor.New(src, cfg.Processor)
	defer func() { _ = p.Close() }()

	batches := make(chan nem12.Batch, cfg.QueueDepth)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		return p.Run(gctx, batches)
	})

	g.Go(func() error {
		seq := 0
		for b := range batches {
			seq++
			env := sink.Envelope{Source: cfg.Name, Seq: seq, Readings: b}
			if err := snk.Write(gctx, env); err != nil {
				return fmt.Errorf("sink: %w", err)
			}
		}
		return nil
	})

	err := g.Wait()
	res := Result{Name: cfg.Name, Stats: p.Stats(), Duration: time.Since(start)}

	status := metrics.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		status = metrics.StatusCancelled
	default:
		status = metrics.StatusError
	}
	cfg.Metrics.StreamFinished(res.Stats, status, res.Duration)

	if err != nil {
		logger.Warn("stream failed", "error", err, "readings", res.Stats.Readings)
		return res, err
	}
	logger.Info("stream processed",
		"readings", res.Stats.Readings,
		"batches", res.Stats.Batches,
		"skipped_lines", res.Stats.SkippedLines,
		"duration", res.Duration,
	)
	return res, nil
}

// Job is one stream to process in RunAll.
type Job struct {
	Name string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// RunAll runs jobs into a shared sink with at most parallel streams in
// flight. Each stream gets its own processor. The first failure cancels the
// remaining jobs; results are returned in job order for the jobs that
// finished.
func RunAll(ctx context.Context, jobs []Job, snk sink.Sink, parallel int, cfg Config) ([]Result, error) {
	if parallel <= 0 {
		parallel = 1
	}
	results := make([]Result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, job := range jobs {
		g.Go(func() error {
			src, err := job.Open(gctx)
			if err != nil {
				return fmt.Errorf("%s: %w", job.Name, err)
			}
			jc := cfg
			jc.Name = job.Name
			res, err := Run(gctx, src, snk, jc)
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s: %w", job.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
