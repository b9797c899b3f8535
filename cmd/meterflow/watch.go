package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meterflow/internal/config"
	"meterflow/internal/metrics"
	"meterflow/internal/sink"
	"meterflow/internal/watch"
)

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Process NEM12 files as they appear in spool directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyWatchFlags(cmd, &a.cfg); err != nil {
				return err
			}
			once, _ := cmd.Flags().GetBool("once")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

			m := metrics.New()
			w, err := a.newWatcher(m)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if metricsAddr != "" {
				go a.serveMetrics(ctx, metricsAddr, m)
			}

			if once {
				return w.RunOnce(ctx)
			}
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringArray("pattern", nil, "doublestar glob of files to process (repeatable)")
	cmd.Flags().String("output-dir", "", "directory for converted files")
	cmd.Flags().Duration("poll-interval", watch.DefaultPollInterval, "rescan interval")
	cmd.Flags().String("format", "sql", "output format: sql, jsonl or msgpack")
	cmd.Flags().Bool("once", false, "process pending files and exit")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// applyWatchFlags copies explicitly set flags over the file config.
func applyWatchFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("pattern") {
		cfg.Watch.Patterns, _ = f.GetStringArray("pattern")
	}
	if f.Changed("output-dir") {
		cfg.Watch.OutputDir, _ = f.GetString("output-dir")
	}
	if f.Changed("poll-interval") {
		cfg.Watch.PollInterval, _ = f.GetDuration("poll-interval")
	}
	if f.Changed("format") {
		cfg.Output.Format, _ = f.GetString("format")
	}
	return cfg.Validate()
}

func (a *app) newWatcher(m *metrics.Metrics) (*watch.Watcher, error) {
	format, err := sink.ParseFormat(a.cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	ledger := a.cfg.Watch.LedgerPath
	if ledger == "" {
		ledger = a.home.LedgerPath()
	}
	return watch.New(watch.Config{
		Patterns:     a.cfg.Watch.Patterns,
		OutputDir:    a.cfg.Watch.OutputDir,
		Format:       format,
		Processor:    a.cfg.ProcessorConfig(),
		SQL:          a.cfg.SQLConfig(),
		PollInterval: a.cfg.Watch.PollInterval,
		SettleDelay:  a.cfg.Watch.SettleDelay,
		LedgerPath:   ledger,
		Metrics:      m,
		Logger:       a.logger,
	})
}

// serveMetrics exposes m on addr until ctx is cancelled.
func (a *app) serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("metrics server error", "error", err)
	}
}
