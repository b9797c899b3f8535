package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meterflow/internal/metrics"
	"meterflow/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the NEM12 upload API",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			if f.Changed("addr") {
				a.cfg.Server.Addr, _ = f.GetString("addr")
			}
			if f.Changed("max-upload-bytes") {
				a.cfg.Server.MaxUploadBytes, _ = f.GetInt64("max-upload-bytes")
			}
			if f.Changed("upload-rate") {
				a.cfg.Server.UploadRate, _ = f.GetFloat64("upload-rate")
			}
			if f.Changed("upload-burst") {
				a.cfg.Server.UploadBurst, _ = f.GetInt("upload-burst")
			}
			if f.Changed("batch-size") {
				a.cfg.Processor.BatchSize, _ = f.GetInt("batch-size")
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sc := a.cfg.Server
			srv := server.New(server.Config{
				Addr:            sc.Addr,
				Processor:       a.cfg.ProcessorConfig(),
				SQL:             a.cfg.SQLConfig(),
				MaxUploadBytes:  sc.MaxUploadBytes,
				UploadRate:      sc.UploadRate,
				UploadBurst:     sc.UploadBurst,
				ShutdownTimeout: sc.ShutdownTimeout,
				Metrics:         metrics.New(),
				Logger:          a.logger,
			})
			return srv.Run(ctx)
		},
	}

	cmd.Flags().String("addr", server.DefaultAddr, "listen address (host:port)")
	cmd.Flags().Int64("max-upload-bytes", server.DefaultMaxUploadBytes, "maximum upload size in bytes")
	cmd.Flags().Float64("upload-rate", 0, "uploads per second per client IP (0 disables limiting)")
	cmd.Flags().Int("upload-burst", 0, "uploads a client IP may start at once")
	cmd.Flags().Int("batch-size", 0, "maximum readings per batch (default 100)")

	return cmd
}
