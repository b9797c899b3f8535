package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meterflow/internal/config"
	"meterflow/internal/pipeline"
	"meterflow/internal/processor"
	"meterflow/internal/sink"
	"meterflow/internal/source"
	"meterflow/internal/sqlgen"
)

func newProcessCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process [uri...]",
		Short: "Decode NEM12 files into batches",
		Long: `Decode one or more NEM12 streams and write the batches to a file, stdout or Kafka.

A URI is a local path, "-" for stdin, or one of file://, s3://, gs://, az://,
http:// and https://. Names ending in .gz, .zst or .br are decompressed.
With no arguments, stdin is read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyProcessFlags(cmd, &a.cfg); err != nil {
				return err
			}
			statsFormat, _ := cmd.Flags().GetString("stats")
			logSkips, _ := cmd.Flags().GetBool("log-skips")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return a.process(ctx, args, cmd.OutOrStdout(), statsFormat, logSkips)
		},
	}

	cmd.Flags().Int("batch-size", 0, "maximum readings per batch (default 100)")
	cmd.Flags().String("format", "sql", "output format: sql, jsonl or msgpack")
	cmd.Flags().StringP("output", "o", "-", "output path; - for stdout; .zst, .br and .gz are compressed")
	cmd.Flags().Int("parallel", 1, "streams processed concurrently")
	cmd.Flags().String("kafka-brokers", "", "comma-separated Kafka brokers; produces to Kafka instead of --output")
	cmd.Flags().String("kafka-topic", "", "Kafka topic")
	cmd.Flags().Bool("escape-literals", false, "double single quotes in SQL string literals")
	cmd.Flags().String("stats", "", "print per-stream statistics to stderr: table or json")
	cmd.Flags().Lookup("stats").NoOptDefVal = "table"
	cmd.Flags().Bool("log-skips", false, "log every skipped line and dropped value at warn level")

	return cmd
}

// applyProcessFlags copies explicitly set flags over the file config.
func applyProcessFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("batch-size") {
		cfg.Processor.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("format") {
		cfg.Output.Format, _ = f.GetString("format")
	}
	if f.Changed("output") {
		cfg.Output.Path, _ = f.GetString("output")
	}
	if f.Changed("parallel") {
		cfg.Output.Parallel, _ = f.GetInt("parallel")
	}
	if f.Changed("kafka-brokers") {
		s, _ := f.GetString("kafka-brokers")
		cfg.Kafka.Brokers = sink.ParseBrokers(s)
	}
	if f.Changed("kafka-topic") {
		cfg.Kafka.Topic, _ = f.GetString("kafka-topic")
	}
	if f.Changed("escape-literals") {
		cfg.Output.EscapeLiterals, _ = f.GetBool("escape-literals")
	}
	if s, _ := f.GetString("stats"); s != "" && s != "table" && s != "json" {
		return fmt.Errorf("--stats must be table or json, got %q", s)
	}
	return cfg.Validate()
}

func (a *app) process(ctx context.Context, uris []string, stdout io.Writer, statsFormat string, logSkips bool) error {
	cfg := a.cfg
	if len(uris) == 0 {
		uris = []string{"-"}
	}

	format, err := sink.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	enc, err := sink.NewEncoder(format, sqlgen.New(cfg.SQLConfig()))
	if err != nil {
		return err
	}
	snk, err := a.openSink(cfg, enc, stdout)
	if err != nil {
		return err
	}

	opts := cfg.SourceOptions()
	opts.Logger = a.logger
	sources := source.NewRegistry(opts)

	jobs := make([]pipeline.Job, 0, len(uris))
	for _, uri := range uris {
		jobs = append(jobs, pipeline.Job{
			Name: uri,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return sources.Open(ctx, uri)
			},
		})
	}

	pc := cfg.ProcessorConfig()
	if logSkips {
		skipLogger := a.logger.With("component", "processor")
		pc.OnSkip = func(s processor.Skip) {
			skipLogger.Warn("skipped", "line", s.Line, "field", s.Field, "value", s.Value, "reason", s.Reason, "error", s.Err)
		}
	}

	results, runErr := pipeline.RunAll(ctx, jobs, snk, cfg.Output.Parallel, pipeline.Config{
		Processor:  pc,
		QueueDepth: cfg.Output.QueueDepth,
		Logger:     a.logger,
	})
	closeErr := snk.Close()

	if statsFormat != "" {
		if err := newPrinter(statsFormat, a.stderr).results(results); err != nil {
			a.logger.Warn("print stats", "error", err)
		}
	}
	return errors.Join(runErr, closeErr)
}

// openSink selects Kafka when brokers are configured, else the output path.
func (a *app) openSink(cfg config.Config, enc sink.Encoder, stdout io.Writer) (sink.Sink, error) {
	if len(cfg.Kafka.Brokers) > 0 {
		kc := cfg.KafkaSink()
		kc.Logger = a.logger
		if kc.ClientID == "" {
			if id, err := a.home.InstanceID(); err == nil {
				kc.ClientID = "meterflow-" + id
			} else {
				a.logger.Debug("no instance id for kafka client id", "error", err)
			}
		}
		return sink.NewKafkaSink(kc, enc)
	}
	if cfg.Output.Path == "" || cfg.Output.Path == "-" {
		return sink.NewWriterSink(stdout, enc), nil
	}
	return sink.Create(cfg.Output.Path, enc)
}
