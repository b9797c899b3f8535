// Command meterflow decodes NEM12 interval data into meter reading batches.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/spf13/cobra"

	"meterflow/internal/config"
	"meterflow/internal/home"
	"meterflow/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries state resolved once by the root command for its subcommands.
type app struct {
	home   home.Dir
	cfg    config.Config
	logger *slog.Logger
	stderr io.Writer
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	a := &app{stderr: stderr, logger: logging.Discard()}

	rootCmd := &cobra.Command{
		Use:          "meterflow",
		Short:        "Streaming NEM12 meter data processor",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(cmd); err != nil {
				return err
			}
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				logger := a.logger
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil { //nolint:gosec // G114: debug listener, loopback by convention
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config", "", "YAML config file (default: <home>/config.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). Exposes profiles; bind to loopback only")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(newProcessCmd(a), newServeCmd(a), newWatchCmd(a), versionCmd)
	return rootCmd
}

// init resolves the home directory, loads the config file, applies the
// persistent flag overrides and builds the base logger.
func (a *app) init(cmd *cobra.Command) error {
	homeFlag, _ := cmd.Flags().GetString("home")
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	a.home = hd

	var cfg config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOptional(hd.ConfigPath())
	}
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format, _ = cmd.Flags().GetString("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(a.stderr, cfg.Log)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

// newLogger builds the base logger. The handler accepts every level; the
// ComponentFilterHandler applies the configured default and per-component
// overrides.
func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var base slog.Handler
	switch lc.Format {
	case "json":
		base = slog.NewJSONHandler(w, opts)
	default:
		base = slog.NewTextHandler(w, opts)
	}

	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	filter := logging.NewComponentFilterHandler(base, level)
	for component, name := range lc.Components {
		l, err := logging.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("log level for %s: %w", component, err)
		}
		filter.SetLevel(component, l)
	}
	return slog.New(filter), nil
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}
