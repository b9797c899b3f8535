// Package config loads the meterflow configuration file.
//
// The file is YAML with one section per subsystem. Every key is optional;
// missing keys keep the values from Default. Unknown keys are rejected so
// typos surface at startup instead of being silently ignored.
// ${VAR} references are expanded from the environment before parsing.
//
// Example:
//
//	processor:
//	  batch_size: 500
//	output:
//	  format: jsonl
//	  path: readings.jsonl.zst
//	kafka:
//	  brokers: [kafka-1:9092, kafka-2:9092]
//	  topic: meter-readings
//	  sasl:
//	    mechanism: scram-sha-512
//	    user: meterflow
//	    password: ${KAFKA_PASSWORD}
//	server:
//	  addr: ":4580"
//	watch:
//	  patterns: ["/var/spool/nem12/**/*.csv"]
//	  output_dir: /var/lib/meterflow/out
//	log:
//	  level: info
//	  format: json
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"meterflow/internal/logging"
	"meterflow/internal/nem12"
	"meterflow/internal/processor"
	"meterflow/internal/sink"
	"meterflow/internal/source"
	"meterflow/internal/sqlgen"
)

// Config is the root of the configuration file.
type Config struct {
	Processor ProcessorConfig `yaml:"processor"`
	Output    OutputConfig    `yaml:"output"`
	Sources   SourcesConfig   `yaml:"sources"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Server    ServerConfig    `yaml:"server"`
	Watch     WatchConfig     `yaml:"watch"`
	Log       LogConfig       `yaml:"log"`
}

// ProcessorConfig tunes stream decoding.
type ProcessorConfig struct {
	BatchSize    int `yaml:"batch_size"`
	ChunkSize    int `yaml:"chunk_size"`
	MaxLineBytes int `yaml:"max_line_bytes"`
}

// OutputConfig selects how batches are rendered and where they go.
type OutputConfig struct {
	Format         string `yaml:"format"`
	Path           string `yaml:"path"`
	Table          string `yaml:"table"`
	EscapeLiterals bool   `yaml:"escape_literals"`
	Parallel       int    `yaml:"parallel"`
	QueueDepth     int    `yaml:"queue_depth"`
}

// SourcesConfig holds credentials for remote byte sources.
type SourcesConfig struct {
	S3    S3Config    `yaml:"s3"`
	Azure AzureConfig `yaml:"azure"`
}

// S3Config configures s3:// sources. Empty fields fall back to the AWS
// default credential chain.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"` //nolint:gosec // G117: config field, not a hardcoded credential
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// AzureConfig configures az:// sources.
type AzureConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

// KafkaConfig enables the Kafka sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers  []string    `yaml:"brokers"`
	Topic    string      `yaml:"topic"`
	ClientID string      `yaml:"client_id"`
	TLS      bool        `yaml:"tls"`
	SASL     *SASLConfig `yaml:"sasl"`
}

// SASLConfig holds Kafka SASL credentials.
type SASLConfig struct {
	Mechanism string `yaml:"mechanism"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"` //nolint:gosec // G117: config field, not a hardcoded credential
}

// ServerConfig configures the HTTP upload server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	UploadRate      float64       `yaml:"upload_rate"`
	UploadBurst     int           `yaml:"upload_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WatchConfig configures the spool directory watcher.
type WatchConfig struct {
	Patterns     []string      `yaml:"patterns"`
	OutputDir    string        `yaml:"output_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	LedgerPath   string        `yaml:"ledger_path"`
}

// LogConfig configures the root logger. Components maps component names to
// level overrides, e.g. {"processor": "debug"}.
type LogConfig struct {
	Level      string            `yaml:"level"`
	Format     string            `yaml:"format"`
	Components map[string]string `yaml:"components"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Processor: ProcessorConfig{
			BatchSize:    nem12.DefaultBatchSize,
			ChunkSize:    processor.DefaultChunkSize,
			MaxLineBytes: processor.DefaultMaxLineBytes,
		},
		Output: OutputConfig{
			Format:   string(sink.FormatSQL),
			Path:     "-",
			Table:    sqlgen.DefaultTable,
			Parallel: 1,
		},
		Server: ServerConfig{
			Addr:            ":4580",
			MaxUploadBytes:  256 << 20,
			ShutdownTimeout: 5 * time.Second,
		},
		Watch: WatchConfig{
			PollInterval: 30 * time.Second,
			SettleDelay:  time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file at path on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is an operator-supplied config file
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional is like Load but returns Default when path does not exist.
func LoadOptional(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations. It does not check that
// referenced files or brokers exist.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Processor.BatchSize < 0 {
		add("processor.batch_size must not be negative")
	}
	if c.Processor.ChunkSize < 0 {
		add("processor.chunk_size must not be negative")
	}

	if _, err := sink.ParseFormat(c.Output.Format); err != nil {
		add("output.format: %w", err)
	}
	if c.Output.Parallel < 0 {
		add("output.parallel must not be negative")
	}
	if c.Output.QueueDepth < 0 {
		add("output.queue_depth must not be negative")
	}

	if len(c.Kafka.Brokers) > 0 {
		if err := c.KafkaSink().Validate(); err != nil {
			add("kafka: %w", err)
		}
	}

	if c.Server.MaxUploadBytes < 0 {
		add("server.max_upload_bytes must not be negative")
	}
	if c.Server.UploadRate < 0 {
		add("server.upload_rate must not be negative")
	}
	if c.Server.UploadBurst < 0 {
		add("server.upload_burst must not be negative")
	}
	if c.Server.ShutdownTimeout < 0 {
		add("server.shutdown_timeout must not be negative")
	}

	if c.Watch.PollInterval < 0 {
		add("watch.poll_interval must not be negative")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}
	for name, lvl := range c.Log.Components {
		if _, err := logging.ParseLevel(lvl); err != nil {
			add("log.components.%s: %w", name, err)
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// ProcessorConfig returns the processor settings. OnSkip and Logger are
// left for the caller.
func (c Config) ProcessorConfig() processor.Config {
	return processor.Config{
		BatchSize:    c.Processor.BatchSize,
		ChunkSize:    c.Processor.ChunkSize,
		MaxLineBytes: c.Processor.MaxLineBytes,
	}
}

// SQLConfig returns the statement generator settings.
func (c Config) SQLConfig() sqlgen.Config {
	return sqlgen.Config{
		Table:          c.Output.Table,
		EscapeLiterals: c.Output.EscapeLiterals,
	}
}

// SourceOptions returns the remote source settings. Logger and HTTPClient
// are left for the caller.
func (c Config) SourceOptions() source.Options {
	return source.Options{
		S3: source.S3Options{
			Region:          c.Sources.S3.Region,
			Endpoint:        c.Sources.S3.Endpoint,
			AccessKeyID:     c.Sources.S3.AccessKeyID,
			SecretAccessKey: c.Sources.S3.SecretAccessKey,
			UsePathStyle:    c.Sources.S3.UsePathStyle,
		},
		AzureConnectionString: c.Sources.Azure.ConnectionString,
	}
}

// KafkaSink returns the Kafka sink settings. Logger is left for the caller.
func (c Config) KafkaSink() sink.KafkaConfig {
	kc := sink.KafkaConfig{
		Brokers:  c.Kafka.Brokers,
		Topic:    c.Kafka.Topic,
		ClientID: c.Kafka.ClientID,
		TLS:      c.Kafka.TLS,
	}
	if c.Kafka.SASL != nil {
		kc.SASL = &sink.SASLConfig{
			Mechanism: c.Kafka.SASL.Mechanism,
			User:      c.Kafka.SASL.User,
			Password:  c.Kafka.SASL.Password,
		}
	}
	return kc
}
