package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"meterflow/internal/logging"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// KafkaConfig holds Kafka sink configuration.
type KafkaConfig struct {
	Brokers []string
	Topic    string
	ClientID string // optional; defaults to the franz-go client id
	TLS      bool
	SASL     *SASLConfig
	Logger   *slog.Logger
}

// Validate checks required fields and the SASL mechanism.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka sink: brokers are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka sink: topic is required")
	}
	if c.SASL != nil {
		switch c.SASL.Mechanism {
		case "plain", "scram-sha-256", "scram-sha-512":
		default:
			return fmt.Errorf("kafka sink: unsupported sasl mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", c.SASL.Mechanism)
		}
	}
	return nil
}

// ParseBrokers splits a comma-separated broker list, trimming blanks.
func ParseBrokers(s string) []string {
	var out []string
	for b := range strings.SplitSeq(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// producer is the subset of *kgo.Client used by KafkaSink.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink produces one record per non-empty batch. The record key is the
// NMI of the first reading so batches of one meter land on one partition.
type KafkaSink struct {
	cfg    KafkaConfig
	enc    Encoder
	client producer
	logger *slog.Logger
}

// NewKafkaSink connects a producer for cfg.Topic.
func NewKafkaSink(cfg KafkaConfig, enc Encoder) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	s := newKafkaSink(cfg, enc, client)
	s.logger.Info("kafka producer started", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return s, nil
}

func newKafkaSink(cfg KafkaConfig, enc Encoder, client producer) *KafkaSink {
	return &KafkaSink{
		cfg:    cfg,
		enc:    enc,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "sink", "type", "kafka"),
	}
}

// Write produces env synchronously. Empty batches are not produced.
func (s *KafkaSink) Write(ctx context.Context, env Envelope) error {
	if len(env.Readings) == 0 {
		return nil
	}
	value, err := s.enc.Encode(env)
	if err != nil {
		return err
	}

	rec := &kgo.Record{
		Topic: s.cfg.Topic,
		Key:   []byte(env.Readings[0].NMI),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "batch_seq", Value: []byte(strconv.Itoa(env.Seq))},
			{Key: "format", Value: []byte(s.enc.Format())},
		},
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce batch %d: %w", env.Seq, err)
	}
	return nil
}

// Close closes the producer. Records are produced synchronously, so nothing
// is left buffered.
func (s *KafkaSink) Close() error {
	s.client.Close()
	s.logger.Info("kafka producer stopped")
	return nil
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
