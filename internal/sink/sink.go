// Package sink encodes batches of meter readings and delivers them to an
// output: a writer, a file, a Kafka topic or a callback.
package sink

import (
	"context"

	"meterflow/internal/nem12"
)

// Envelope is one batch together with its 1-based position in the stream.
// Source names the stream when a sink is shared by several.
type Envelope struct {
	Source   string      `json:"source,omitempty" msgpack:"source,omitempty"`
	Seq      int         `json:"seq" msgpack:"seq"`
	Readings nem12.Batch `json:"readings" msgpack:"readings"`
}

// Sink receives the batches of one or more streams in order.
type Sink interface {
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// FuncSink adapts a function to the Sink interface. Close is a no-op.
type FuncSink func(ctx context.Context, env Envelope) error

func (f FuncSink) Write(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

func (f FuncSink) Close() error { return nil }
