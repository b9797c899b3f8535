// Package processor turns a NEM12 byte stream into batches of meter readings.
//
// A Processor owns all cross-record state for exactly one stream: the active
// NMI and interval length, whether a header was seen, the line counter, the
// pending batch and the bytes of a line not yet terminated. Nothing is shared
// between processors, so independent streams can run concurrently without
// locking.
//
// Malformed lines never end a stream. Every tokenizer or validator failure is
// turned into a skip; only errors from the byte source are fatal.
//
// Logging is limited to stream boundaries; per-line diagnostics go through
// Config.OnSkip.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"meterflow/internal/logging"
	"meterflow/internal/nem12"
)

// Defaults applied by New for zero config values.
const (
	DefaultChunkSize    = 64 << 10
	DefaultMaxLineBytes = 1 << 20
)

// initialIntervalLength is the interval length in effect before any NMI data
// details record. It is never used for output since interval data is ignored
// until an NMI is active.
const initialIntervalLength = 30

// byteOrderMark is dropped from the start of the first line.
const byteOrderMark = "\ufeff"

// Config controls a Processor.
type Config struct {
	// BatchSize is the maximum number of readings per batch. Default 100.
	BatchSize int

	// ChunkSize is the size of each read from the source. Default 64 KiB.
	ChunkSize int

	// MaxLineBytes bounds the bytes buffered for one unterminated line.
	// Longer lines are discarded and reported as parse errors.
	// 0 selects DefaultMaxLineBytes; negative disables the limit.
	MaxLineBytes int

	// OnSkip, if set, is called synchronously for every skipped line and
	// every dropped consumption value.
	OnSkip func(Skip)

	// Logger for structured logging.
	Logger *slog.Logger
}

// state is the rolling context carried across lines of one stream.
type state struct {
	nmi            string
	intervalLength int
	seenHeader     bool
	line           int
	pending        nem12.Batch
}

// Processor decodes one NEM12 stream. It is not safe for concurrent use.
type Processor struct {
	src    io.ReadCloser
	cfg    Config
	logger *slog.Logger

	st    state
	stats Stats

	chunk      []byte
	carry      []byte // unprocessed bytes; carry[pos:] is pending
	pos        int
	discarding bool // dropping the rest of an over-long line

	ready    []nem12.Batch // completed batches not yet returned
	finished bool          // source drained and final batches queued
	err      error         // sticky fatal error

	started   time.Time
	closeOnce sync.Once
	closeErr  error
}

// New creates a processor reading from src. The processor closes src when
// the stream is exhausted, on a fatal error, when the context passed to Next
// is cancelled, or when Close is called.
func New(src io.ReadCloser, cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = nem12.DefaultBatchSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxLineBytes == 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	return &Processor{
		src:    src,
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "processor"),
		st: state{
			intervalLength: initialIntervalLength,
			pending:        make(nem12.Batch, 0, cfg.BatchSize),
		},
		stats: Stats{Skips: make(map[SkipReason]int)},
	}
}

// Next returns the next batch. It returns io.EOF once every batch has been
// returned. The sequence cannot be restarted.
func (p *Processor) Next(ctx context.Context) (nem12.Batch, error) {
	if p.started.IsZero() {
		p.started = time.Now()
		p.logger.Debug("stream started")
	}

	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()

	for len(p.ready) == 0 {
		if p.err != nil {
			return nil, p.err
		}
		if p.finished {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			p.fail(err)
			return nil, err
		}
		if !p.processBufferedLine() {
			p.fill(ctx)
		}
	}

	b := p.ready[0]
	p.ready[0] = nil
	p.ready = p.ready[1:]
	return b, nil
}

// Batches returns an iterator over the remaining batches. A fatal error is
// yielded once as the last element. Stopping the iteration early closes the
// source.
func (p *Processor) Batches(ctx context.Context) iter.Seq2[nem12.Batch, error] {
	return func(yield func(nem12.Batch, error) bool) {
		defer func() { _ = p.Close() }()
		for {
			b, err := p.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

// Run sends every batch to out and returns when the stream is exhausted, a
// fatal error occurs or ctx is cancelled. A full out channel blocks further
// processing. Run does not close out.
func (p *Processor) Run(ctx context.Context, out chan<- nem12.Batch) error {
	for b, err := range p.Batches(ctx) {
		if err != nil {
			return err
		}
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close releases the source. It is safe to call more than once.
func (p *Processor) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.src.Close()
	})
	return p.closeErr
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	return p.stats.clone()
}

// processBufferedLine handles the next complete line already in the buffer.
// It reports false when no complete line is buffered.
func (p *Processor) processBufferedLine() bool {
	rest := p.carry[p.pos:]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		return false
	}
	line := rest[:i]
	p.pos += i + 1

	if p.discarding || p.tooLong(len(line)) {
		p.discarding = false
		p.st.line++
		p.stats.Lines++
		p.skipLineTooLong()
		return true
	}

	p.processLine(string(line))
	return true
}

// fill reads the next chunk from the source. On EOF it processes the final
// unterminated line and queues the closing batches.
func (p *Processor) fill(ctx context.Context) {
	p.compact()

	if p.chunk == nil {
		p.chunk = make([]byte, p.cfg.ChunkSize)
	}
	n, err := p.src.Read(p.chunk)
	if n > 0 {
		p.carry = append(p.carry, p.chunk[:n]...)
		p.guardLineLength()
	}

	switch {
	case err == nil:
		return
	case errors.Is(err, io.EOF):
		p.finish()
	case ctx.Err() != nil:
		p.fail(ctx.Err())
	default:
		p.fail(fmt.Errorf("read source: %w", err))
	}
}

// compact drops consumed bytes from the front of the carry buffer.
func (p *Processor) compact() {
	if p.pos == 0 {
		return
	}
	n := copy(p.carry, p.carry[p.pos:])
	p.carry = p.carry[:n]
	p.pos = 0
}

// tooLong reports whether a line of n bytes, excluding its line feed,
// exceeds the line limit.
func (p *Processor) tooLong(n int) bool {
	return p.cfg.MaxLineBytes >= 0 && n > p.cfg.MaxLineBytes
}

// guardLineLength starts discarding when the buffer holds no line feed and
// exceeds the line limit. While discarding, bytes up to the next line feed
// are dropped as they arrive. Complete lines over the limit are rejected in
// processBufferedLine, so the outcome does not depend on chunk alignment.
func (p *Processor) guardLineLength() {
	rest := p.carry[p.pos:]
	if bytes.IndexByte(rest, '\n') >= 0 {
		return
	}
	if p.discarding || p.tooLong(len(rest)) {
		p.carry = p.carry[:0]
		p.pos = 0
		p.discarding = true
	}
}

// finish handles end of input.
func (p *Processor) finish() {
	rest := p.carry[p.pos:]
	p.carry, p.pos = nil, 0

	switch {
	case p.discarding || p.tooLong(len(rest)):
		p.discarding = false
		p.st.line++
		p.stats.Lines++
		p.skipLineTooLong()
	case len(bytes.TrimSpace(rest)) > 0:
		p.processLine(string(rest))
	}

	if len(p.st.pending) > 0 {
		p.emit()
	}
	if !p.st.seenHeader {
		// No header anywhere: an empty batch marks the stream as headerless.
		p.ready = append(p.ready, nem12.Batch{})
		p.stats.Batches++
	}
	p.finished = true
	_ = p.Close()

	p.logger.Debug("stream finished",
		"lines", p.stats.Lines,
		"readings", p.stats.Readings,
		"batches", p.stats.Batches,
		"skipped_lines", p.stats.SkippedLines,
		"dropped_values", p.stats.DroppedValues,
		"header", p.st.seenHeader,
		"duration", time.Since(p.started),
	)
}

func (p *Processor) fail(err error) {
	p.err = err
	_ = p.Close()
}

// processLine runs one complete line through tokenize, classify and
// dispatch.
func (p *Processor) processLine(line string) {
	p.st.line++
	p.stats.Lines++

	if p.st.line == 1 {
		line = strings.TrimPrefix(line, byteOrderMark)
	}
	if strings.TrimSpace(line) == "" {
		return
	}
	fields := nem12.Tokenize(line)
	if len(fields) == 0 {
		return
	}

	kind, err := nem12.Classify(fields, p.st.line)
	if err != nil {
		p.skipLine(ReasonUnknownRecord, err)
		return
	}
	p.stats.Records++

	switch kind {
	case nem12.Header:
		if p.st.seenHeader {
			p.skipLine(ReasonDuplicateHeader, nil)
			return
		}
		p.st.seenHeader = true

	case nem12.NMIDataDetails:
		hdr, err := nem12.ValidateNMIHeader(fields, p.st.line)
		if err != nil {
			p.skipLine(ReasonInvalidNMIDetails, err)
			return
		}
		p.st.nmi = hdr.NMI
		p.st.intervalLength = hdr.IntervalLength

	case nem12.IntervalData:
		if p.st.nmi == "" {
			p.skipLine(ReasonNoActiveNMI, nil)
			return
		}
		if err := nem12.ValidateIntervalData(fields, p.st.line); err != nil {
			p.skipLine(ReasonInvalidIntervalData, err)
			return
		}
		p.collectReadings(fields)

	case nem12.IntervalEvent, nem12.B2BDetails:
		// Recognized; no readings.

	case nem12.End:
		if err := nem12.ValidateEndRecord(fields, p.st.nmi, p.st.line); err != nil {
			p.skipLine(ReasonEndMismatch, err)
		}
	}
}

// collectReadings appends one reading per usable value of a validated
// interval data record, emitting batches as they fill.
func (p *Processor) collectReadings(fields []string) {
	date := fields[1]
	for pos := nem12.FirstValueField; pos < len(fields); pos++ {
		v, ok := nem12.ParseConsumption(fields[pos])
		if !ok {
			p.dropValue(pos, fields[pos], ReasonInvalidValue)
			continue
		}
		if v < 0 {
			p.dropValue(pos, fields[pos], ReasonNegativeValue)
			continue
		}
		if v == 0 {
			v = 0 // normalize -0
		}

		p.st.pending = append(p.st.pending, nem12.MeterReading{
			NMI:         p.st.nmi,
			Timestamp:   nem12.Timestamp(date, pos-nem12.FirstValueField, p.st.intervalLength),
			Consumption: v,
		})
		p.stats.Readings++

		if len(p.st.pending) >= p.cfg.BatchSize {
			p.emit()
		}
	}
}

// emit hands the pending batch over and starts a new one.
func (p *Processor) emit() {
	p.ready = append(p.ready, p.st.pending)
	p.st.pending = make(nem12.Batch, 0, p.cfg.BatchSize)
	p.stats.Batches++
}

func (p *Processor) skipLine(reason SkipReason, err error) {
	p.stats.SkippedLines++
	p.stats.Skips[reason]++
	if p.cfg.OnSkip != nil {
		p.cfg.OnSkip(Skip{Line: p.st.line, Reason: reason, Err: err})
	}
}

func (p *Processor) skipLineTooLong() {
	p.skipLine(ReasonLineTooLong, &nem12.ParseError{
		Line: p.st.line,
		Msg:  fmt.Sprintf("line exceeds %d bytes", p.cfg.MaxLineBytes),
	})
}

func (p *Processor) dropValue(field int, value string, reason SkipReason) {
	p.stats.DroppedValues++
	p.stats.Skips[reason]++
	if p.cfg.OnSkip != nil {
		p.cfg.OnSkip(Skip{Line: p.st.line, Field: field, Value: value, Reason: reason})
	}
}
