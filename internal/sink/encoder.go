package sink

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"meterflow/internal/nem12"
	"meterflow/internal/sqlgen"
)

// Format names an output encoding.
type Format string

const (
	FormatSQL     Format = "sql"
	FormatJSONL   Format = "jsonl"
	FormatMsgpack Format = "msgpack"
)

// Formats lists the supported formats.
var Formats = []Format{FormatSQL, FormatJSONL, FormatMsgpack}

// ParseFormat parses a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q (supported: sql, jsonl, msgpack)", s)
}

// Ext returns the file extension for the format, without a dot.
func (f Format) Ext() string {
	return string(f)
}

// Encoder renders one envelope to bytes. A nil result with a nil error
// means there is nothing to write.
type Encoder interface {
	Encode(env Envelope) ([]byte, error)
	Format() Format
}

// NewEncoder returns the encoder for f. gen is used by the SQL encoder;
// nil selects the default generator.
func NewEncoder(f Format, gen *sqlgen.Generator) (Encoder, error) {
	switch f {
	case FormatSQL:
		if gen == nil {
			gen = sqlgen.New(sqlgen.Config{})
		}
		return sqlEncoder{gen: gen}, nil
	case FormatJSONL:
		return jsonlEncoder{}, nil
	case FormatMsgpack:
		return msgpackEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", f)
	}
}

// sqlEncoder writes one INSERT statement per batch followed by a blank
// line. Empty batches produce nothing.
type sqlEncoder struct {
	gen *sqlgen.Generator
}

func (e sqlEncoder) Encode(env Envelope) ([]byte, error) {
	stmt := e.gen.Render(env.Readings)
	if stmt == "" {
		return nil, nil
	}
	return []byte(stmt + "\n\n"), nil
}

func (sqlEncoder) Format() Format { return FormatSQL }

// jsonlEncoder writes one JSON object per line.
type jsonlEncoder struct{}

func (jsonlEncoder) Encode(env Envelope) ([]byte, error) {
	if env.Readings == nil {
		env.Readings = nem12.Batch{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode batch %d: %w", env.Seq, err)
	}
	return append(b, '\n'), nil
}

func (jsonlEncoder) Format() Format { return FormatJSONL }

// msgpackEncoder writes self-delimiting msgpack maps back to back.
type msgpackEncoder struct{}

func (msgpackEncoder) Encode(env Envelope) ([]byte, error) {
	if env.Readings == nil {
		env.Readings = nem12.Batch{}
	}
	b, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode batch %d: %w", env.Seq, err)
	}
	return b, nil
}

func (msgpackEncoder) Format() Format { return FormatMsgpack }
