// Package sqlgen renders batches of meter readings as SQL INSERT text.
//
// The output is text only; nothing here talks to a database. String values
// are embedded verbatim by default, so an NMI containing a single quote
// produces broken (or injectable) SQL. Config.EscapeLiterals opts in to
// quote doubling.
package sqlgen

import (
	"math"
	"strconv"
	"strings"

	"meterflow/internal/nem12"
)

// DefaultTable is the table targeted by Render.
const DefaultTable = "meter_readings"

const tupleSeparator = ",\n    "

// Config controls a Generator.
type Config struct {
	// Table is the target table. Default DefaultTable.
	Table string

	// EscapeLiterals doubles single quotes inside string literals.
	// Off by default to keep the output byte-compatible with Render.
	EscapeLiterals bool
}

// Generator renders batches with a fixed configuration.
type Generator struct {
	table  string
	escape bool
}

// New creates a Generator.
func New(cfg Config) *Generator {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	return &Generator{table: table, escape: cfg.EscapeLiterals}
}

var defaultGenerator = New(Config{})

// Render returns one INSERT statement for b, or "" for an empty batch.
//
//	INSERT INTO meter_readings (nmi, timestamp, consumption) VALUES
//	    ('NEM1201009', '20240101 00:00:00', 1.5),
//	    ('NEM1201009', '20240101 00:30:00', 2);
func Render(b nem12.Batch) string {
	return defaultGenerator.Render(b)
}

// Render returns one INSERT statement for b, or "" for an empty batch.
func (g *Generator) Render(b nem12.Batch) string {
	if len(b) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(64 + len(b)*48)
	sb.WriteString("INSERT INTO ")
	sb.WriteString(g.table)
	sb.WriteString(" (nmi, timestamp, consumption) VALUES\n    ")
	for i, r := range b {
		if i > 0 {
			sb.WriteString(tupleSeparator)
		}
		sb.WriteString("('")
		sb.WriteString(g.literal(r.NMI))
		sb.WriteString("', '")
		sb.WriteString(g.literal(r.Timestamp))
		sb.WriteString("', ")
		sb.WriteString(FormatNumber(r.Consumption))
		sb.WriteByte(')')
	}
	sb.WriteByte(';')
	return sb.String()
}

func (g *Generator) literal(s string) string {
	if !g.escape {
		return s
	}
	return strings.ReplaceAll(s, "'", "''")
}

// FormatNumber renders v in its shortest round-trip form: plain decimal
// notation, switching to exponent notation ("1e+21", "1.5e-7") for
// magnitudes of at least 1e21 or below 1e-6.
func FormatNumber(v float64) string {
	if v == 0 {
		return "0"
	}
	abs := math.Abs(v)
	if abs < 1e21 && abs >= 1e-6 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}

	s := strconv.FormatFloat(v, 'e', -1, 64) // e.g. "1.5e-07"
	mant, exp, _ := strings.Cut(s, "e")
	digits := strings.TrimLeft(exp[1:], "0")
	return mant + "e" + exp[:1] + digits
}
