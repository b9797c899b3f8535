// Package nem12 decodes and validates individual NEM12 records.
//
// NEM12 is a line-oriented, comma-delimited interval metering format. Every
// line starts with a three-digit record code. This package is stateless: it
// turns one line into fields, classifies the fields into a record kind and
// checks the per-kind rules. Cross-record context (the active NMI and its
// interval length) is owned by the stream processor.
package nem12

// RecordKind is the three-digit code in the first field of a NEM12 line.
type RecordKind string

// Known record kinds.
const (
	Header         RecordKind = "100"
	NMIDataDetails RecordKind = "200"
	IntervalData   RecordKind = "300"
	IntervalEvent  RecordKind = "400"
	B2BDetails     RecordKind = "500"
	End            RecordKind = "900"
)

// Kinds lists every known record kind in code order.
var Kinds = []RecordKind{Header, NMIDataDetails, IntervalData, IntervalEvent, B2BDetails, End}

// Valid reports whether k is one of the known record kinds.
func (k RecordKind) Valid() bool {
	switch k {
	case Header, NMIDataDetails, IntervalData, IntervalEvent, B2BDetails, End:
		return true
	}
	return false
}

// Name returns a human-readable name for the kind.
func (k RecordKind) Name() string {
	switch k {
	case Header:
		return "header"
	case NMIDataDetails:
		return "nmi_data_details"
	case IntervalData:
		return "interval_data"
	case IntervalEvent:
		return "interval_event"
	case B2BDetails:
		return "b2b_details"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// NMILength is the fixed length of a National Meter Identifier.
const NMILength = 10

// Interval length bounds in minutes, inclusive.
const (
	MinIntervalLength = 1
	MaxIntervalLength = 60
)

// NMIHeader is the context established by a valid NMI data details (200)
// record. It applies to every following interval data record until the next
// valid 200 record.
type NMIHeader struct {
	NMI            string
	IntervalLength int // minutes
}

// MeterReading is one consumption value for one interval slot.
type MeterReading struct {
	NMI         string  `json:"nmi" msgpack:"nmi"`
	Timestamp   string  `json:"timestamp" msgpack:"timestamp"` // "YYYYMMDD HH:MM:SS"
	Consumption float64 `json:"consumption" msgpack:"consumption"`
}

// Batch is an ordered group of readings handed to a consumer as a unit.
// Once emitted, a batch belongs to the consumer.
type Batch []MeterReading

// DefaultBatchSize is the maximum number of readings per batch when none is
// configured.
const DefaultBatchSize = 100
