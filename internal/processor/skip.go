package processor

// SkipReason classifies why a line or a value was left out of the output.
type SkipReason string

// Skip reasons.
const (
	ReasonLineTooLong         SkipReason = "line_too_long"
	ReasonUnknownRecord       SkipReason = "unknown_record"
	ReasonDuplicateHeader     SkipReason = "duplicate_header"
	ReasonInvalidNMIDetails   SkipReason = "invalid_nmi_details"
	ReasonNoActiveNMI         SkipReason = "no_active_nmi"
	ReasonInvalidIntervalData SkipReason = "invalid_interval_data"
	ReasonEndMismatch         SkipReason = "end_mismatch"
	ReasonInvalidValue        SkipReason = "invalid_value"
	ReasonNegativeValue       SkipReason = "negative_value"
)

// Skip describes one skipped line, or one dropped value when Field is set.
type Skip struct {
	Line   int // 1-based line number
	Field  int // field position of a dropped value; 0 for whole lines
	Value  string
	Reason SkipReason
	Err    error // *nem12.ParseError or *nem12.ValidationError; nil for value drops and duplicates
}

// Stats counts what a processor has seen so far.
type Stats struct {
	Lines         int // lines read, including blank and skipped ones
	Records       int // lines that classified as a known record kind
	Readings      int
	Batches       int // includes the empty sentinel batch
	SkippedLines  int
	DroppedValues int
	Skips         map[SkipReason]int
}

func (s *Stats) clone() Stats {
	c := *s
	c.Skips = make(map[SkipReason]int, len(s.Skips))
	for k, v := range s.Skips {
		c.Skips[k] = v
	}
	return c
}
