package nem12

import (
	"unicode/utf8"
)

// Minimum field counts per record kind.
const (
	minNMIDetailsFields   = 9
	minIntervalDataFields = 3
	minEndFields          = 2
)

// Field positions within records.
const (
	nmiField            = 1
	intervalLengthField = 8
	intervalDateField   = 1
	// FirstValueField is the position of the first consumption value in an
	// interval data record.
	FirstValueField = 2
)

// Classify returns the record kind named by the first field.
func Classify(fields []string, line int) (RecordKind, error) {
	var code string
	if len(fields) > 0 {
		code = fields[0]
	}
	kind := RecordKind(code)
	if !kind.Valid() {
		return "", validationErr(kind, line, "invalid record type: %s", code)
	}
	return kind, nil
}

// ValidateNMIHeader checks an NMI data details (200) record and returns the
// context it establishes.
func ValidateNMIHeader(fields []string, line int) (NMIHeader, error) {
	if len(fields) < minNMIDetailsFields {
		return NMIHeader{}, validationErr(NMIDataDetails, line,
			"NMI data details record must have at least %d fields", minNMIDetailsFields)
	}

	nmi := fields[nmiField]
	if utf8.RuneCountInString(nmi) != NMILength {
		return NMIHeader{}, validationErr(NMIDataDetails, line, "invalid NMI format")
	}

	length, ok := parseIntPrefix(fields[intervalLengthField])
	if !ok || length < MinIntervalLength || length > MaxIntervalLength {
		return NMIHeader{}, validationErr(NMIDataDetails, line, "invalid interval length")
	}

	return NMIHeader{NMI: nmi, IntervalLength: length}, nil
}

// ValidateIntervalData checks the structure of an interval data (300)
// record. Individual consumption values are not checked here.
func ValidateIntervalData(fields []string, line int) error {
	if len(fields) < minIntervalDataFields {
		return validationErr(IntervalData, line,
			"interval data record must have at least %d fields", minIntervalDataFields)
	}
	if !isIntervalDate(fields[intervalDateField]) {
		return validationErr(IntervalData, line, "invalid interval date format")
	}
	return nil
}

// ValidateEndRecord checks that an end (900) record names the active NMI.
func ValidateEndRecord(fields []string, currentNMI string, line int) error {
	if len(fields) < minEndFields || fields[nmiField] != currentNMI {
		return validationErr(End, line, "invalid end record")
	}
	return nil
}

// isIntervalDate reports whether s is exactly eight ASCII digits.
func isIntervalDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseIntPrefix parses the leading base-10 integer of s, ignoring anything
// after the digits ("30", "30min" and "30.0" all give 30). It fails when s
// has no leading digits.
func parseIntPrefix(s string) (int, bool) {
	i := 0
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	start := i
	n := 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
		if n > 1<<30 {
			// Far outside any valid interval length; stop before overflow.
			for i < len(s) && s[i] >= '0' && s[i] <= '9' {
				i++
			}
			break
		}
	}
	if i == start {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}
