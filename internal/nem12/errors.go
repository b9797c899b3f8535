package nem12

import "fmt"

// ParseError reports raw text that could not be turned into a record.
type ParseError struct {
	Line int // 1-based
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: parse: %s", e.Line, e.Msg)
}

// ValidationError reports a record that tokenized cleanly but broke a rule
// for its kind. For unknown record codes Kind holds the offending code.
type ValidationError struct {
	Kind RecordKind
	Line int // 1-based
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("line %d: record %s: %s", e.Line, e.Kind, e.Msg)
}

func validationErr(kind RecordKind, line int, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Line: line, Msg: fmt.Sprintf(format, args...)}
}
