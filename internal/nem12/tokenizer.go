package nem12

import "strings"

// Tokenize splits one line (without its line feed) into fields.
//
// Quoting rules:
//   - A backslash makes the next character literal.
//   - An unescaped double quote toggles quoting; a doubled quote inside a
//     quoted section is one literal quote.
//   - A comma outside quotes ends the field. Fields are whitespace-trimmed.
//
// Afterwards a single leading and a single trailing quote are stripped from
// each field and empty fields are dropped, so a blank line yields nil.
func Tokenize(line string) []string {
	var (
		fields   []string
		cur      strings.Builder
		inQuotes bool
		escaped  bool
	)

	for i := 0; i < len(line); i++ {
		c := line[i]

		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}

		switch {
		case c == '\\':
			escaped = true
		case c == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				cur.WriteByte('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case c == ',' && !inQuotes:
			fields = appendField(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return appendField(fields, cur.String())
}

// appendField trims, unquotes and appends raw unless it ends up empty.
func appendField(fields []string, raw string) []string {
	f := strings.TrimSpace(raw)
	f = strings.TrimPrefix(f, `"`)
	f = strings.TrimSuffix(f, `"`)
	if f == "" {
		return fields
	}
	return append(fields, f)
}
