package nem12

import (
	"math"
	"strconv"
)

// ParseConsumption parses an interval value. ok is false for anything that
// is not a finite decimal number; callers drop such values.
func ParseConsumption(s string) (v float64, ok bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
