package nem12

import "fmt"

// Timestamp returns the start of interval slot index (zero-based) on date
// as "YYYYMMDD HH:MM:SS".
//
// The hour is not wrapped: a slot starting at minute 1440 or later renders as
// hour 24 or more on the same date rather than rolling into the next day.
func Timestamp(date string, index, intervalLength int) string {
	minutes := index * intervalLength
	return fmt.Sprintf("%s %02d:%02d:00", date, minutes/60, minutes%60)
}
