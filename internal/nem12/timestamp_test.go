package nem12

import (
	"math"
	"testing"
)

func TestTimestamp(t *testing.T) {
	tests := []struct {
		index, length int
		expected      string
	}{
		{0, 30, "20240101 00:00:00"},
		{1, 30, "20240101 00:30:00"},
		{2, 30, "20240101 01:00:00"},
		{3, 30, "20240101 01:30:00"},
		{47, 30, "20240101 23:30:00"},
		{95, 15, "20240101 23:45:00"},
		{7, 5, "20240101 00:35:00"},
		{1439, 1, "20240101 23:59:00"},
		{23, 60, "20240101 23:00:00"},
		// Slots past the end of the day are not rolled over.
		{48, 30, "20240101 24:00:00"},
		{24, 60, "20240101 24:00:00"},
		{50, 30, "20240101 25:00:00"},
	}

	for _, tt := range tests {
		got := Timestamp("20240101", tt.index, tt.length)
		if got != tt.expected {
			t.Errorf("Timestamp(%d, %d) = %q, want %q", tt.index, tt.length, got, tt.expected)
		}
	}
}

func TestParseConsumption(t *testing.T) {
	valid := map[string]float64{
		"1.5":   1.5,
		"0":     0,
		"-2":    -2,
		"1e3":   1000,
		".25":   0.25,
		"+4":    4,
		"10.00": 10,
	}
	for in, want := range valid {
		got, ok := ParseConsumption(in)
		if !ok || got != want {
			t.Errorf("ParseConsumption(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}

	for _, in := range []string{"A", "1.2.3", "NaN", "Inf", "-Infinity", "1e400", "", "1,5"} {
		if v, ok := ParseConsumption(in); ok {
			t.Errorf("ParseConsumption(%q) = %v, expected rejection", in, v)
		}
	}

	if v, ok := ParseConsumption("1e-300"); !ok || v == 0 || math.IsInf(v, 0) {
		t.Errorf("ParseConsumption(1e-300) = %v, %v", v, ok)
	}
}
