package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"meterflow/internal/processor"
)

func TestStreamFinished(t *testing.T) {
	m := New()

	m.StreamStarted()
	if got := testutil.ToFloat64(m.inFlight); got != 1 {
		t.Fatalf("in flight: got %v, want 1", got)
	}

	m.StreamFinished(processor.Stats{
		Lines:         10,
		Readings:      48,
		Batches:       1,
		SkippedLines:  2,
		DroppedValues: 1,
		Skips: map[processor.SkipReason]int{
			processor.ReasonUnknownRecord: 2,
			processor.ReasonInvalidValue:  1,
		},
	}, StatusOK, 250*time.Millisecond)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"in flight", testutil.ToFloat64(m.inFlight), 0},
		{"lines", testutil.ToFloat64(m.lines), 10},
		{"readings", testutil.ToFloat64(m.readings), 48},
		{"batches", testutil.ToFloat64(m.batches), 1},
		{"dropped", testutil.ToFloat64(m.dropped), 1},
		{"skipped unknown_record", testutil.ToFloat64(m.skipped.WithLabelValues("unknown_record")), 2},
		{"skipped invalid_value", testutil.ToFloat64(m.skipped.WithLabelValues("invalid_value")), 1},
		{"streams ok", testutil.ToFloat64(m.streams.WithLabelValues(StatusOK)), 1},
		{"streams error", testutil.ToFloat64(m.streams.WithLabelValues(StatusError)), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.duration); n != 1 {
		t.Errorf("duration histogram: got %d series, want 1", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.StreamStarted()
	m.StreamFinished(processor.Stats{Lines: 1}, StatusError, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status: got %d, want 404", rec.Code)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.StreamStarted()
	m.StreamFinished(processor.Stats{Lines: 3, Readings: 2, Batches: 1, Skips: map[processor.SkipReason]int{}}, StatusOK, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"meterflow_stream_lines_total 3",
		"meterflow_stream_readings_total 2",
		"meterflow_stream_batches_total 1",
		`meterflow_streams_total{status="ok"} 1`,
		"meterflow_stream_duration_seconds_count 1",
		"meterflow_process_cpu_percent",
		"meterflow_process_memory_inuse_bytes",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition missing %q", name)
		}
	}
}

func TestCPUSampler(t *testing.T) {
	s := newCPUSampler()
	// Burn a little CPU so the delta is measurable.
	x := 0
	for i := range 5_000_000 {
		x += i
	}
	_ = x
	time.Sleep(time.Millisecond)
	if p := s.percent(); p < 0 {
		t.Errorf("negative CPU percent %v", p)
	}
	if memoryInuse() <= 0 {
		t.Error("memory in use should be positive")
	}
}
