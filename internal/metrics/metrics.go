// Package metrics exposes stream processing counters in Prometheus format.
//
// Collectors live on a private registry so tests and embedded uses never
// collide with the global default registry. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meterflow/internal/processor"
)

const namespace = "meterflow"

// Stream outcomes used as the status label of streams_total.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Metrics holds the collectors for stream processing.
type Metrics struct {
	registry *prometheus.Registry

	lines    prometheus.Counter
	readings prometheus.Counter
	batches  prometheus.Counter
	skipped  *prometheus.CounterVec // by reason
	dropped  prometheus.Counter

	streams  *prometheus.CounterVec // by status
	inFlight prometheus.Gauge
	duration prometheus.Histogram
}

// New creates the collectors and registers them, together with the
// process CPU and memory gauges, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "lines_total",
			Help:      "Lines read from NEM12 streams",
		}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "readings_total",
			Help:      "Meter readings produced",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "batches_total",
			Help:      "Batches emitted, including empty sentinel batches",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "skipped_total",
			Help:      "Skipped lines and dropped consumption values by reason",
		}, []string{"reason"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "dropped_values_total",
			Help:      "Consumption values dropped as non-numeric or negative",
		}),

		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Streams processed by outcome",
		}, []string{"status"}), // status: ok, error, cancelled
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_in_flight",
			Help:      "Streams currently being processed",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Wall time to process one stream",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.4min
		}),
	}

	m.registry.MustRegister(
		m.lines, m.readings, m.batches, m.skipped, m.dropped,
		m.streams, m.inFlight, m.duration,
	)
	registerProcessGauges(m.registry)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StreamStarted marks a stream as in flight. Every call must be paired with
// StreamFinished.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// StreamFinished records the counters of a finished stream.
func (m *Metrics) StreamFinished(st processor.Stats, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.streams.WithLabelValues(status).Inc()
	m.duration.Observe(d.Seconds())

	m.lines.Add(float64(st.Lines))
	m.readings.Add(float64(st.Readings))
	m.batches.Add(float64(st.Batches))
	m.dropped.Add(float64(st.DroppedValues))
	for reason, n := range st.Skips {
		m.skipped.WithLabelValues(string(reason)).Add(float64(n))
	}
}
