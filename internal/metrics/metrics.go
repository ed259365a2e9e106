// Package metrics exposes annotator counters and latencies for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for RunsTotal.
const (
	OutcomeComplete = "complete"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing, which keeps tests and tools free of registry setup.
type Metrics struct {
	InFlight atomic.Int64

	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	detections    prometheus.Histogram
	uploadBytes   prometheus.Histogram
	httpRequests  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "annotator_runs_total",
			Help: "Pipeline runs by outcome (complete, or the failure kind)",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "annotator_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		detections: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "annotator_detections_per_image",
			Help:    "Number of detections reported per image",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "annotator_upload_bytes",
			Help:    "Size of uploaded images",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 8),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "annotator_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(m.runs, m.stageDuration, m.detections, m.uploadBytes, m.httpRequests)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "annotator_runs_in_flight",
			Help: "Pipeline runs currently executing",
		},
		func() float64 { return float64(m.InFlight.Load()) },
	))
	return m
}

// Registry returns the private registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRun counts a finished pipeline run. outcome is OutcomeComplete or a
// failure kind.
func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveDetections records the number of detections in one report.
func (m *Metrics) ObserveDetections(n int) {
	if m == nil {
		return
	}
	m.detections.Observe(float64(n))
}

// ObserveUpload records the size of an accepted upload.
func (m *Metrics) ObserveUpload(bytes int64) {
	if m == nil {
		return
	}
	m.uploadBytes.Observe(float64(bytes))
}

// ObserveRequest counts an HTTP response.
func (m *Metrics) ObserveRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Begin marks a run as started and returns a func that marks it finished.
func (m *Metrics) Begin() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Add(1)
	return func() { m.InFlight.Add(-1) }
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
