// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and the enrichment pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the process registry and all instrument vectors. A nil
// *Collector is valid and records nothing, which keeps tests and optional
// wiring simple.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageTotal      *prometheus.CounterVec
	duplicateTotal  prometheus.Counter
}

// NewCollector constructs a collector with default histograms and counters.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "darshi",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for inbound HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "darshi",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of inbound HTTP requests.",
	}, []string{"method", "path", "status"})

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "darshi",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Latency distribution for enrichment pipeline stages.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	stageTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "darshi",
		Subsystem: "pipeline",
		Name:      "stage_total",
		Help:      "Pipeline stage executions by outcome.",
	}, []string{"stage", "outcome"})

	duplicateTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "darshi",
		Subsystem: "pipeline",
		Name:      "duplicates_total",
		Help:      "Reports short-circuited as duplicates at intake.",
	})

	for _, c := range []prometheus.Collector{
		requestDuration, requestTotal, stageDuration, stageTotal, duplicateTotal,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Collector{
		registry:        registry,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		stageDuration:   stageDuration,
		stageTotal:      stageTotal,
		duplicateTotal:  duplicateTotal,
	}, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// ObserveStage records one pipeline stage execution.
func (c *Collector) ObserveStage(stage, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageTotal.WithLabelValues(stage, outcome).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncDuplicate records a duplicate short-circuit at intake.
func (c *Collector) IncDuplicate() {
	if c == nil {
		return
	}
	c.duplicateTotal.Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
