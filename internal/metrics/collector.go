// Package metrics exposes prometheus counters for jobs, pipeline stages,
// storage uploads and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests and multiple servers in one
// process do not collide. A nil *Collector is a valid no-op.
type Collector struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	jobsInFlight  prometheus.Gauge
	stageDuration *prometheus.HistogramVec
	uploadsTotal  *prometheus.CounterVec
	uploadLatency *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with all metrics registered under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{registry: reg}

	c.jobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Generation jobs by final status",
		},
		[]string{"status"},
	)

	c.jobsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing",
		},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "result"},
	)

	c.uploadsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_uploads_total",
			Help:      "Storage upload attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	c.uploadLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_upload_duration_seconds",
			Help:      "Storage upload attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// JobStarted increments the in-flight gauge.
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

// JobFinished records a job's final status and decrements the in-flight gauge.
func (c *Collector) JobFinished(status string) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsTotal.WithLabelValues(status).Inc()
}

// JobRejected records a job that never ran.
func (c *Collector) JobRejected() {
	if c == nil {
		return
	}
	c.jobsTotal.WithLabelValues("rejected").Inc()
}

// ObserveStage records how long a pipeline stage took.
func (c *Collector) ObserveStage(stage, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

// UploadAttempt implements storage.Observer.
func (c *Collector) UploadAttempt(provider string, success bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	c.uploadsTotal.WithLabelValues(provider, result).Inc()
	c.uploadLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
