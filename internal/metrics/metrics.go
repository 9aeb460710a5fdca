// Package metrics exposes Prometheus instruments for job throughput, provider
// polling and durable uploads.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload outcomes.
const (
	UploadDurable  = "durable"
	UploadFallback = "fallback"
	UploadSkipped  = "skipped"
)

// Collector holds every instrument. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	pollErrors    *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	pollLatency   *prometheus.HistogramVec
	activeJobs    *prometheus.GaugeVec
}

// NewCollector creates a Collector registered on its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaforge_jobs_submitted_total",
			Help: "Jobs accepted by a provider, by kind",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaforge_jobs_completed_total",
			Help: "Jobs that reached completed, by kind",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaforge_jobs_failed_total",
			Help: "Jobs that reached failed, by kind",
		}, []string{"kind"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaforge_provider_poll_errors_total",
			Help: "Provider status or result calls that failed transiently, by provider kind",
		}, []string{"provider"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaforge_durable_uploads_total",
			Help: "Durable copy attempts, by outcome",
		}, []string{"outcome"}),
		pollLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediaforge_provider_poll_seconds",
			Help:    "Provider status call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		activeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediaforge_active_jobs",
			Help: "Pending and processing jobs seen by the last sweep, by tier",
		}, []string{"tier"}),
	}
	c.registry.MustRegister(
		c.jobsSubmitted, c.jobsCompleted, c.jobsFailed,
		c.pollErrors, c.uploads, c.pollLatency, c.activeJobs,
		prometheus.NewGoCollector(),
	)
	return c
}

func (c *Collector) JobSubmitted(kind string) {
	if c != nil {
		c.jobsSubmitted.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) JobCompleted(kind string) {
	if c != nil {
		c.jobsCompleted.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) JobFailed(kind string) {
	if c != nil {
		c.jobsFailed.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) PollError(provider string) {
	if c != nil {
		c.pollErrors.WithLabelValues(provider).Inc()
	}
}

func (c *Collector) Upload(outcome string) {
	if c != nil {
		c.uploads.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) ObservePoll(provider string, d time.Duration) {
	if c != nil {
		c.pollLatency.WithLabelValues(provider).Observe(d.Seconds())
	}
}

func (c *Collector) SetActive(tier string, n int) {
	if c != nil {
		c.activeJobs.WithLabelValues(tier).Set(float64(n))
	}
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
