// Package metrics exposes Prometheus collectors for dispatch outcomes and
// upstream latency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway's Prometheus collectors on a private registry.
type Collector struct {
	registry *prometheus.Registry

	dispatchTotal   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	rateLimitDenied *prometheus.CounterVec
}

// NewCollector creates and registers the gateway collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "dispatch_total",
				Help:      "Dispatched requests by route, terminal outcome and status code.",
			},
			[]string{"route", "outcome", "status"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "upstream_latency_seconds",
				Help:      "Upstream round-trip latency by backend service.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		rateLimitDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "rate_limit_denied_total",
				Help:      "Requests rejected by a rate limit policy.",
			},
			[]string{"policy"},
		),
	}

	c.registry.MustRegister(c.dispatchTotal, c.upstreamLatency, c.rateLimitDenied)
	return c
}

// RecordDispatch records a completed dispatch.
func (c *Collector) RecordDispatch(route, outcome string, status int) {
	c.dispatchTotal.WithLabelValues(route, outcome, strconv.Itoa(status)).Inc()
}

// RecordUpstream records an upstream round trip.
func (c *Collector) RecordUpstream(service string, duration time.Duration) {
	c.upstreamLatency.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordRateLimited records a quota rejection.
func (c *Collector) RecordRateLimited(policy string) {
	c.rateLimitDenied.WithLabelValues(policy).Inc()
}

// Handler serves the /metrics endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
