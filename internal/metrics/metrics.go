// Package metrics exposes the gateway's Prometheus collectors.
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

const namespace = "tollgate"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Collector tracks gateway metrics. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	activeRequests   prometheus.Gauge
	retryTotal       *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	filterErrors     *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests answered, by service, path and status.",
		}, []string{"unique_id", "path", "status"}),
		requestDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from receipt to response, by service.",
			Buckets:   DefaultBuckets,
		}, []string{"unique_id"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests between receipt and response.",
		}),
		retryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Outbound call retries, by service.",
		}, []string{"unique_id"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by flow control, by service and model.",
		}, []string{"unique_id", "model"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		filterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_errors_total",
			Help:      "Requests ended by an error, by error kind.",
		}, []string{"kind"}),
	}
}

// Registry is the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(uniqueID, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(uniqueID, path, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(uniqueID).Observe(duration.Seconds())
}

// RequestStarted and RequestFinished track in-flight requests.
func (c *Collector) RequestStarted() {
	if c != nil {
		c.activeRequests.Inc()
	}
}

func (c *Collector) RequestFinished() {
	if c != nil {
		c.activeRequests.Dec()
	}
}

// RecordRetry counts one retry of an outbound call.
func (c *Collector) RecordRetry(uniqueID string) {
	if c != nil {
		c.retryTotal.WithLabelValues(uniqueID).Inc()
	}
}

// RecordRateLimited counts one flow-control rejection.
func (c *Collector) RecordRateLimited(uniqueID, model string) {
	if c != nil {
		c.rateLimited.WithLabelValues(uniqueID, model).Inc()
	}
}

// RecordError counts a request ended by an error of kind.
func (c *Collector) RecordError(kind string) {
	if c != nil {
		c.filterErrors.WithLabelValues(kind).Inc()
	}
}

// SetCircuitBreakerState publishes a breaker state (see Breaker* consts).
func (c *Collector) SetCircuitBreakerState(breaker string, state int) {
	if c != nil {
		c.breakerState.WithLabelValues(breaker).Set(float64(state))
	}
}

// RegisterGaugeFunc exposes a value sampled at scrape time, e.g. the
// ingress queue depth.
func (c *Collector) RegisterGaugeFunc(name, help string, fn func() float64) {
	if c == nil {
		return
	}
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
