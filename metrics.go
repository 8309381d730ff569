package apiclient

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exports Prometheus metrics for the request lifecycle.
// A nil collector is valid and records nothing.
type MetricsCollector struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestsInFlight   prometheus.Gauge
	admissionWait      prometheus.Histogram
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	timeoutsTotal      *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	backgroundFailures *prometheus.CounterVec
}

// NewMetricsCollector registers the collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry registers the collector on reg.
func NewMetricsCollectorWithRegistry(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)

	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_requests_total",
				Help: "Total number of dispatched HTTP requests",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apiclient_request_duration_seconds",
				Help:    "Duration of dispatched HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "apiclient_requests_in_flight",
				Help: "Number of admitted requests that have not completed",
			},
		),
		admissionWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apiclient_admission_wait_seconds",
				Help:    "Time spent waiting for a concurrency slot",
				Buckets: prometheus.DefBuckets,
			},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_cache_hits_total",
				Help: "Total number of GET calls served from cache",
			},
			[]string{"endpoint"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_cache_misses_total",
				Help: "Total number of cacheable GET calls not found in cache",
			},
			[]string{"endpoint"},
		),
		timeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_timeouts_total",
				Help: "Total number of calls canceled by their timeout",
			},
			[]string{"method", "endpoint"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_errors_total",
				Help: "Total number of failed calls by kind",
			},
			[]string{"kind", "method", "endpoint"},
		),
		backgroundFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_background_failures_total",
				Help: "Total number of dropped cache or audit writes",
			},
			[]string{"target"},
		),
	}
}

// RecordRequest records a completed dispatch.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	code := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, code, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, code, endpoint).Observe(duration.Seconds())
}

// RecordAdmission records the wait for a slot and the new in-flight count.
func (mc *MetricsCollector) RecordAdmission(wait time.Duration, inFlight int64) {
	if mc == nil {
		return
	}

	mc.admissionWait.Observe(wait.Seconds())
	mc.requestsInFlight.Set(float64(inFlight))
}

// RecordRelease sets the in-flight gauge after a slot is released.
func (mc *MetricsCollector) RecordRelease(inFlight int64) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.Set(float64(inFlight))
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(endpoint).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(endpoint).Inc()
}

// RecordTimeout increments the timeout counter.
func (mc *MetricsCollector) RecordTimeout(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.timeoutsTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordError increments the error counter for kind (network, status, admission, extract).
func (mc *MetricsCollector) RecordError(kind, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(kind, method, endpoint).Inc()
}

// RecordBackgroundFailure increments the dropped-write counter for target (cache or audit).
func (mc *MetricsCollector) RecordBackgroundFailure(target string) {
	if mc == nil {
		return
	}

	mc.backgroundFailures.WithLabelValues(target).Inc()
}
