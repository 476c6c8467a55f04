// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestItemsTotal            *prometheus.CounterVec
	harvestAttemptsTotal         *prometheus.CounterVec
	harvestStageDuration         *prometheus.HistogramVec
	sessionRefreshTotal          *prometheus.CounterVec
	proxyPoolSize                prometheus.Gauge
	proxyBadTotal                *prometheus.CounterVec
	harvestActiveWorkers         prometheus.Gauge
	harvestRateLimitDelays       *prometheus.HistogramVec
	harvestNotifyFailuresTotal   prometheus.Counter
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	harvestBatchesTotal          prometheus.Counter
	harvestStaleClaimsResetTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_items_total",
				Help: "Work items reaching a disposition, labeled by status.",
			},
			[]string{"status"},
		)

		harvestAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_attempts_total",
				Help: "Stage attempts, labeled by stage and outcome kind.",
			},
			[]string{"stage", "outcome"},
		)

		harvestStageDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_stage_duration_seconds",
				Help:    "Duration of a stage including retries.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
			},
			[]string{"stage"},
		)

		sessionRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_session_refresh_total",
				Help: "Session refresh executions, labeled by result.",
			},
			[]string{"result"},
		)

		proxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_proxy_pool_size",
				Help: "Number of egress identities currently in the pool.",
			},
		)

		proxyBadTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_proxy_bad_total",
				Help: "Identities excluded for a work item, labeled by reason.",
			},
			[]string{"reason"},
		)

		harvestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		harvestRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"identity"},
		)

		harvestNotifyFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_notify_failures_total",
				Help: "Completion events that could not be published.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		harvestBatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_batches_total",
				Help: "Batches claimed and dispatched.",
			},
		)

		harvestStaleClaimsResetTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_stale_claims_reset_total",
				Help: "Claimed items returned to pending by the restart sweep.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts an item disposition (done, failed, requeued).
func ObserveItem(status string) {
	Init()
	harvestItemsTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt counts one stage attempt and its outcome kind.
func ObserveAttempt(stage, outcome string) {
	Init()
	harvestAttemptsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveStage records how long a stage took, retries included.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	harvestStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveSessionRefresh counts a session refresh by result (success, failure).
func ObserveSessionRefresh(result string) {
	Init()
	sessionRefreshTotal.WithLabelValues(result).Inc()
}

// SetProxyPoolSize records the current identity pool size.
func SetProxyPoolSize(n int) {
	Init()
	proxyPoolSize.Set(float64(n))
}

// ObserveProxyBad counts an identity excluded for a work item.
func ObserveProxyBad(reason string) {
	Init()
	proxyBadTotal.WithLabelValues(reason).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	harvestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	harvestActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(identity string, duration time.Duration) {
	Init()
	harvestRateLimitDelays.WithLabelValues(identity).Observe(duration.Seconds())
}

// ObserveNotifyFailure counts a completion event that failed to publish.
func ObserveNotifyFailure() {
	Init()
	harvestNotifyFailuresTotal.Inc()
}

// ObserveBatch counts a dispatched batch.
func ObserveBatch() {
	Init()
	harvestBatchesTotal.Inc()
}

// ObserveStaleReset counts claims reset by the restart sweep.
func ObserveStaleReset(n int) {
	Init()
	harvestStaleClaimsResetTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
