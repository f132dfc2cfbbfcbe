// Package metrics exposes Prometheus collectors for the crawl worker pool.
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
	targetsClaimedTotal        *prometheus.CounterVec
	targetsCompletedTotal      *prometheus.CounterVec
	targetsReclaimedTotal      *prometheus.CounterVec
	pagesFetchedTotal          *prometheus.CounterVec
	recordsSavedTotal          *prometheus.CounterVec
	proxyBlacklistTotal        prometheus.Counter
	proxyHealthy               prometheus.Gauge
	rateLimitDelaySeconds      prometheus.Histogram
	blockCooldownsTotal        prometheus.Counter
	workerRestartsTotal        *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		targetsClaimedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_targets_claimed_total",
				Help: "Total number of targets claimed, labeled by partition.",
			},
			[]string{"partition"},
		)

		targetsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_targets_completed_total",
				Help: "Total number of targets finished, labeled by resulting status.",
			},
			[]string{"status"},
		)

		targetsReclaimedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_targets_reclaimed_total",
				Help: "Total number of stale targets swept, labeled by resulting status.",
			},
			[]string{"status"},
		)

		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_fetched_total",
				Help: "Total number of page fetches, labeled by result.",
			},
			[]string{"result"},
		)

		recordsSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_saved_total",
				Help: "Total number of records accepted by the sink, labeled by partition.",
			},
			[]string{"partition"},
		)

		proxyBlacklistTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_proxy_blacklist_total",
				Help: "Total number of times a proxy crossed the failure threshold.",
			},
		)

		proxyHealthy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_proxy_healthy",
				Help: "Number of proxies currently eligible for acquire.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Histogram of per-worker pacing delays applied before fetches.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		blockCooldownsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_block_cooldowns_total",
				Help: "Total number of long cooldowns triggered by consecutive blocks.",
			},
		)

		workerRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_worker_restarts_total",
				Help: "Total number of worker restarts, labeled by worker index.",
			},
			[]string{"worker"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently holding a target.",
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveClaim counts a claimed target.
func ObserveClaim(partition string) {
	Init()
	targetsClaimedTotal.WithLabelValues(partition).Inc()
}

// ObserveCompletion counts a target leaving IN_PROGRESS through a worker.
func ObserveCompletion(status string) {
	Init()
	targetsCompletedTotal.WithLabelValues(status).Inc()
}

// ObserveReclaim counts targets swept by the stale-lease reclaimer.
func ObserveReclaim(status string, n int) {
	Init()
	if n > 0 {
		targetsReclaimedTotal.WithLabelValues(status).Add(float64(n))
	}
}

// ObservePage counts one page fetch by result (ok, blocked, error, not_found).
func ObservePage(result string) {
	Init()
	pagesFetchedTotal.WithLabelValues(result).Inc()
}

// ObserveRecords counts records accepted by the sink.
func ObserveRecords(partition string, n int) {
	Init()
	if n > 0 {
		recordsSavedTotal.WithLabelValues(partition).Add(float64(n))
	}
}

// ObserveProxyBlacklisted counts a proxy entering the blacklist.
func ObserveProxyBlacklisted() {
	Init()
	proxyBlacklistTotal.Inc()
}

// SetHealthyProxies records the number of eligible proxies.
func SetHealthyProxies(n int) {
	Init()
	proxyHealthy.Set(float64(n))
}

// ObserveRateLimitDelay records a pacing delay.
func ObserveRateLimitDelay(d time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// ObserveBlockCooldown counts a long cooldown.
func ObserveBlockCooldown() {
	Init()
	blockCooldownsTotal.Inc()
}

// ObserveWorkerRestart counts a supervised restart of one worker slot.
func ObserveWorkerRestart(index int) {
	Init()
	workerRestartsTotal.WithLabelValues(strconv.Itoa(index)).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
