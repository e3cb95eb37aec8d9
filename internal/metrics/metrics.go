// Package metrics provides Prometheus metrics for the control plane.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/browser"
)

var (
	// RequestsTotal counts dispatched operations by protocol and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "puppeteer_mcp_requests_total",
			Help: "Total operations dispatched",
		},
		[]string{"protocol", "operation", "status"},
	)

	// RequestDuration tracks operation duration.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "puppeteer_mcp_request_duration_seconds",
			Help:    "Operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~80s
		},
		[]string{"operation"},
	)

	// ActionsTotal counts browser actions by type and outcome.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "puppeteer_mcp_actions_total",
			Help: "Total browser actions executed",
		},
		[]string{"action", "status"},
	)

	// ActionDuration tracks browser action duration.
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "puppeteer_mcp_action_duration_seconds",
			Help:    "Browser action duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms to ~80s
		},
		[]string{"action"},
	)

	// ErrorsTotal counts error envelopes by category and code.
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "puppeteer_mcp_errors_total",
			Help: "Total error envelopes by category and code",
		},
		[]string{"category", "code"},
	)

	// PoolSize shows the current pool size.
	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_pool_size",
			Help: "Browsers currently in the pool",
		},
	)

	// PoolIdle shows idle browsers.
	PoolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_pool_idle",
			Help: "Idle browsers in the pool",
		},
	)

	// PoolActive shows leased browsers.
	PoolActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_pool_active",
			Help: "Leased browsers in the pool",
		},
	)

	// PoolUnhealthy shows browsers awaiting recycling.
	PoolUnhealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_pool_unhealthy",
			Help: "Unhealthy browsers awaiting recycling",
		},
	)

	// PoolQueueDepth shows waiters queued for a lease.
	PoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_pool_queue_depth",
			Help: "Acquisitions waiting for a free browser",
		},
	)

	// PoolAcquired shows cumulative lease acquisitions.
	PoolAcquired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_pool_acquired",
			Help: "Cumulative browser acquisitions",
		},
	)

	// PoolRecycled shows cumulative browser recycles.
	PoolRecycled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_pool_recycled",
			Help: "Cumulative browsers recycled",
		},
	)

	// PoolTimeouts shows cumulative acquisition timeouts.
	PoolTimeouts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_pool_timeouts",
			Help: "Cumulative acquisition timeouts",
		},
	)

	// BreakerState shows the launch circuit breaker state; exactly one
	// label carries the value 1.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_breaker_state",
			Help: "Launch circuit breaker state",
		},
		[]string{"state"},
	)

	// ActivePages shows pages currently open across all contexts.
	ActivePages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_active_pages",
			Help: "Open pages across all contexts",
		},
	)

	// MemoryUsageBytes shows current heap allocation.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "puppeteer_mcp_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActionsTotal,
		ActionDuration,
		ErrorsTotal,
		PoolSize,
		PoolIdle,
		PoolActive,
		PoolUnhealthy,
		PoolQueueDepth,
		PoolAcquired,
		PoolRecycled,
		PoolTimeouts,
		BreakerState,
		ActivePages,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordRequest records one dispatched operation.
func RecordRequest(protocol, operation, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(protocol, operation, status).Inc()
	RequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAction records one executed browser action.
func RecordAction(action, status string, duration time.Duration) {
	ActionsTotal.WithLabelValues(action, status).Inc()
	ActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordError records one error envelope.
func RecordError(category, code string) {
	ErrorsTotal.WithLabelValues(category, code).Inc()
}

// UpdatePoolStats publishes a pool snapshot.
func UpdatePoolStats(stats browser.PoolStats) {
	PoolSize.Set(float64(stats.Total))
	PoolIdle.Set(float64(stats.Idle))
	PoolActive.Set(float64(stats.Active))
	PoolUnhealthy.Set(float64(stats.Unhealthy))
	PoolQueueDepth.Set(float64(stats.Queued))
	PoolAcquired.Set(float64(stats.Acquired))
	PoolRecycled.Set(float64(stats.Recycled))
	PoolTimeouts.Set(float64(stats.Timeouts))

	for _, state := range []browser.BreakerState{browser.BreakerClosed, browser.BreakerOpen, browser.BreakerHalfOpen} {
		v := 0.0
		if stats.Breaker == state {
			v = 1.0
		}
		BreakerState.WithLabelValues(string(state)).Set(v)
	}
}

// UpdatePageCount publishes the open page count.
func UpdatePageCount(count int) {
	ActivePages.Set(float64(count))
}

// StartCollector periodically publishes pool, page, and runtime
// snapshots until stopCh closes. snapshot may be nil.
func StartCollector(interval time.Duration, snapshot func() (browser.PoolStats, int), stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if snapshot != nil {
				stats, pageCount := snapshot()
				UpdatePoolStats(stats)
				UpdatePageCount(pageCount)
			}
			updateRuntimeMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateRuntimeMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
