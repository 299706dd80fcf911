// Package metrics provides Prometheus instrumentation for the walletgate broker.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "walletgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WalletRequestsTotal counts inbound wallet requests by method and category.
	WalletRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletgate",
			Name:      "wallet_requests_total",
			Help:      "Total inbound wallet requests by method and category.",
		},
		[]string{"method", "category"},
	)

	// RequestsResolvedTotal counts resolved wallet requests by outcome.
	RequestsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletgate",
			Name:      "requests_resolved_total",
			Help:      "Total wallet requests resolved, by outcome (approved, rejected, auto_approved, policy_approved, policy_denied, cleared, failed).",
		},
		[]string{"outcome"},
	)

	// PendingRequests tracks the current pending-table depth.
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletgate",
			Name:      "pending_requests",
			Help:      "Number of wallet requests currently awaiting a decision.",
		},
	)

	// DrainDuration observes how long drain calls take.
	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "walletgate",
			Name:      "drain_duration_seconds",
			Help:      "Duration of drain calls in seconds.",
			Buckets:   []float64{0.1, 0.3, 0.5, 1, 2, 5, 10, 15, 30},
		},
	)

	// DrainsTotal counts drain calls by exit status.
	DrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletgate",
			Name:      "drains_total",
			Help:      "Total drain calls by exit status (idle, timeout, maxDepth).",
		},
		[]string{"status"},
	)

	// ActiveProviderConns tracks connected provider websocket clients.
	ActiveProviderConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletgate",
			Name:      "active_provider_connections",
			Help:      "Number of currently connected provider websocket clients.",
		},
	)

	// ActiveSubscriptions tracks live eth_subscribe subscriptions.
	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletgate",
			Name:      "active_subscriptions",
			Help:      "Number of live chain-event subscriptions.",
		},
	)

	// BackendCallsTotal counts signing-backend calls by operation and result.
	BackendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletgate",
			Name:      "backend_calls_total",
			Help:      "Total signing-backend calls by method and result.",
		},
		[]string{"method", "result"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WalletRequestsTotal,
		RequestsResolvedTotal,
		PendingRequests,
		DrainDuration,
		DrainsTotal,
		ActiveProviderConns,
		ActiveSubscriptions,
		BackendCallsTotal,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples runtime stats into Prometheus
// gauges. Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
