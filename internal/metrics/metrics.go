// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StakesTotal counts accepted stakes, partitioned by side.
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmkt_stakes_total",
		Help: "Total number of stakes accepted",
	}, []string{"side"})

	// StakeVolume tracks cumulative staked value per side. Per-market volume
	// is served by the registry, not by labels here.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmkt_stake_volume_total",
		Help: "Cumulative staked value in base units",
	}, []string{"side"})

	// ClaimsTotal counts successful claims, partitioned by kind
	// (payout or refund).
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmkt_claims_total",
		Help: "Total number of successful claims",
	}, []string{"kind"})

	// ClaimedValue tracks cumulative value paid out by claims.
	ClaimedValue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmkt_claimed_value_total",
		Help: "Cumulative value transferred out by claims",
	}, []string{"kind"})

	// Rejections counts rejected operations by operation and reason code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmkt_rejections_total",
		Help: "Operations rejected by the engine",
	}, []string{"op", "code"})

	// PayoutFailures counts claims rolled back because the outward transfer
	// failed.
	PayoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmkt_payout_failures_total",
		Help: "Claims rolled back after a failed transfer",
	})

	// VolumeReportFailures counts advisory volume reports that were dropped.
	VolumeReportFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmkt_volume_report_failures_total",
		Help: "Volume reports the registry did not accept",
	})

	// EventPublishFailures counts event batches a sink rejected.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmkt_event_publish_failures_total",
		Help: "Event batches that failed to publish",
	})

	// SnapshotSaveFailures counts market snapshots the store rejected.
	SnapshotSaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmkt_snapshot_save_failures_total",
		Help: "Market snapshots that failed to persist",
	})

	// Markets tracks the number of markets per lifecycle state.
	Markets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolmkt_markets",
		Help: "Number of markets by lifecycle state",
	}, []string{"state"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolmkt_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmkt_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolmkt_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// AddAmount adds a 256-bit value to a counter. Precision loss above 2^53 is
// acceptable for monitoring.
func AddAmount(c prometheus.Counter, v *uint256.Int) {
	if v == nil {
		return
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	c.Add(f)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
