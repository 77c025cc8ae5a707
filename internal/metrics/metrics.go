// Package metrics provides Prometheus instrumentation for the CDP node.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StakesTotal counts stake operations applied, partitioned by kind.
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpd_stakes_total",
		Help: "Total number of stake operations applied",
	}, []string{"kind"})

	// ClosesTotal counts positions closed.
	ClosesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdpd_closes_total",
		Help: "Total number of positions closed",
	})

	// BlocksTotal counts block boundaries by outcome.
	BlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpd_blocks_total",
		Help: "Total number of block commits and rollbacks",
	}, []string{"outcome"})

	// RiskRejections counts operations rejected by a risk check.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpd_risk_rejections_total",
		Help: "Operations rejected by risk checks",
	}, []string{"check"})

	// LiquidationScanDuration tracks ranked-scan latency.
	LiquidationScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cdpd_liquidation_scan_duration_seconds",
		Help:    "Liquidation candidate scan latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OpenPositions tracks the number of open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdpd_open_positions",
		Help: "Number of currently open positions",
	})

	// TotalStakedBcoins tracks the aggregate staked collateral.
	TotalStakedBcoins = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdpd_total_staked_bcoins",
		Help: "Aggregate staked bcoins across open positions",
	})

	// TotalOwedScoins tracks the aggregate minted debt.
	TotalOwedScoins = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdpd_total_owed_scoins",
		Help: "Aggregate owed scoins across open positions",
	})

	// GlobalRatioBps tracks the system collateral ratio at the last
	// priced query, in basis points.
	GlobalRatioBps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdpd_global_ratio_bps",
		Help: "Global collateral ratio in basis points",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdpd_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpd_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdpd_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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
