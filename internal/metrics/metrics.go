// Package metrics provides Prometheus instrumentation for the position ledger.
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
	// MutationsTotal counts applied position changes by side and action.
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_position_mutations_total",
		Help: "Total number of position changes recorded",
	}, []string{"side", "action"})

	// MutationRejections counts rejected ledger calls by reason.
	MutationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_ledger_rejections_total",
		Help: "Ledger calls rejected, by reason",
	}, []string{"reason"})

	// LedgerCallLatency tracks the duration of ledger calls by operation.
	LedgerCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_ledger_call_latency_seconds",
		Help:    "Ledger call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// SettledVersions counts oracle versions the product ledger advanced over.
	SettledVersions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_settled_versions_total",
		Help: "Oracle versions processed by product settlement",
	}, []string{"product"})

	// AccountSettlements counts account settlements that advanced at least
	// one version.
	AccountSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_account_settlements_total",
		Help: "Account settlements that advanced the account ledger",
	}, []string{"product"})

	// LatestVersion tracks each product's latest settled oracle version.
	LatestVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_latest_version",
		Help: "Latest settled oracle version per product",
	}, []string{"product"})

	// Liquidations counts CloseAll calls.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Accounts force-closed by the collateral ledger",
	}, []string{"product"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern returns the matched chi route so account names in the path
// do not become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
