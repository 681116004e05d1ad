// Package metrics provides Prometheus instrumentation for the exchange.
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
	// OrdersTotal counts admitted orders by side and type.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_orders_total",
		Help: "Total number of orders admitted",
	}, []string{"side", "type"})

	// OrderRejections counts rejected placements by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_order_rejections_total",
		Help: "Orders rejected before admission",
	}, []string{"reason"})

	// OrdersCancelled counts orders cancelled, by cause.
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_orders_cancelled_total",
		Help: "Orders cancelled by user, market-order sweep or market lifecycle",
	}, []string{"cause"})

	// TradesTotal counts fills, partitioned by the aggressor side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradedShares counts matched shares.
	TradedShares = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predict_traded_shares_total",
		Help: "Cumulative matched quantity in shares",
	})

	// PlacementLatency tracks order placement latency including matching.
	PlacementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predict_order_placement_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// ActiveMarkets tracks the number of open markets known to this process.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predict_active_markets",
		Help: "Number of currently open markets",
	})

	// MarketsClosed counts terminal lifecycle transitions by resulting status.
	MarketsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_markets_closed_total",
		Help: "Markets resolved or cancelled",
	}, []string{"status"})

	// SettlementPayouts accumulates settlement and unwind credits.
	SettlementPayouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_settlement_payout_total",
		Help: "Currency credited at resolution (payout) or cancellation (unwind)",
	}, []string{"kind"})

	// RiskRejections counts placements rejected by the exposure limiter.
	RiskRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predict_risk_rejections_total",
		Help: "Orders rejected by the exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predict_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventPublishFailures counts events that could not be delivered.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predict_event_publish_failures_total",
		Help: "Event batches that failed to publish",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predict_http_request_duration_seconds",
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
