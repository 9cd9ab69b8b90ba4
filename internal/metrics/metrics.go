// Package metrics provides Prometheus instrumentation for the exchange ledger.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts engine operations by name and outcome
	// ("ok" or the rejecting error kind).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_operations_total",
		Help: "Total engine operations by operation and result",
	}, []string{"operation", "result"})

	// OperationLatency tracks engine operation time, including any wait for
	// the engine lock.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"operation"})

	// MarketOpen is 1 while the circuit breaker allows new risk.
	MarketOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_market_open",
		Help: "1 if the market is open, 0 if halted",
	})

	// RegisteredAgents tracks the number of registered agents.
	RegisteredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_registered_agents",
		Help: "Number of registered agents",
	})

	// OpenPositions tracks active futures positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_open_futures_positions",
		Help: "Number of active futures positions",
	})

	// SettledVolume tracks cumulative settled notional, in whole currency units.
	SettledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_settled_volume_total",
		Help: "Cumulative settled trade value",
	}, []string{"symbol"})

	// SharesTraded tracks cumulative traded share quantity.
	SharesTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_shares_traded_total",
		Help: "Cumulative traded shares",
	}, []string{"symbol"})

	// Liquidations counts futures closes that forfeited the full margin.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_liquidations_total",
		Help: "Futures positions closed with full margin forfeiture",
	})

	// DividendsPaid tracks cumulative dividend payouts, in whole currency units.
	DividendsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_dividends_paid_total",
		Help: "Cumulative dividend value paid to holders",
	}, []string{"symbol"})

	// VaultFailures counts failed custodian transfers by direction.
	VaultFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_vault_failures_total",
		Help: "Failed vault transfers",
	}, []string{"direction"})

	// WebSocketClients tracks connected WebSocket observers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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

// Hijack keeps WebSocket upgrades working through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
