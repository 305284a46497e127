// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GamesStarted counts blackjack games dealt.
	GamesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veildex_games_started_total",
		Help: "Total number of blackjack games dealt",
	})

	// GamesResolved counts resolved games, partitioned by outcome.
	GamesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veildex_games_resolved_total",
		Help: "Total number of games resolved",
	}, []string{"outcome"})

	// GameMoves counts player moves, partitioned by move.
	GameMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veildex_game_moves_total",
		Help: "Total number of player moves",
	}, []string{"move"})

	// ComputationAborts counts confidential computations that aborted.
	ComputationAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veildex_computation_aborts_total",
		Help: "Confidential computations that aborted without committing",
	}, []string{"operation"})

	// PositionsOpened counts opened positions, partitioned by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veildex_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"asset", "side"})

	// PositionsClosed counts position exits, partitioned by how they ended.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veildex_positions_closed_total",
		Help: "Total number of positions closed or liquidated",
	}, []string{"asset", "status"})

	// PoolAUM tracks pool assets under management in USD.
	PoolAUM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veildex_pool_aum_usd",
		Help: "Pool assets under management in USD",
	})

	// CustodyLocked tracks liquidity locked by open positions per asset.
	CustodyLocked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veildex_custody_locked_usd",
		Help: "Liquidity locked by open positions in USD",
	}, []string{"asset"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veildex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veildex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veildex_http_request_duration_seconds",
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
