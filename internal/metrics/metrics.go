// Package metrics provides Prometheus instrumentation for the execution engine.
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
	// SwapsTotal counts executed pool swaps per pair.
	SwapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_swaps_total",
		Help: "Total number of pool swaps executed",
	}, []string{"pair"})

	// SwapVolume tracks oracle-valued swap input volume per pair.
	SwapVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_swap_volume_total",
		Help: "Cumulative oracle-valued swap input volume",
	}, []string{"pair"})

	// SwapFees tracks oracle-valued LP fees retained per pair.
	SwapFees = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_swap_fees_total",
		Help: "Cumulative oracle-valued LP fees",
	}, []string{"pair"})

	// SwapRejections counts swaps refused by pool maths.
	SwapRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_swap_rejections_total",
		Help: "Swaps rejected by the pool engine",
	}, []string{"reason"})

	// OrdersTotal counts routed orders by terminal venue and status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_total",
		Help: "Total routed orders",
	}, []string{"venue", "status"})

	// VenueAttempts counts every venue attempt inside a routing cascade.
	VenueAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_venue_attempts_total",
		Help: "Venue execution attempts",
	}, []string{"venue", "outcome"})

	// VenueLatency tracks venue call latency.
	VenueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_venue_latency_seconds",
		Help:    "Venue execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"venue"})

	// VenueRateLimited counts rate-limit cooldowns started per venue.
	VenueRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_venue_rate_limited_total",
		Help: "Venue rate-limit cooldowns started",
	}, []string{"venue"})

	// LateFillsRejected counts venue results that arrived for orders no
	// longer awaiting them.
	LateFillsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_late_fills_rejected_total",
		Help: "Late venue fills rejected",
	})

	// CancelsLocalOnly counts open orders cancelled on a venue that has no
	// cancel endpoint.
	CancelsLocalOnly = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_cancels_local_only_total",
		Help: "Open orders cancelled without venue confirmation",
	}, []string{"venue"})

	// PositionLimitRejections counts orders rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_position_limit_rejections_total",
		Help: "Orders rejected by position limiter",
	})

	// DerivativesIssued counts issued holdings per product.
	DerivativesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_derivatives_issued_total",
		Help: "Structured derivatives issued",
	}, []string{"product"})

	// DerivativesRedeemed counts redeemed holdings per product.
	DerivativesRedeemed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_derivatives_redeemed_total",
		Help: "Structured derivatives redeemed",
	}, []string{"product"})

	// InsuranceFundBalance is the current insurance fund balance.
	InsuranceFundBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_insurance_fund_balance",
		Help: "Insurance fund balance",
	})

	// InsuranceDepletions counts protection claims capped by the fund.
	InsuranceDepletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_insurance_depletions_total",
		Help: "Protection claims capped at the available fund balance",
	})

	// PersistFailures counts failed document commits.
	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_persist_failures_total",
		Help: "Failed state commits",
	}, []string{"document"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// HTTPRateLimited counts requests refused by the API rate limiter.
	HTTPRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_http_rate_limited_total",
		Help: "HTTP requests rejected by the rate limiter",
	})
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
