package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics for the application: HTTP
// traffic plus the ledger and order-transition counters.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	stockOps        *prometheus.CounterVec
	conflictRetries *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	integrityErrors prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabung_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tabung_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	stockOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabung_stock_operations_total",
		Help: "Ledger operations by operation and outcome.",
	}, []string{"op", "result"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabung_stock_conflict_retries_total",
		Help: "Serialization-conflict retries per ledger operation.",
	}, []string{"op"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabung_order_transitions_total",
		Help: "Order status transitions by edge and outcome.",
	}, []string{"from", "to", "result"})
	integrityErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabung_ledger_integrity_violations_total",
		Help: "Invariant violations found by the ledger integrity scan.",
	})
	registry.MustRegister(requests, duration, stockOps, retries, transitions, integrityErrors)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		stockOps:        stockOps,
		conflictRetries: retries,
		transitions:     transitions,
		integrityErrors: integrityErrors,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// RecordStockOp counts one ledger operation outcome.
func (m *Metrics) RecordStockOp(op, result string) {
	if m == nil {
		return
	}
	m.stockOps.WithLabelValues(op, result).Inc()
}

// RecordConflictRetry counts a serialization-conflict retry.
func (m *Metrics) RecordConflictRetry(op string) {
	if m == nil {
		return
	}
	m.conflictRetries.WithLabelValues(op).Inc()
}

// RecordTransition counts one order status transition outcome.
func (m *Metrics) RecordTransition(from, to, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, result).Inc()
}

// RecordIntegrityViolation counts an invariant violation found by the
// background scan.
func (m *Metrics) RecordIntegrityViolation() {
	if m == nil {
		return
	}
	m.integrityErrors.Inc()
}

// Registerer exposes the registry for registering extra metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
