// Package metrics provides Prometheus instrumentation for the ledger service.
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
	// OperationsTotal counts ledger operations by outcome (ok, validation,
	// rejected, retryable, internal).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Total ledger operations by outcome",
	}, []string{"op", "outcome"})

	// OperationDuration tracks ledger operation latency, lock waits included.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// RejectionsTotal counts failed operations by error code.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Ledger operations refused, by error code",
	}, []string{"code"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5},
	}, []string{"method", "route"})
)

// Recorder reports ledger engine outcomes to the collectors above.
type Recorder struct{}

// ObserveOperation records one finished operation.
func (Recorder) ObserveOperation(op, outcome string, elapsed time.Duration) {
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveRejection records one refused operation.
func (Recorder) ObserveRejection(code string) {
	RejectionsTotal.WithLabelValues(code).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		route := RoutePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
	})
}

// RoutePattern returns the matched chi route pattern, e.g.
// /api/v1/accounts/{userID}, so label cardinality stays bounded. Requests
// that matched no route report "unmatched".
func RoutePattern(r *http.Request) string {
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

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
