// Package metrics exposes Prometheus metrics for the certificate service.
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
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "certd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "certd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "certd",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

var (
	// IssuanceTotal counts certificate issuance attempts by challenge type
	// and outcome (started, issued, failed, retry).
	IssuanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "certd",
			Subsystem: "cert",
			Name:      "issuance_total",
			Help:      "Total number of certificate issuance attempts by challenge type and outcome",
		},
		[]string{"challenge", "outcome"},
	)

	// RenewalTotal counts renewal attempts by outcome (success, failed, exhausted).
	RenewalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "certd",
			Subsystem: "cert",
			Name:      "renewal_total",
			Help:      "Total number of certificate renewal attempts by outcome",
		},
		[]string{"outcome"},
	)

	// RevocationTotal counts revocations by outcome.
	RevocationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "certd",
			Subsystem: "cert",
			Name:      "revocation_total",
			Help:      "Total number of certificate revocation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// CertificateExpiryDays tracks days until expiry per domain.
	CertificateExpiryDays = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "certd",
			Subsystem: "cert",
			Name:      "expiry_days",
			Help:      "Days until certificate expiry per domain",
		},
		[]string{"domain"},
	)

	// ExpiredMarked counts certificates swept into the expired status.
	ExpiredMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "certd",
			Subsystem: "cert",
			Name:      "expired_marked_total",
			Help:      "Total number of certificates marked expired by the sweeper",
		},
	)

	// SSRFRejections counts issuance attempts blocked by the address guard.
	SSRFRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "certd",
			Subsystem: "guard",
			Name:      "ssrf_rejections_total",
			Help:      "Total number of issuance attempts rejected by the SSRF guard",
		},
	)

	// WebhookDeliveries counts webhook delivery attempts by event and outcome.
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "certd",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of webhook delivery attempts by event and outcome",
		},
		[]string{"event", "outcome"},
	)
)

var (
	// DBConnectionsOpen tracks open database connections
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "certd",
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections",
		},
	)

	// DBConnectionsInUse tracks database connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "certd",
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "certd",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	// DBConnectionsMaxOpen tracks maximum open database connections
	DBConnectionsMaxOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "certd",
			Subsystem: "db",
			Name:      "connections_max_open",
			Help:      "Maximum number of open database connections",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// newResponseWriter creates a new responseWriter
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := getRoutePattern(r)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// getRoutePattern returns the route pattern from chi context
// Falls back to URL path if pattern not available
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
