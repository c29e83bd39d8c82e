package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oraclepay_http_requests_total",
			Help: "Total number of HTTP requests received.",
		},
		[]string{"method", "path", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oraclepay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "code"},
	)

	// CapturesTotal counts capture attempts per provider and outcome
	// (completed, not_completed, provider_error, replayed).
	CapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oraclepay_captures_total",
			Help: "Capture attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// EntitlementAppliesTotal counts ledger applies by result
	// (applied, duplicate, unknown_product, error, guest).
	EntitlementAppliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oraclepay_entitlement_applies_total",
			Help: "Entitlement ledger apply results.",
		},
		[]string{"result"},
	)

	// SecretLookupsTotal counts secret cache lookups (hit, miss, error).
	SecretLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oraclepay_secret_lookups_total",
			Help: "Secret cache lookups by result.",
		},
		[]string{"result"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oraclepay_provider_request_duration_seconds",
			Help:    "Latency of outbound payment provider calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)
)

// ObserveProvider records the duration of an outbound provider call started at start.
func ObserveProvider(provider, operation string, start time.Time) {
	ProviderRequestDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

// Middleware collects request counters and latency using the matched route
// pattern, so path parameters do not explode label cardinality.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		code := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			} else {
				code = fiber.StatusInternalServerError
			}
		}
		path := c.Route().Path
		status := strconv.Itoa(code)
		httpRequestsTotal.WithLabelValues(c.Method(), path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Method(), path, status).Observe(time.Since(start).Seconds())
		return err
	}
}
