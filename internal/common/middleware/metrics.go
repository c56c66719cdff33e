package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status",
	}, []string{"service", "route", "method", "status"})

	// Decisions answer inside one Redis round trip budget, so the buckets
	// stop well short of the HTTP timeouts.
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trustcore",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "route"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustcore",
		Name:      "http_requests_in_flight",
		Help:      "HTTP requests being served",
	})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "http_rejections_total",
		Help:      "Requests answered with an application error code",
	}, []string{"route", "error_code"})

	// DecisionsTotal counts trust gate outcomes
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "trust_decisions_total",
		Help:      "Trust gate decisions by action and outcome",
	}, []string{"action", "outcome"})
)

// PrometheusMetrics records request counts, latency and application error
// codes per route template. Unmatched paths share one label.
func PrometheusMetrics(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "/metrics" {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		inFlight.Inc()
		start := time.Now()
		c.Next()
		inFlight.Dec()

		requestsTotal.WithLabelValues(serviceName, route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(serviceName, route).Observe(time.Since(start).Seconds())
		if code, ok := c.Get(apperrors.ErrorCodeKey); ok {
			if ec, ok := code.(apperrors.ErrorCode); ok {
				rejectionsTotal.WithLabelValues(route, string(ec)).Inc()
			}
		}
	}
}

// MetricsHandler serves the Prometheus registry
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
