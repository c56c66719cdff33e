package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/common/testutil"
	"github.com/trustcore/trustcore/internal/idempotency"
	"github.com/trustcore/trustcore/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	t.Run("GET request with CORS headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		router.ServeHTTP(w, req)

		assert.Equal(t, 200, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
		assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
	})

	t.Run("OPTIONS preflight request", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("OPTIONS", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, 204, w.Code)
	})
}

func TestRequireOperatorToken(t *testing.T) {
	newRouter := func(token string) *gin.Engine {
		router := gin.New()
		router.POST("/ops", RequireOperatorToken(token), func(c *gin.Context) {
			c.String(200, "OK")
		})
		return router
	}

	tests := []struct {
		name     string
		token    string
		header   string
		expected int
	}{
		{"valid token", "s3cret", "Bearer s3cret", 200},
		{"wrong token", "s3cret", "Bearer nope", 401},
		{"missing header", "s3cret", "", 401},
		{"not bearer", "s3cret", "Basic s3cret", 401},
		{"routes disabled", "", "Bearer anything", 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/ops", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			newRouter(tt.token).ServeHTTP(w, req)
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestTimeout(t *testing.T) {
	t.Run("Request completes within timeout", func(t *testing.T) {
		router := gin.New()
		router.Use(Timeout(100 * time.Millisecond))
		router.GET("/test", func(c *gin.Context) {
			time.Sleep(10 * time.Millisecond)
			c.String(200, "OK")
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, 200, w.Code)
	})

	t.Run("Request exceeds timeout", func(t *testing.T) {
		router := gin.New()
		router.Use(Timeout(10 * time.Millisecond))
		router.GET("/test", func(c *gin.Context) {
			select {
			case <-time.After(50 * time.Millisecond):
				c.String(200, "OK")
			case <-c.Request.Context().Done():
				return
			}
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, 504, w.Code)
	})
}

func TestSecurityHeaders(t *testing.T) {
	for _, production := range []bool{false, true} {
		router := gin.New()
		router.Use(SecurityHeaders(production))
		router.GET("/test", func(c *gin.Context) { c.Status(200) })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
		assert.Equal(t, production, w.Header().Get("Strict-Transport-Security") != "")
	}
}

func newRateLimitedRouter(t *testing.T, rules ratelimit.Rules) (*gin.Engine, *testutil.MockRedis) {
	t.Helper()
	mock := testutil.StartRedis(t)
	logger := zaptest.NewLogger(t)
	limiter := ratelimit.NewLimiter(mock.Client(), rules, logger)

	router := gin.New()
	router.Use(RateLimit(limiter, ratelimit.CategoryLogin, nil, logger))
	router.GET("/health", func(c *gin.Context) { c.String(200, "ok") })
	router.POST("/login", func(c *gin.Context) { c.String(200, "welcome") })
	return router, mock
}

func doRequest(router http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.10:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	router, _ := newRateLimitedRouter(t, ratelimit.Rules{
		ratelimit.CategoryLogin: {
			WindowSeconds:  60,
			Max:            2,
			BlockOnExceed:  ratelimit.BlockOnExceed{Enabled: true, BanSeconds: 300},
			SoftBanDelayMs: 30,
		},
	})

	w := doRequest(router, "POST", "/login", nil)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	w = doRequest(router, "POST", "/login", nil)
	assert.Equal(t, 200, w.Code)

	start := time.Now()
	w = doRequest(router, "POST", "/login", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "300", w.Header().Get("Retry-After"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	// Health probes are never limited
	for i := 0; i < 5; i++ {
		assert.Equal(t, 200, doRequest(router, "GET", "/health", nil).Code)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	router, mock := newRateLimitedRouter(t, ratelimit.Rules{
		ratelimit.CategoryLogin: {WindowSeconds: 60, Max: 1},
	})
	mock.SimulateOutage()

	for i := 0; i < 3; i++ {
		w := doRequest(router, "POST", "/login", nil)
		assert.Equal(t, 200, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func newIdempotentRouter(t *testing.T, status *int32) (*gin.Engine, *int32, *testutil.MockRedis) {
	t.Helper()
	mock := testutil.StartRedis(t)
	coord := idempotency.NewCoordinator(mock.Client(), idempotency.DefaultConfig(), zaptest.NewLogger(t))

	var calls int32
	router := gin.New()
	router.POST("/orders", Idempotency(coord, "checkout"), func(c *gin.Context) {
		n := atomic.AddInt32(&calls, 1)
		c.JSON(int(atomic.LoadInt32(status)), gin.H{"call": n})
	})
	return router, &calls, mock
}

func TestIdempotency(t *testing.T) {
	t.Run("replays completed response", func(t *testing.T) {
		status := int32(201)
		router, calls, _ := newIdempotentRouter(t, &status)
		headers := map[string]string{IdempotencyKeyHeader: "order-1"}

		first := doRequest(router, "POST", "/orders", headers)
		second := doRequest(router, "POST", "/orders", headers)

		assert.Equal(t, 201, first.Code)
		assert.Equal(t, 201, second.Code)
		assert.Equal(t, first.Body.String(), second.Body.String())
		assert.Equal(t, "true", second.Header().Get(IdempotencyReplayedHeader))
		assert.True(t, strings.HasPrefix(second.Header().Get("Content-Type"), "application/json"))
		assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	})

	t.Run("requests without a key run every time", func(t *testing.T) {
		status := int32(200)
		router, calls, _ := newIdempotentRouter(t, &status)

		doRequest(router, "POST", "/orders", nil)
		doRequest(router, "POST", "/orders", nil)
		assert.Equal(t, int32(2), atomic.LoadInt32(calls))
	})

	t.Run("failed responses are not recorded", func(t *testing.T) {
		status := int32(502)
		router, calls, _ := newIdempotentRouter(t, &status)
		headers := map[string]string{IdempotencyKeyHeader: "order-2"}

		w := doRequest(router, "POST", "/orders", headers)
		assert.Equal(t, 502, w.Code)
		assert.Contains(t, w.Body.String(), `"call":1`)

		atomic.StoreInt32(&status, 200)
		w = doRequest(router, "POST", "/orders", headers)
		assert.Equal(t, 200, w.Code)
		assert.Equal(t, int32(2), atomic.LoadInt32(calls))
	})

	t.Run("store outage rejects keyed requests", func(t *testing.T) {
		status := int32(200)
		router, calls, mock := newIdempotentRouter(t, &status)
		mock.SimulateOutage()

		w := doRequest(router, "POST", "/orders", map[string]string{IdempotencyKeyHeader: "order-3"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Zero(t, atomic.LoadInt32(calls))
	})

	t.Run("oversized key is rejected", func(t *testing.T) {
		status := int32(200)
		router, _, _ := newIdempotentRouter(t, &status)

		w := doRequest(router, "POST", "/orders", map[string]string{IdempotencyKeyHeader: strings.Repeat("x", 300)})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("panicking handler releases the key", func(t *testing.T) {
		mock := testutil.StartRedis(t)
		coord := idempotency.NewCoordinator(mock.Client(), idempotency.DefaultConfig(), zaptest.NewLogger(t))

		var calls int32
		router := gin.New()
		router.Use(apperrors.ErrorHandler())
		router.POST("/webhooks", Idempotency(coord, "webhook"), func(c *gin.Context) {
			if atomic.AddInt32(&calls, 1) == 1 {
				panic("boom")
			}
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		})
		headers := map[string]string{IdempotencyKeyHeader: "delivery-1"}

		w := doRequest(router, "POST", "/webhooks", headers)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")

		w = doRequest(router, "POST", "/webhooks", headers)
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Empty(t, w.Header().Get(IdempotencyReplayedHeader))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestPrometheusMetrics(t *testing.T) {
	router := gin.New()
	router.Use(PrometheusMetrics("trust-service"))
	router.GET("/test", func(c *gin.Context) { c.String(200, "OK") })
	router.GET("/blocked", func(c *gin.Context) {
		apperrors.HandleError(c, apperrors.RiskBlocked(90, []string{"blocked_country"}))
	})
	router.GET("/metrics", MetricsHandler())

	assert.Equal(t, 200, doRequest(router, "GET", "/test", nil).Code)
	assert.Equal(t, 403, doRequest(router, "GET", "/blocked", nil).Code)

	w := doRequest(router, "GET", "/metrics", nil)
	assert.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `trustcore_http_requests_total{method="GET",route="/test",service="trust-service",status="200"}`)
	assert.Contains(t, body, `trustcore_http_rejections_total{error_code="RISK_BLOCKED",route="/blocked"}`)
}
