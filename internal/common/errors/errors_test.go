package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrBadRequest, "Test error", http.StatusBadRequest)

	assert.Equal(t, ErrBadRequest, err.Code)
	assert.Equal(t, "Test error", err.Message)
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
	assert.Nil(t, err.Err)
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("original error")
	err := Wrap(originalErr, ErrInternal, "Wrapped error", http.StatusInternalServerError)

	assert.Equal(t, ErrInternal, err.Code)
	assert.Equal(t, "Wrapped error", err.Message)
	assert.Equal(t, http.StatusInternalServerError, err.StatusCode)
	assert.Equal(t, originalErr, err.Err)
}

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "Error without details",
			err: &AppError{
				Code:    ErrBadRequest,
				Message: "Invalid request",
			},
			expected: "[BAD_REQUEST] Invalid request",
		},
		{
			name: "Error with details",
			err: &AppError{
				Code:    ErrStoreUnavailable,
				Message: "Shared store unavailable",
				Details: "acquire lock",
			},
			expected: "[STORE_UNAVAILABLE] Shared store unavailable: acquire lock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_WithMetadata(t *testing.T) {
	err := New(ErrRateLimit, "Rate limit exceeded", http.StatusTooManyRequests)
	err.WithMetadata("category", "login")

	assert.NotNil(t, err.Metadata)
	assert.Equal(t, "login", err.Metadata["category"])

	err.WithMetadata("retry_after", 30)
	assert.Equal(t, 2, len(err.Metadata))
}

func TestTrustErrors(t *testing.T) {
	tests := []struct {
		name           string
		createError    func() *AppError
		expectedCode   ErrorCode
		expectedStatus int
	}{
		{"RateLimited", func() *AppError { return RateLimited("login", 60) }, ErrRateLimit, http.StatusTooManyRequests},
		{"ReplayDetected", func() *AppError { return ReplayDetected("webhook") }, ErrReplayDetected, http.StatusConflict},
		{"DuplicateInProgress", func() *AppError { return DuplicateInProgress("payment-init") }, ErrDuplicateInProgress, http.StatusConflict},
		{"SessionExpiredOrLocked", SessionExpiredOrLocked, ErrSessionExpiredOrLocked, http.StatusUnauthorized},
		{"InvalidCode", InvalidCode, ErrInvalidCode, http.StatusUnauthorized},
		{"RiskBlocked", func() *AppError { return RiskBlocked(100, []string{"blocked_country"}) }, ErrRiskBlocked, http.StatusForbidden},
		{"GeoLookupFailed", func() *AppError { return GeoLookupFailed("8.8.8.8", errors.New("timeout")) }, ErrGeoLookupFailed, http.StatusBadGateway},
		{"ConfigFetchFailed", func() *AppError { return ConfigFetchFailed("postgres", errors.New("down")) }, ErrConfigFetchFailed, http.StatusServiceUnavailable},
		{"StoreUnavailable", func() *AppError { return StoreUnavailable("get", errors.New("dial")) }, ErrStoreUnavailable, http.StatusServiceUnavailable},
		{"ValidationError", func() *AppError { return ValidationError("ip is required") }, ErrValidation, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.createError()
			assert.Equal(t, tt.expectedCode, err.Code)
			assert.Equal(t, tt.expectedStatus, err.StatusCode)
		})
	}
}

func TestIsErrorCode(t *testing.T) {
	t.Run("Matching error code", func(t *testing.T) {
		assert.True(t, IsErrorCode(InvalidCode(), ErrInvalidCode))
	})

	t.Run("Wrapped with fmt.Errorf", func(t *testing.T) {
		err := fmt.Errorf("verify: %w", SessionExpiredOrLocked())
		assert.True(t, IsErrorCode(err, ErrSessionExpiredOrLocked))
	})

	t.Run("Non-matching error code", func(t *testing.T) {
		assert.False(t, IsErrorCode(InvalidCode(), ErrBadRequest))
	})

	t.Run("Non-AppError", func(t *testing.T) {
		assert.False(t, IsErrorCode(errors.New("standard error"), ErrInternal))
	})
}

func TestGetStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, GetStatusCode(RateLimited("checkout", 1)))
	assert.Equal(t, http.StatusInternalServerError, GetStatusCode(errors.New("standard error")))
}

func TestHandleError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("AppError renders code and status", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Set("request_id", "req-1")

		HandleError(c, DuplicateInProgress("mfa-initiate"))

		assert.Equal(t, http.StatusConflict, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, ErrDuplicateInProgress, resp.Error)
		assert.Equal(t, "req-1", resp.RequestID)
		assert.Equal(t, "mfa-initiate", resp.Metadata["step"])
	})

	t.Run("rate limit sets Retry-After", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		HandleError(c, RateLimited("login", 42))

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "42", w.Header().Get("Retry-After"))
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		HandleError(c, errors.New("boom"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestErrorHandler_RecoversPanic(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandler())
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func BenchmarkWrapError(b *testing.B) {
	originalErr := errors.New("original error")
	for i := 0; i < b.N; i++ {
		_ = Wrap(originalErr, ErrInternal, "Wrapped error", http.StatusInternalServerError)
	}
}
