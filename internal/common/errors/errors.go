// Package errors provides structured error handling for trustcore services
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrBadRequest ErrorCode = "BAD_REQUEST"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Trust decision errors
	ErrRateLimit              ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrReplayDetected         ErrorCode = "REPLAY_DETECTED"
	ErrDuplicateInProgress    ErrorCode = "DUPLICATE_IN_PROGRESS"
	ErrSessionExpiredOrLocked ErrorCode = "SESSION_EXPIRED_OR_LOCKED"
	ErrInvalidCode            ErrorCode = "INVALID_CODE"
	ErrRiskBlocked            ErrorCode = "RISK_BLOCKED"

	// Dependency errors
	ErrGeoLookupFailed   ErrorCode = "GEO_LOOKUP_FAILED"
	ErrConfigFetchFailed ErrorCode = "CONFIG_FETCH_FAILED"
	ErrStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// IsErrorCode checks if err, or any error it wraps, is an AppError with the given code
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// Predefined errors

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// ValidationError creates a validation error
func ValidationError(message string) *AppError {
	return &AppError{
		Code:       ErrValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// RateLimited creates a rate limit error for an identity and route category
func RateLimited(category string, retryAfterSeconds int64) *AppError {
	return (&AppError{
		Code:       ErrRateLimit,
		Message:    "Rate limit exceeded",
		StatusCode: http.StatusTooManyRequests,
	}).WithMetadata("category", category).WithMetadata("retry_after", retryAfterSeconds)
}

// ReplayDetected creates an error for a duplicate delivery inside the replay window
func ReplayDetected(scope string) *AppError {
	return (&AppError{
		Code:       ErrReplayDetected,
		Message:    "Duplicate delivery rejected",
		StatusCode: http.StatusConflict,
	}).WithMetadata("scope", scope)
}

// DuplicateInProgress creates an error for a retried mutation whose first attempt still holds the lock
func DuplicateInProgress(step string) *AppError {
	return (&AppError{
		Code:       ErrDuplicateInProgress,
		Message:    "A request with this idempotency key is already in progress",
		StatusCode: http.StatusConflict,
	}).WithMetadata("step", step)
}

// SessionExpiredOrLocked creates an error for an unknown, expired, or exhausted MFA challenge
func SessionExpiredOrLocked() *AppError {
	return &AppError{
		Code:       ErrSessionExpiredOrLocked,
		Message:    "Verification session expired or locked",
		StatusCode: http.StatusUnauthorized,
	}
}

// InvalidCode creates an error for a wrong one-time code
func InvalidCode() *AppError {
	return &AppError{
		Code:       ErrInvalidCode,
		Message:    "Invalid verification code",
		StatusCode: http.StatusUnauthorized,
	}
}

// RiskBlocked creates an error for a request the risk engine decided to block
func RiskBlocked(score int, reasons []string) *AppError {
	return (&AppError{
		Code:       ErrRiskBlocked,
		Message:    "Request blocked by risk policy",
		StatusCode: http.StatusForbidden,
	}).WithMetadata("risk_score", score).WithMetadata("reasons", reasons)
}

// GeoLookupFailed creates a geolocation lookup error
func GeoLookupFailed(ip string, err error) *AppError {
	return (&AppError{
		Code:       ErrGeoLookupFailed,
		Message:    "Geolocation lookup failed",
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}).WithMetadata("ip", ip)
}

// ConfigFetchFailed creates a configuration fetch error
func ConfigFetchFailed(source string, err error) *AppError {
	return &AppError{
		Code:       ErrConfigFetchFailed,
		Message:    "Configuration fetch failed",
		Details:    source,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// StoreUnavailable creates a shared store error
func StoreUnavailable(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrStoreUnavailable,
		Message:    "Shared store unavailable",
		Details:    operation,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ErrorCodeKey is the gin context key holding the ErrorCode of an aborted request
const ErrorCodeKey = "error_code"

// HandleError sends an error response to the client
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	c.Set(ErrorCodeKey, appErr.Code)
	if retry, ok := appErr.Metadata["retry_after"].(int64); ok && appErr.Code == ErrRateLimit {
		c.Header("Retry-After", strconv.FormatInt(retry, 10))
	}

	c.AbortWithStatusJSON(appErr.StatusCode, ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	})
}

// ErrorHandler is a middleware that handles panics and converts them to errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				sentry.CurrentHub().Recover(err)

				var appErr *AppError

				switch e := err.(type) {
				case *AppError:
					appErr = e
				case error:
					appErr = Internal("Internal server error", e)
				default:
					appErr = Internal("Internal server error", fmt.Errorf("%v", err))
				}

				HandleError(c, appErr)
			}
		}()

		c.Next()
	}
}
