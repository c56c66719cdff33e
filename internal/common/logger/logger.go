// Package logger builds the service's zap loggers, the request log
// middleware and the audit trail of trust decisions.
package logger

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
)

// Context keys shared with the HTTP layer
const (
	RequestIDKey = "request_id"
	DecisionKey  = "trust_decision"
)

const maxRequestIDLen = 128

// New builds a logger from APP_ENV and LOG_LEVEL, for use before config loads
func New() *zap.Logger {
	return NewFor(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
}

// NewFor builds a JSON logger in production and a console logger elsewhere.
// An unknown or empty level means info in production and debug elsewhere.
func NewFor(env, level string) *zap.Logger {
	production := env == "production" || env == "prod"

	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if lvl, err := zap.ParseAtomicLevel(level); err == nil && level != "" {
		cfg.Level = lvl
	} else if production {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	log, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		panic("build logger: " + err.Error())
	}
	return log
}

// RequestID assigns every request an ID, keeping a caller supplied
// X-Request-ID when it is reasonably short.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// GinMiddleware logs one line per request. The query string is left out
// because webhook and MFA callers may put secrets in it.
func GinMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if id := c.GetString(RequestIDKey); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		if action := c.GetString(DecisionKey); action != "" {
			fields = append(fields, zap.String("decision", action))
		}
		if code, ok := c.Get(apperrors.ErrorCodeKey); ok {
			if ec, ok := code.(apperrors.ErrorCode); ok {
				fields = append(fields, zap.String("error_code", string(ec)))
			}
		}
		fields = append(fields, traceFields(c.Request.Context())...)

		switch {
		case status >= 500:
			log.Error("Request failed", fields...)
		case status >= 400:
			log.Warn("Request rejected", fields...)
		default:
			log.Info("Request completed", fields...)
		}
	}
}

// WithTraceContext tags log with the active span's IDs, if any
func WithTraceContext(log *zap.Logger, ctx context.Context) *zap.Logger {
	if fields := traceFields(ctx); len(fields) > 0 {
		return log.With(fields...)
	}
	return log
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
