package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/idempotency"
)

// IdempotencyKeyHeader carries the caller's idempotency key
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotencyReplayedHeader marks a response served from a completed record
const IdempotencyReplayedHeader = "Idempotency-Replayed"

// Idempotency runs the rest of the chain through the coordinator when the
// request carries an Idempotency-Key header. Only 2xx responses are recorded;
// anything else releases the key so the client can retry.
func Idempotency(coord *idempotency.Coordinator, step string) gin.HandlerFunc {
	return IdempotencyWithKey(coord, step, func(c *gin.Context) string {
		return c.GetHeader(IdempotencyKeyHeader)
	})
}

// IdempotencyWithKey is Idempotency with a custom key source, such as a
// provider delivery ID header
func IdempotencyWithKey(coord *idempotency.Coordinator, step string, keyFn func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			c.Next()
			return
		}

		original := c.Writer
		resp, err := coord.Execute(c.Request.Context(), key, step, func(ctx context.Context) (*idempotency.Response, error) {
			capture := &captureWriter{ResponseWriter: original, status: 200}
			c.Writer = capture
			// A panicking handler must leave the real writer in place for recovery
			defer func() { c.Writer = original }()
			c.Next()

			resp := &idempotency.Response{
				Status:      capture.status,
				Body:        capture.body.Bytes(),
				ContentType: original.Header().Get("Content-Type"),
			}
			if resp.Status < 200 || resp.Status > 299 {
				return resp, &handlerStatusError{status: resp.Status}
			}
			return resp, nil
		})

		var statusErr *handlerStatusError
		if err != nil && !errors.As(err, &statusErr) {
			c.Writer = original
			apperrors.HandleError(c, err)
			return
		}

		c.Abort()
		if resp.Replayed {
			c.Header(IdempotencyReplayedHeader, "true")
			if resp.ContentType != "" {
				c.Header("Content-Type", resp.ContentType)
			}
		}
		c.Status(resp.Status)
		_, _ = c.Writer.Write(resp.Body)
	}
}

// handlerStatusError marks a non-2xx handler response that must not be recorded
type handlerStatusError struct {
	status int
}

func (e *handlerStatusError) Error() string {
	return fmt.Sprintf("handler responded with status %d", e.status)
}

// captureWriter buffers a handler's response so it can be recorded before
// being written to the client
type captureWriter struct {
	gin.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if code > 0 {
		w.status = code
	}
}

func (w *captureWriter) WriteHeaderNow() {}

func (w *captureWriter) Write(b []byte) (int, error) {
	return w.body.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	return w.body.WriteString(s)
}

func (w *captureWriter) Status() int {
	return w.status
}

func (w *captureWriter) Size() int {
	return w.body.Len()
}

func (w *captureWriter) Written() bool {
	return w.body.Len() > 0
}
