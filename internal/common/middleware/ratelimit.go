package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/ratelimit"
)

// IdentityFunc extracts the rate limit identity from a request
type IdentityFunc func(c *gin.Context) string

// ClientIPIdentity keys the limiter on the client IP
func ClientIPIdentity(c *gin.Context) string {
	return c.ClientIP()
}

// skipPaths are paths exempt from rate limiting
var skipPaths = map[string]struct{}{
	"/health":      {},
	"/health/live": {},
	"/metrics":     {},
	"/ready":       {},
}

// RateLimit applies the limiter's rule for category to every request on the
// route. Limited requests are held for the rule's soft ban delay before the
// 429 is written; a client disconnect ends the wait early.
func RateLimit(limiter *ratelimit.Limiter, category string, identity IdentityFunc, logger *zap.Logger) gin.HandlerFunc {
	if identity == nil {
		identity = ClientIPIdentity
	}
	return func(c *gin.Context) {
		if _, skip := skipPaths[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		res, err := limiter.Allow(c.Request.Context(), identity(c), category)
		if res != nil && !res.FailOpen && res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if err == nil {
			c.Next()
			return
		}

		if res != nil && res.SoftBanDelay > 0 {
			softDelay(c, res.SoftBanDelay)
		}
		if apperrors.IsErrorCode(err, apperrors.ErrRateLimit) {
			logger.Debug("Request rate limited",
				zap.String("category", category),
				zap.String("path", c.Request.URL.Path))
		}
		apperrors.HandleError(c, err)
	}
}

func softDelay(c *gin.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.Request.Context().Done():
	}
}
