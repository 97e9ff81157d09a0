package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/dca_service/pkg/logger"
	"github.com/rail-service/dca_service/pkg/ratelimit"
)

// LimitChecker evaluates a request against tiered limits
type LimitChecker interface {
	Check(ctx context.Context, ip, userID, endpoint string) (*ratelimit.CheckResult, error)
}

// TieredRateLimiting applies multi-tier rate limiting keyed by client IP,
// caller identity and route. Limiter failures let the request through.
func TieredRateLimiting(limiter LimitChecker, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		userID := c.GetString("user_id")
		endpoint := c.Request.Method + " " + c.FullPath()

		result, err := limiter.Check(c.Request.Context(), ip, userID, endpoint)
		if err != nil {
			log.Error("Rate limit check failed", "error", err, "endpoint", endpoint)
			c.Next()
			return
		}

		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", result.ResetAt.UTC().Format(time.RFC3339))
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "RATE_LIMITED",
				"message":     "Rate limit exceeded",
				"limited_by":  result.LimitedBy,
				"retry_after": retryAfter,
				"request_id":  c.GetString("request_id"),
			})
			c.Abort()
			return
		}

		if result.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		}

		c.Next()
	}
}
