// Package middleware holds the gin middleware of the gateway: rate
// limiting and CORS.
package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lmrouter/claude-gateway/internal/api/handlers"
	"github.com/lmrouter/claude-gateway/internal/ratelimit"
)

// RateLimit enforces the sliding-window limiter on the routes it wraps.
// Every response carries the X-RateLimit-* headers; denials get 429 with
// Retry-After set.
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ratelimit.ClientKey(c.Request)
		res := limiter.Check(key)

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
			handlers.WriteError(c, http.StatusTooManyRequests, handlers.TypeRateLimit,
				"rate limit exceeded", "rate_limited",
				map[string]int{"retry_after": res.RetryAfter})
			c.Abort()
			return
		}
		c.Next()
	}
}
