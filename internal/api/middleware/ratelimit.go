package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vehicle-guard/internal/metrics"
	"vehicle-guard/pkg/log"
	"vehicle-guard/pkg/ratelimit"
)

// DeviceIDHeader optionally names the reporting vehicle so its bucket is
// independent of the network it reports from.
const DeviceIDHeader = "X-Device-Id"

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// DeviceKey identifies a reporting device: the declared vehicle id, then the
// device key, then the client address.
func DeviceKey(c *gin.Context) string {
	if id := c.GetHeader(DeviceIDHeader); id != "" {
		return "device:" + id
	}
	if key := c.GetHeader(DeviceKeyHeader); key != "" {
		return "key:" + key
	}
	return "ip:" + c.ClientIP()
}

// UserKey charges authenticated requests to the user and anonymous ones to
// the client address.
func UserKey(c *gin.Context) string {
	if claims, ok := ClaimsFrom(c); ok && claims.UserID != "" {
		return "user:" + claims.UserID
	}
	return "ip:" + c.ClientIP()
}

// RateLimitMiddleware charges each request to keyFunc's bucket in category.
// A limiter failure lets the request through.
func RateLimitMiddleware(limiter ratelimit.RateLimiter, category string, keyFunc KeyFunc) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = UserKey
	}

	return func(c *gin.Context) {
		decision, err := limiter.Allow(c.Request.Context(), keyFunc(c), category)
		if err != nil {
			log.Warn("Rate limiter unavailable, admitting request", "category", category, "error", err)
			c.Header("X-RateLimit-Error", "Rate limiter unavailable")
			c.Next()
			return
		}

		setRateLimitHeaders(c, decision)

		if !decision.Allowed {
			metrics.RateLimited.WithLabelValues(category).Inc()
			retryAfter := retrySeconds(decision)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"message":    fmt.Sprintf("Too many requests. Try again in %ds", retryAfter),
				"error":      "rate limit exceeded",
				"retryAfter": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit.RequestsPerMinute))
	c.Header("X-RateLimit-Burst", strconv.Itoa(d.Limit.BurstSize))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed {
		c.Header("Retry-After", strconv.Itoa(retrySeconds(d)))
	}
}

func retrySeconds(d ratelimit.Decision) int {
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
