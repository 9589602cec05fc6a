package guard

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"clinicguard/internal/limits"
	"clinicguard/internal/metrics"
)

// RateLimit returns a Gin middleware that applies the named fixed-window
// limiter per client IP. Allow-listed clients are never limited.
func (g *Guard) RateLimit(name string) gin.HandlerFunc {
	fw, ok := g.limiters[name]
	if !ok {
		panic(fmt.Sprintf("guard: unknown rate limiter %q", name))
	}
	return func(c *gin.Context) {
		if c.GetBool(AllowlistedKey) {
			c.Next()
			return
		}
		ip := c.GetString(ClientIPKey)
		if ip == "" {
			ip = c.ClientIP()
		}

		res, err := fw.Take(c.Request.Context(), ip)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("rate_limit").Inc()
			g.log.Errorw("Rate limit store failed, allowing request", "limiter", name, "ip", ip, "error", err)
			c.Next()
			return
		}

		now := g.now()
		setRateLimitHeaders(c, res, now)
		if !res.Allowed {
			retry := res.RetryAfter(now)
			metrics.RateLimited.WithLabelValues(name).Inc()
			g.log.Warnw("Rate limit exceeded",
				"limiter", name, "ip", ip, "path", c.Request.URL.Path, "retry_after", retry.String())
			c.Header("Retry-After", strconv.Itoa(int(retry/time.Second)))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "Too many requests, please try again later",
				"retryAfter": int(retry / time.Second),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, res limits.Result, now time.Time) {
	c.Header("RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("RateLimit-Reset", strconv.Itoa(int(res.RetryAfter(now)/time.Second)))
}
