// Package middleware holds gin middleware shared by HTTP surfaces.
package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// KeyFunc derives the ledger key and target for a request. An empty key skips
// the check.
type KeyFunc func(c *gin.Context) (string, ratelimit.Target)

// RateLimitOptions configures RateLimit.
type RateLimitOptions struct {
	Key      KeyFunc
	Cost     int  // Cost charged per request; zero uses the ledger default.
	FailOpen bool // Admit requests when the store cannot be reached.
}

// ClientIPKey keys requests by client IP.
func ClientIPKey(c *gin.Context) (string, ratelimit.Target) {
	ip := c.ClientIP()
	target := ratelimit.Target{
		Type:  ratelimit.TargetIP,
		Value: ip,
		Metadata: ratelimit.TargetMetadata{
			IP:        ip,
			UserAgent: c.Request.UserAgent(),
			Headers:   requestHeaders(c.Request.Header),
		},
	}
	return ratelimit.KeyFor(ratelimit.TargetIP, ip), target
}

// HeaderKey keys requests by the value of header, scoped as a user target.
// Requests without the header fall back to the client IP.
func HeaderKey(header string) KeyFunc {
	return func(c *gin.Context) (string, ratelimit.Target) {
		value := strings.TrimSpace(c.GetHeader(header))
		if value == "" {
			return ClientIPKey(c)
		}
		_, target := ClientIPKey(c)
		target.Type = ratelimit.TargetUser
		target.Value = value
		return ratelimit.KeyFor(ratelimit.TargetUser, value), target
	}
}

// RateLimit charges each request against the limiter. Denied requests get
// 429 with Retry-After while a block is active. When the store fails the
// request is admitted or refused with 503 according to FailOpen.
func RateLimit(limiter *ratelimit.Limiter, opts RateLimitOptions) gin.HandlerFunc {
	keyFn := opts.Key
	if keyFn == nil {
		keyFn = ClientIPKey
	}
	return func(c *gin.Context) {
		key, target := keyFn(c)
		if key == "" {
			c.Next()
			return
		}

		result, errCheck := limiter.Check(c.Request.Context(), key, target, opts.Cost)
		if errCheck != nil {
			entry := log.WithError(errCheck).WithField("key", key)
			if !errors.Is(errCheck, ratelimit.ErrStoreUnavailable) {
				entry.Error("rate limit: check failed")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			if opts.FailOpen {
				entry.Warn("rate limit: store unavailable, admitting request")
				c.Next()
				return
			}
			entry.Warn("rate limit: store unavailable, refusing request")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "rate limit unavailable"})
			return
		}

		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}
		if result.Allowed {
			c.Next()
			return
		}
		if wait := result.RetryAfter(limiter.Now()); wait > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(math.Ceil(wait.Seconds())), 10))
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":  "too many requests",
			"reason": string(result.Reason),
		})
	}
}

// requestHeaders flattens headers for bypass matching. Keys stay canonical.
func requestHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
