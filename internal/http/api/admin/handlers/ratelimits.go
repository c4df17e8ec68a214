package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// RateLimitHandler exposes ledger inspection and operator overrides.
type RateLimitHandler struct {
	limiter *ratelimit.Limiter // Limiter shared with the request middleware.
}

// NewRateLimitHandler constructs a rate limit handler.
func NewRateLimitHandler(limiter *ratelimit.Limiter) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

// checkRequest captures the payload for an admission check.
type checkRequest struct {
	Key    string            `json:"key"`    // Ledger key; derived from target when empty.
	Cost   int               `json:"cost"`   // Cost to charge; zero uses the ledger default.
	Target *ratelimit.Target `json:"target"` // Optional requester description.
}

// checkResponse reports the admission decision.
type checkResponse struct {
	Allowed    bool             `json:"allowed"`
	Reason     ratelimit.Reason `json:"reason"`
	Remaining  int              `json:"remaining"`
	Limit      int              `json:"limit"`
	BlockUntil *time.Time       `json:"blockUntil,omitempty"`
	RetryAfter int64            `json:"retryAfterSeconds,omitempty"`
}

// Check charges cost against a key and returns the decision.
func (h *RateLimitHandler) Check(c *gin.Context) {
	var body checkRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Cost < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cost must not be negative"})
		return
	}

	var target ratelimit.Target
	if body.Target != nil {
		target = *body.Target
	}
	key := strings.TrimSpace(body.Key)
	if key == "" {
		key = ratelimit.KeyFor(target.Type, target.Value)
	}
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key or target is required"})
		return
	}

	result, errCheck := h.limiter.Check(c.Request.Context(), key, target, body.Cost)
	if errCheck != nil {
		writeRateLimitError(c, errCheck)
		return
	}
	resp := checkResponse{
		Allowed:    result.Allowed,
		Reason:     result.Reason,
		Remaining:  result.Remaining,
		Limit:      result.Limit,
		BlockUntil: result.BlockUntil,
	}
	if wait := result.RetryAfter(h.limiter.Now()); wait > 0 {
		resp.RetryAfter = int64(math.Ceil(wait.Seconds()))
	}
	c.JSON(http.StatusOK, resp)
}

// Search lists ledgers matching the query filters.
func (h *RateLimitHandler) Search(c *gin.Context) {
	filter := ratelimit.Filter{
		Category:    ratelimit.Category(strings.TrimSpace(c.Query("category"))),
		TargetType:  ratelimit.TargetType(strings.TrimSpace(c.Query("target_type"))),
		TargetValue: strings.TrimSpace(c.Query("target_value")),
		Status:      ratelimit.Status(strings.TrimSpace(c.Query("status"))),
		Tag:         strings.TrimSpace(c.Query("tag")),
	}
	limit, offset, ok := parsePaging(c)
	if !ok {
		return
	}
	filter.Limit, filter.Offset = limit, offset

	views, errSearch := h.limiter.Search(c.Request.Context(), filter)
	if errSearch != nil {
		writeRateLimitError(c, errSearch)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledgers": views})
}

// Get returns one ledger view.
func (h *RateLimitHandler) Get(c *gin.Context) {
	view, errGet := h.limiter.Get(c.Request.Context(), c.Param("key"))
	if errGet != nil {
		writeRateLimitError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, view)
}

// blockRequest captures an operator block.
type blockRequest struct {
	Duration int `json:"duration"` // Seconds; zero uses the policy block duration.
}

// Block holds a key blocked.
func (h *RateLimitHandler) Block(c *gin.Context) {
	var body blockRequest
	if c.Request.ContentLength != 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if body.Duration < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration must not be negative"})
		return
	}
	view, errBlock := h.limiter.Block(c.Request.Context(), c.Param("key"), time.Duration(body.Duration)*time.Second)
	if errBlock != nil {
		writeRateLimitError(c, errBlock)
		return
	}
	log.WithFields(log.Fields{"key": view.Key, "admin": c.GetString(ContextAdminSubject)}).Info("rate limit: key blocked")
	c.JSON(http.StatusOK, view)
}

// Unblock lifts a block.
func (h *RateLimitHandler) Unblock(c *gin.Context) {
	view, errUnblock := h.limiter.Unblock(c.Request.Context(), c.Param("key"))
	if errUnblock != nil {
		writeRateLimitError(c, errUnblock)
		return
	}
	log.WithFields(log.Fields{"key": view.Key, "admin": c.GetString(ContextAdminSubject)}).Info("rate limit: key unblocked")
	c.JSON(http.StatusOK, view)
}

// Reset zeroes consumption for a key.
func (h *RateLimitHandler) Reset(c *gin.Context) {
	view, errReset := h.limiter.Reset(c.Request.Context(), c.Param("key"))
	if errReset != nil {
		writeRateLimitError(c, errReset)
		return
	}
	c.JSON(http.StatusOK, view)
}

func writeRateLimitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "ledger not found"})
	case errors.Is(err, ratelimit.ErrInvalidPolicy):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ratelimit.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent update, retry"})
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		log.WithError(err).Warn("rate limit: store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limit store unavailable"})
	default:
		log.WithError(err).Error("rate limit: request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

const maxPageLimit = 500

// parsePaging reads limit and offset query parameters, answering 400 itself
// when they are malformed.
func parsePaging(c *gin.Context) (int, int, bool) {
	limit, offset := 100, 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return 0, 0, false
		}
		limit = parsed
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}
