package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TrafficGovernor/internal/http/api/admin/permissions"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
	"github.com/router-for-me/TrafficGovernor/internal/webhook"
)

// Context keys set by the admin auth middleware.
const (
	ContextAdminSubject     = "adminSubject"
	ContextAdminPermissions = "adminPermissions"
	ContextAdminIsSuper     = "adminIsSuperAdmin"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports process and dependency health.
type HealthHandler struct {
	checks map[string]Pinger // Named dependencies pinged by Healthz.
}

// NewHealthHandler constructs a health handler over named dependencies.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

const healthCheckTimeout = 2 * time.Second

// Healthz answers 200 when every dependency responds and 503 otherwise.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if errPing := check.Ping(ctx); errPing != nil {
			deps[name] = errPing.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}

// MetricsHandler exposes dispatcher and limiter counters.
type MetricsHandler struct {
	dispatcher *webhook.Dispatcher
	limiter    *ratelimit.Limiter
}

// NewMetricsHandler constructs a metrics handler.
func NewMetricsHandler(dispatcher *webhook.Dispatcher, limiter *ratelimit.Limiter) *MetricsHandler {
	return &MetricsHandler{dispatcher: dispatcher, limiter: limiter}
}

// Webhooks returns dispatcher-wide delivery counters.
func (h *MetricsHandler) Webhooks(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Stats())
}

// RateLimits returns limiter-wide check counters.
func (h *MetricsHandler) RateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, h.limiter.Counters())
}

// PermissionHandler lists the permission keys tokens may carry.
type PermissionHandler struct{}

// NewPermissionHandler constructs a permission handler.
func NewPermissionHandler() *PermissionHandler {
	return &PermissionHandler{}
}

// List returns every permission definition.
func (h *PermissionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"permissions": permissions.Definitions()})
}
