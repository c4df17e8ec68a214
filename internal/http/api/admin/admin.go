package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TrafficGovernor/internal/config"
	handlers "github.com/router-for-me/TrafficGovernor/internal/http/api/admin/handlers"
	"github.com/router-for-me/TrafficGovernor/internal/http/api/admin/permissions"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
	"github.com/router-for-me/TrafficGovernor/internal/security"
	"github.com/router-for-me/TrafficGovernor/internal/webhook"
)

// HeaderAPIKey carries a static admin API key.
const HeaderAPIKey = "X-API-Key"

// Deps are the services the admin routes operate on.
type Deps struct {
	Limiter    *ratelimit.Limiter
	Dispatcher *webhook.Dispatcher
	JWT        config.JWTConfig
	APIKeys    []string                   // bcrypt hashes of static admin keys.
	Health     map[string]handlers.Pinger // Dependencies pinged by /healthz.
	RateLimit  gin.HandlerFunc            // Optional admission check ahead of admin auth.
}

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.Limiter == nil || deps.Dispatcher == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.Health)
	r.GET("/healthz", healthHandler.Healthz)

	metricsHandler := handlers.NewMetricsHandler(deps.Dispatcher, deps.Limiter)
	r.GET("/v0/metrics/webhooks", metricsHandler.Webhooks)
	r.GET("/v0/metrics/ratelimits", metricsHandler.RateLimits)

	authed := r.Group("/v0/admin")
	if deps.RateLimit != nil {
		authed.Use(deps.RateLimit)
	}
	authed.Use(adminAuthMiddleware(deps.JWT, deps.APIKeys))
	authed.Use(adminPermissionMiddleware())

	rateLimitHandler := handlers.NewRateLimitHandler(deps.Limiter)
	authed.POST("/ratelimits/check", rateLimitHandler.Check)
	authed.GET("/ratelimits", rateLimitHandler.Search)
	authed.GET("/ratelimits/:key", rateLimitHandler.Get)
	authed.POST("/ratelimits/:key/block", rateLimitHandler.Block)
	authed.POST("/ratelimits/:key/unblock", rateLimitHandler.Unblock)
	authed.POST("/ratelimits/:key/reset", rateLimitHandler.Reset)

	webhookHandler := handlers.NewWebhookHandler(deps.Dispatcher)
	authed.POST("/webhooks", webhookHandler.Create)
	authed.GET("/webhooks", webhookHandler.List)
	authed.GET("/webhooks/:id", webhookHandler.Get)
	authed.PUT("/webhooks/:id", webhookHandler.Update)
	authed.DELETE("/webhooks/:id", webhookHandler.Delete)
	authed.POST("/webhooks/:id/suspend", webhookHandler.Suspend)
	authed.POST("/webhooks/:id/activate", webhookHandler.Activate)
	authed.POST("/webhooks/:id/rotate-secret", webhookHandler.RotateSecret)
	authed.POST("/webhooks/:id/flush", webhookHandler.Flush)
	authed.POST("/webhooks/:id/trigger", webhookHandler.Trigger)
	authed.GET("/webhooks/:id/deliveries", webhookHandler.Deliveries)
	authed.GET("/deliveries/:id", webhookHandler.Delivery)

	permissionHandler := handlers.NewPermissionHandler()
	authed.GET("/permissions", permissionHandler.List)
}

// adminAuthMiddleware accepts either a static API key or an admin JWT and
// loads the caller into the request context.
func adminAuthMiddleware(jwtCfg config.JWTConfig, apiKeyHashes []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey := strings.TrimSpace(c.GetHeader(HeaderAPIKey)); apiKey != "" {
			if !security.MatchAPIKey(apiKeyHashes, apiKey) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
				return
			}
			c.Set(handlers.ContextAdminSubject, "api-key")
			c.Set(handlers.ContextAdminPermissions, []string{})
			c.Set(handlers.ContextAdminIsSuper, true)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(handlers.ContextAdminSubject, claims.Subject)
		c.Set(handlers.ContextAdminPermissions, permissions.NormalizePermissions(claims.Permissions))
		c.Set(handlers.ContextAdminIsSuper, claims.IsSuperAdmin)
		c.Next()
	}
}

// adminPermissionMiddleware checks the route's permission key against the
// caller's permissions.
func adminPermissionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool(handlers.ContextAdminIsSuper) {
			c.Next()
			return
		}
		key := permissions.Key(c.Request.Method, c.FullPath())
		granted, _ := c.Get(handlers.ContextAdminPermissions)
		perms, _ := granted.([]string)
		if !permissions.HasPermission(perms, key) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied", "permission": key})
			return
		}
		c.Next()
	}
}
