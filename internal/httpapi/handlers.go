package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"callback-scheduler/internal/auth"
	"callback-scheduler/internal/dispatch"
	"callback-scheduler/pkg/logger"
	"callback-scheduler/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: the scheduler does its real work in the dispatch loop,
// the admin API only observes it.

type Handlers struct {
	Loop  *dispatch.Loop
	DB    *sql.DB
	Redis *redis.Client
}

// Healthz is the liveness probe. It must not touch the database: a
// wedged pool should not cause the supervisor to restart-loop us.
func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports whether the backing stores are reachable.
func (h Handlers) Readyz(c *gin.Context) {
	ctx := c.Request.Context()

	if h.DB != nil {
		if err := utils.HealthCheck(ctx, h.DB, 2*time.Second); err != nil {
			logger.FromGin(c).Warn("readiness: postgres unreachable", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": "unreachable"})
			return
		}
	}
	if h.Redis != nil {
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			logger.FromGin(c).Warn("readiness: redis unreachable", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": "unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status returns a snapshot of loop activity.
func (h Handlers) Status(c *gin.Context) {
	if h.Loop == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "loop not configured"})
		return
	}
	c.JSON(http.StatusOK, h.Loop.Stats())
}

// NewRouter builds the admin API router. Probes are public, everything
// else requires a service token.
func NewRouter(h Handlers, authManager *auth.Manager, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw...)

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	v1 := r.Group("/v1")
	v1.Use(auth.RequireServiceToken(authManager))
	{
		v1.GET("/status", h.Status)
	}

	return r
}
