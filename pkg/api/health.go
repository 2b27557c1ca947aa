package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// HealthController serves liveness and metrics.
type HealthController struct {
	health  HealthChecker
	metrics *telemetry.Metrics
}

// NewHealthController creates a health controller. Both arguments may be nil.
func NewHealthController(health HealthChecker, metrics *telemetry.Metrics) *HealthController {
	return &HealthController{health: health, metrics: metrics}
}

func (h *HealthController) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.Check)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
}

// Check reports whether the store is reachable.
func (h *HealthController) Check(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := h.health.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "error",
				"message": err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
