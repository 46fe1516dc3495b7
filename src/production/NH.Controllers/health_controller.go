package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
)

// HealthReporter is satisfied by *health.HealthChecker
type HealthReporter interface {
	GetHealthStatus(ctx context.Context) (map[string]interface{}, bool)
}

// HealthController handles health and metrics requests
type HealthController struct {
	health   HealthReporter
	gatherer prometheus.Gatherer
	logger   *logger.Logger
	timeout  time.Duration
}

// NewHealthController creates a new health controller
func NewHealthController(health HealthReporter, gatherer prometheus.Gatherer, logger *logger.Logger) *HealthController {
	return &HealthController{
		health:   health,
		gatherer: gatherer,
		logger:   logger,
		timeout:  3 * time.Second,
	}
}

// RegisterRoutes registers the health routes with Gin
func (c *HealthController) RegisterRoutes(router gin.IRouter) {
	router.GET("/health/live", c.HealthLive)
	router.GET("/health/ready", c.HealthReady)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})))
}

func (c *HealthController) HealthLive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (c *HealthController) HealthReady(ctx *gin.Context) {
	checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), c.timeout)
	defer cancel()

	status, ready := c.health.GetHealthStatus(checkCtx)
	if !ready {
		c.logger.Logger.Warn().Interface("checks", status["checks"]).Msg("Readiness check failed")
		ctx.JSON(http.StatusServiceUnavailable, status)
		return
	}
	ctx.JSON(http.StatusOK, status)
}
