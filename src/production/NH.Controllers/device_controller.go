package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

// LivenessReader is satisfied by *liveness.Tracker
type LivenessReader interface {
	Snapshot() []nhmodels.DeviceLiveness
	Get(deviceID string) (nhmodels.DeviceLiveness, bool)
}

// DeviceController exposes the in-memory liveness view
type DeviceController struct {
	liveness LivenessReader
	logger   *logger.Logger
	auth     gin.HandlerFunc
}

// NewDeviceController creates a device controller; every route goes through
// authMiddleware.
func NewDeviceController(liveness LivenessReader, logger *logger.Logger, authMiddleware gin.HandlerFunc) *DeviceController {
	return &DeviceController{
		liveness: liveness,
		logger:   logger,
		auth:     authMiddleware,
	}
}

func (c *DeviceController) RegisterRoutes(router gin.IRouter) {
	devices := router.Group("/api/devices", c.auth)
	devices.GET("/status", c.ListStatus)
	devices.GET("/:id/status", c.GetStatus)
}

func (c *DeviceController) ListStatus(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"devices": c.liveness.Snapshot(),
	})
}

// GetStatus reports unknown devices as offline with no lastSeen
func (c *DeviceController) GetStatus(ctx *gin.Context) {
	id := ctx.Param("id")
	entry, ok := c.liveness.Get(id)
	if !ok {
		entry = nhmodels.DeviceLiveness{DeviceID: id, Status: nhmodels.DeviceOffline}
	}
	ctx.JSON(http.StatusOK, entry)
}
