package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"sar_tracker/internal/relay"
	"sar_tracker/internal/skydio"
)

// StatusController exposes the per-vehicle relay state over HTTP so the
// incident command team can watch each drone's relay health independently.
type StatusController struct {
	Coordinator *relay.Coordinator
	Fleet       *skydio.Client // nil in simulation mode
}

// Health reports service liveness.
func (sc *StatusController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
}

// FleetStatus returns the relay state of every tracked vehicle.
func (sc *StatusController) FleetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"vehicles": sc.Coordinator.Snapshot()})
}

// VehicleStatus returns the relay state of one vehicle by serial.
func (sc *StatusController) VehicleStatus(c *gin.Context) {
	serial := c.Param("serial")
	state, ok := sc.Coordinator.Device(serial)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle is not tracked: " + serial})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vehicle": state})
}

// ReaddVehicle restarts tracking for a vehicle that went offline. This is
// the only path from offline back to initializing.
func (sc *StatusController) ReaddVehicle(c *gin.Context) {
	serial := c.Param("serial")
	if err := sc.Coordinator.AddVehicle(serial); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	logrus.WithFields(logrus.Fields{
		"serial":   serial,
		"operator": c.GetString("operator"),
	}).Info("Vehicle re-added via status API")
	c.JSON(http.StatusAccepted, gin.H{"serial": serial, "status": "initializing"})
}

// FleetVehicles proxies the upstream fleet listing, so operators can check
// which drones are online and streaming before re-adding one.
func (sc *StatusController) FleetVehicles(c *gin.Context) {
	if sc.Fleet == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Fleet API is not configured (simulation mode)"})
		return
	}
	vehicles, err := sc.Fleet.Vehicles(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Fleet lookup failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vehicles": vehicles})
}
