package routes

import (
	"github.com/gin-gonic/gin"

	"sar_tracker/internal/controllers"
	"sar_tracker/internal/middleware"
)

// StatusRoutes wires the relay status endpoints. Reads are open; the re-add
// action mutates the tracked set and requires an operator token.
func StatusRoutes(r *gin.Engine, sc *controllers.StatusController) {
	r.GET("/health", sc.Health)

	fleet := r.Group("/api/v1/fleet")
	{
		fleet.GET("/status", sc.FleetStatus)
		fleet.GET("/status/:serial", sc.VehicleStatus)
		fleet.GET("/vehicles", sc.FleetVehicles)
		fleet.POST("/vehicles/:serial/readd", middleware.RequireAuth(), sc.ReaddVehicle)
	}
}
