package routes

import (
	ginlog "github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"

	"sar_tracker/internal/controllers"
)

// SetupRouter assembles the status API.
func SetupRouter(sc *controllers.StatusController) *gin.Engine {
	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Request logging middleware
	r.Use(ginlog.SetLogger())

	StatusRoutes(r, sc)

	return r
}
