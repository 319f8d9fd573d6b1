package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telecare-signaling/config"
	"github.com/mossy-p/telecare-signaling/internal/middleware"
)

// NewRouter wires the relay's HTTP surface.
func NewRouter(cfg *config.Config, hub *Hub) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(cfg.JWTSecret))
		api.GET("/presence/:identity", auth, hub.GetPresence)
		api.GET("/rooms/:room", auth, hub.GetRoom)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/signal", auth, hub.HandleSignaling)
	}

	return router
}
