package handler

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the gateway's own endpoints and sends everything
// else to proxy
func RegisterRoutes(r *gin.Engine, health *HealthHandler, proxy gin.HandlerFunc) {
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)
	r.NoRoute(proxy)
}
