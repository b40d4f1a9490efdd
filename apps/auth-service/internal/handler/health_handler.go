package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthChecker is anything that can report its own reachability
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler handles health check HTTP requests
type HealthHandler struct {
	service string
	deps    map[string]HealthChecker
}

// NewHealthHandler creates a new HealthHandler over named dependencies
func NewHealthHandler(service string, deps map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{service: service, deps: deps}
}

// Health returns basic health status
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": h.service,
	})
}

// Ready checks every dependency
// GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ready", "service": h.service}

	for name, dep := range h.deps {
		if dep == nil {
			continue
		}
		if err := dep.HealthCheck(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "not_ready"
			body[name] = "disconnected"
			continue
		}
		body[name] = "connected"
	}

	c.JSON(status, body)
}
