package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker is anything that can report its own reachability
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// UpstreamProber reports the health of every upstream keyed by base URL
type UpstreamProber func(ctx context.Context) map[string]bool

// HealthHandler serves the gateway's own liveness and readiness
type HealthHandler struct {
	redis     HealthChecker
	upstreams UpstreamProber
	timeout   time.Duration
}

// NewHealthHandler creates a HealthHandler. Either dependency may be nil.
func NewHealthHandler(redis HealthChecker, upstreams UpstreamProber) *HealthHandler {
	return &HealthHandler{redis: redis, upstreams: upstreams, timeout: 3 * time.Second}
}

// Health returns basic health status
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "api-gateway",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready reports not_ready when Redis or any upstream is down
// GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	ready := true
	components := gin.H{}

	switch {
	case h.redis == nil:
		components["redis"] = "not configured"
	case h.redis.HealthCheck(ctx) != nil:
		components["redis"] = "disconnected"
		ready = false
	default:
		components["redis"] = "connected"
	}

	if h.upstreams != nil {
		upstreams := gin.H{}
		for base, ok := range h.upstreams(ctx) {
			if ok {
				upstreams[base] = "up"
			} else {
				upstreams[base] = "down"
				ready = false
			}
		}
		components["upstreams"] = upstreams
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "components": components})
}
