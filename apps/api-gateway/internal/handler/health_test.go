package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubChecker struct{ err error }

func (s stubChecker) HealthCheck(context.Context) error { return s.err }

func serve(t *testing.T, h *HealthHandler, path string) (int, map[string]interface{}) {
	t.Helper()
	r := gin.New()
	RegisterRoutes(r, h, func(c *gin.Context) { c.Status(http.StatusTeapot) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealth(t *testing.T) {
	code, body := serve(t, NewHealthHandler(nil, nil), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "api-gateway", body["service"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestReady(t *testing.T) {
	allUp := func(context.Context) map[string]bool {
		return map[string]bool{"http://authorizer:8000": true, "http://catalog:8000": true}
	}
	catalogDown := func(context.Context) map[string]bool {
		return map[string]bool{"http://authorizer:8000": true, "http://catalog:8000": false}
	}

	tests := []struct {
		name      string
		redis     HealthChecker
		upstreams UpstreamProber
		code      int
		status    string
		redisText string
	}{
		{"all up", stubChecker{}, allUp, http.StatusOK, "ready", "connected"},
		{"redis down", stubChecker{err: errors.New("dial tcp: refused")}, allUp, http.StatusServiceUnavailable, "not_ready", "disconnected"},
		{"upstream down", stubChecker{}, catalogDown, http.StatusServiceUnavailable, "not_ready", "connected"},
		{"nothing configured", nil, nil, http.StatusOK, "ready", "not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := serve(t, NewHealthHandler(tt.redis, tt.upstreams), "/ready")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, body["status"])

			components := body["components"].(map[string]interface{})
			assert.Equal(t, tt.redisText, components["redis"])
			if tt.upstreams != nil {
				upstreams := components["upstreams"].(map[string]interface{})
				assert.Equal(t, "up", upstreams["http://authorizer:8000"])
			}
		})
	}
}

func TestRoutes_UnmatchedGoesToProxy(t *testing.T) {
	r := gin.New()
	RegisterRoutes(r, NewHealthHandler(nil, nil), func(c *gin.Context) { c.Status(http.StatusTeapot) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/catalog/items/1", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}
