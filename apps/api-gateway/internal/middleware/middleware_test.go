package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/redis/redistest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID_GeneratesNew(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())

	var forwarded string
	r.GET("/test", func(c *gin.Context) {
		forwarded = c.Request.Header.Get(RequestIDHeader)
		c.String(http.StatusOK, GetRequestID(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	headerID := w.Header().Get(RequestIDHeader)
	require.NotEmpty(t, headerID)
	assert.Equal(t, headerID, w.Body.String())
	assert.Equal(t, headerID, forwarded, "generated id must travel upstream")
}

func TestRequestID_UsesExisting(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "existing-request-id-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "existing-request-id-123", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "existing-request-id-123", w.Body.String())
}

func TestGetRequestID_Unset(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, GetRequestID(c))
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := &logger.Logger{Logger: zap.New(core)}

	r := gin.New()
	r.Use(RequestID(), Logger(log))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, path := range []string{"/ok?page=1", "/missing", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "access", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/ok", fields["path"])
	assert.Equal(t, "page=1", fields["query"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.NotEmpty(t, fields["request_id"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

// clock is a manually advanced time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimitedRouter(t *testing.T, cfg RateLimitConfig) *gin.Engine {
	t.Helper()
	rl := NewRateLimiter(cfg, logger.Nop())
	t.Cleanup(rl.Stop)

	r := gin.New()
	r.Use(rl.Middleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/catalog/items", ok)
	r.POST("/users/login", ok)
	r.POST("/api/v1/users/login", ok)
	return r
}

func hit(r *gin.Engine, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_LocalBucket(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	r := newLimitedRouter(t, RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2, Now: clk.Now})

	w := hit(r, http.MethodGet, "/catalog/items", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Burst"))

	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/catalog/items", "").Code)

	w = hit(r, http.MethodGet, "/catalog/items", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded. Please retry after 1 second(s).", body.Detail)

	// another client has its own bucket
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/catalog/items", "198.51.100.2:1000").Code)

	clk.Advance(time.Second)
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/catalog/items", "").Code)
}

func TestRateLimiter_EndpointOverride(t *testing.T) {
	r := newLimitedRouter(t, RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         100,
		Endpoints:         DefaultEndpointLimits(),
	})

	w := hit(r, http.MethodPost, "/users/login", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Burst"))

	w = hit(r, http.MethodGet, "/catalog/items", "")
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))

	w = hit(r, http.MethodPost, "/api/v1/users/login", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
}

func TestMatchSuffix(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/users/login", "/api/v1/users/login", true},
		{"/users/login", "/v2/users/login/", true},
		{"/users/login", "/users/login", false},
		{"/users/login", "/api/v1/users/login/extra", false},
		{"/users/login", "/api/v1/admin-users/login", false},
		{"/catalog/:id", "/api/catalog/7", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchSuffix(tt.pattern, tt.path), "%s vs %s", tt.pattern, tt.path)
	}
}

func TestRateLimiter_Unlimited(t *testing.T) {
	r := newLimitedRouter(t, RateLimitConfig{})
	for i := 0; i < 20; i++ {
		w := hit(r, http.MethodGet, "/catalog/items", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimiter_RedisBucket(t *testing.T) {
	client, mr := redistest.New(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	r := newLimitedRouter(t, RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
		RedisClient:       client,
		Now:               clk.Now,
	})

	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/catalog/items", "").Code)
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/catalog/items", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, http.MethodGet, "/catalog/items", "").Code)

	assert.True(t, mr.Exists("ratelimit:192.0.2.1:1:2"))

	clk.Advance(time.Second)
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/catalog/items", "").Code)
}

func TestRateLimiter_FallsBackToLocalWhenRedisFails(t *testing.T) {
	client, mr := redistest.New(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	r := newLimitedRouter(t, RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		RedisClient:       client,
		Now:               clk.Now,
	})
	mr.Close()

	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/catalog/items", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, http.MethodGet, "/catalog/items", "").Code)
}

func TestLocalRateLimiter_StatsAndEvict(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	l := newLocalRateLimiter(1, 1, clk.Now)

	ok, _ := l.Allow("a")
	assert.True(t, ok)
	ok, _ = l.Allow("a")
	assert.False(t, ok)

	allowed, rejected := l.Stats()
	assert.Equal(t, uint64(1), allowed)
	assert.Equal(t, uint64(1), rejected)

	clk.Advance(time.Minute)
	l.evict(clk.Now().Add(-time.Second))
	_, found := l.entries.Load("a")
	assert.False(t, found)
}

func TestMatchPath(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/users/login", "/users/login", true},
		{"/users/login", "/users/logout", false},
		{"/catalog/*", "/catalog/7", true},
		{"/catalog/:id", "/catalog/7", true},
		{"/catalog/*", "/catalog/7/reviews", false},
		{"/catalog/**", "/catalog/7/reviews", true},
		{"/catalog/items", "/catalog", false},
		{"/users/login/", "users/login", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchPath(tt.pattern, tt.path), "%s vs %s", tt.pattern, tt.path)
	}
}

func TestContainsMethod(t *testing.T) {
	assert.True(t, containsMethod(nil, http.MethodDelete))
	assert.True(t, containsMethod([]string{"post"}, http.MethodPost))
	assert.False(t, containsMethod([]string{http.MethodPost}, http.MethodGet))
}
