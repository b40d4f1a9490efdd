package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/books-store/pkg/logger"
	pkgredis "github.com/prohmpiriya/books-store/pkg/redis"
	"github.com/prohmpiriya/books-store/pkg/response"
	"github.com/prohmpiriya/books-store/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// tokenBucketScript refills and takes one token atomically.
//
// KEYS[1] bucket, ARGV[1] rate/s, ARGV[2] burst, ARGV[3] now (fractional seconds)
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "last_update")
local tokens = tonumber(data[1]) or burst
local last_update = tonumber(data[2]) or now

local elapsed = math.max(0, now - last_update)
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_update", tostring(now))
redis.call("EXPIRE", key, 60)
return {allowed, math.floor(tokens)}
`

// EndpointLimit overrides the default rate for matching requests
type EndpointLimit struct {
	// PathPattern supports * and :param for one segment and a trailing ** for the rest
	PathPattern string
	// Methods this limit applies to (empty = all methods)
	Methods []string
	// Suffix lets the pattern match the trailing segments of the path,
	// so the limit still applies behind a routing prefix such as /api/v1
	Suffix            bool
	RequestsPerSecond int
	BurstSize         int
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Default rate per second per client IP (0 = unlimited)
	RequestsPerSecond int
	BurstSize         int
	// Endpoints are checked in order, first match wins
	Endpoints []EndpointLimit
	// RedisClient enables the shared bucket; nil keeps every bucket in memory
	RedisClient *pkgredis.Client
	KeyPrefix   string
	// Cleanup interval and idle TTL of in-memory buckets
	CleanupInterval time.Duration
	EntryTTL        time.Duration
	Now             func() time.Time
}

// DefaultEndpointLimits keeps credential endpoints well below the default rate
func DefaultEndpointLimits() []EndpointLimit {
	return []EndpointLimit{
		{PathPattern: "/users/login", Methods: []string{http.MethodPost}, Suffix: true, RequestsPerSecond: 5, BurstSize: 10},
		{PathPattern: "/users/register", Methods: []string{http.MethodPost}, Suffix: true, RequestsPerSecond: 2, BurstSize: 5},
		{PathPattern: "/tokens/refresh", Methods: []string{http.MethodPost}, Suffix: true, RequestsPerSecond: 10, BurstSize: 20},
	}
}

// bucket tracks one client's tokens
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

// LocalRateLimiter implements in-memory token bucket rate limiting
type LocalRateLimiter struct {
	rps     int
	burst   int
	now     func() time.Time
	entries sync.Map

	totalAllowed  uint64
	totalRejected uint64
}

func newLocalRateLimiter(rps, burst int, now func() time.Time) *LocalRateLimiter {
	return &LocalRateLimiter{rps: rps, burst: burst, now: now}
}

// Allow takes a token for key and returns what is left
func (rl *LocalRateLimiter) Allow(key string) (bool, float64) {
	now := rl.now()

	entry, _ := rl.entries.LoadOrStore(key, &bucket{tokens: float64(rl.burst), lastUpdate: now})
	b := entry.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = min(float64(rl.burst), b.tokens+elapsed*float64(rl.rps))
		b.lastUpdate = now
	}

	if b.tokens >= 1 {
		b.tokens--
		atomic.AddUint64(&rl.totalAllowed, 1)
		return true, b.tokens
	}

	atomic.AddUint64(&rl.totalRejected, 1)
	return false, b.tokens
}

// Stats returns allowed and rejected counts
func (rl *LocalRateLimiter) Stats() (allowed, rejected uint64) {
	return atomic.LoadUint64(&rl.totalAllowed), atomic.LoadUint64(&rl.totalRejected)
}

// evict drops buckets idle since before cutoff
func (rl *LocalRateLimiter) evict(cutoff time.Time) {
	rl.entries.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if b.lastUpdate.Before(cutoff) {
			rl.entries.Delete(key)
		}
		b.mu.Unlock()
		return true
	})
}

// RateLimiter applies per-endpoint token buckets keyed by client IP. Buckets
// live in Redis when a client is configured; a Redis failure falls back to
// the in-memory bucket for that request.
type RateLimiter struct {
	config RateLimitConfig
	redis  *pkgredis.Client
	log    *logger.Logger

	mu     sync.Mutex
	locals map[string]*LocalRateLimiter
	stop   chan struct{}
	once   sync.Once
}

// NewRateLimiter creates a limiter and starts its cleanup loop
func NewRateLimiter(config RateLimitConfig, log *logger.Logger) *RateLimiter {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ratelimit:"
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if config.EntryTTL <= 0 {
		config.EntryTTL = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	rl := &RateLimiter{
		config: config,
		redis:  config.RedisClient,
		log:    logger.OrDefault(log).Named("rate_limiter"),
		locals: make(map[string]*LocalRateLimiter),
		stop:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := rl.config.Now().Add(-rl.config.EntryTTL)
			rl.mu.Lock()
			locals := make([]*LocalRateLimiter, 0, len(rl.locals))
			for _, l := range rl.locals {
				locals = append(locals, l)
			}
			rl.mu.Unlock()
			for _, l := range locals {
				l.evict(cutoff)
			}
		case <-rl.stop:
			return
		}
	}
}

// local returns the in-memory limiter for one rate configuration
func (rl *RateLimiter) local(rps, burst int) *LocalRateLimiter {
	key := fmt.Sprintf("%d:%d", rps, burst)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.locals[key]
	if !ok {
		l = newLocalRateLimiter(rps, burst, rl.config.Now)
		rl.locals[key] = l
	}
	return l
}

// limitFor returns the rate of the first matching endpoint, or the default
func (rl *RateLimiter) limitFor(method, path string) (int, int) {
	for _, e := range rl.config.Endpoints {
		matched := matchPath(e.PathPattern, path)
		if !matched && e.Suffix {
			matched = matchSuffix(e.PathPattern, path)
		}
		if matched && containsMethod(e.Methods, method) {
			return e.RequestsPerSecond, e.BurstSize
		}
	}
	return rl.config.RequestsPerSecond, rl.config.BurstSize
}

// allowRedis runs the shared bucket script
func (rl *RateLimiter) allowRedis(ctx context.Context, key string, rps, burst int) (bool, float64, error) {
	now := float64(rl.config.Now().UnixNano()) / 1e9

	values, err := rl.redis.EvalWithFallback(ctx, "rate_limit", tokenBucketScript,
		[]string{rl.config.KeyPrefix + key}, rps, burst, now).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(values) < 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply length: %d", len(values))
	}

	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	return allowed == 1, float64(remaining), nil
}

// Middleware returns the gin handler
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := telemetry.StartSpan(c.Request.Context(), "middleware.rate_limiter")
		defer span.End()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rps, burst := rl.limitFor(c.Request.Method, path)

		clientIP := c.ClientIP()
		span.SetAttributes(
			attribute.String("client_ip", clientIP),
			attribute.String("path", path),
			attribute.Int("rps", rps),
			attribute.Int("burst", burst),
		)

		if rps <= 0 {
			c.Next()
			return
		}

		key := fmt.Sprintf("%s:%d:%d", clientIP, rps, burst)
		var (
			allowed   bool
			remaining float64
		)
		if rl.redis != nil {
			var err error
			allowed, remaining, err = rl.allowRedis(ctx, key, rps, burst)
			if err != nil {
				rl.log.Warn("Redis rate limit failed, using local bucket", zap.Error(err))
				allowed, remaining = rl.local(rps, burst).Allow(key)
			}
		} else {
			allowed, remaining = rl.local(rps, burst).Allow(key)
		}
		span.SetAttributes(attribute.Bool("allowed", allowed))

		c.Header("X-RateLimit-Limit", strconv.Itoa(rps))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(0, int(remaining))))
		c.Header("X-RateLimit-Burst", strconv.Itoa(burst))

		if !allowed {
			span.SetStatus(codes.Error, "rate limit exceeded")

			retryAfter := 1
			if need := 1.0 - remaining; need > 0 {
				retryAfter = max(1, int(need/float64(rps)))
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			response.Abort(c, http.StatusTooManyRequests,
				"Rate limit exceeded. Please retry after "+strconv.Itoa(retryAfter)+" second(s).")
			return
		}

		c.Next()
	}
}

// matchPath checks if a request path matches a pattern.
// * and :param match one segment, a trailing ** matches the rest.
func matchPath(pattern, path string) bool {
	if pattern == path {
		return true
	}

	patternParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	pi := 0
	for i := 0; i < len(pathParts); i++ {
		if pi >= len(patternParts) {
			return false
		}

		part := patternParts[pi]
		if part == "**" {
			return true
		}
		if part != "*" && !strings.HasPrefix(part, ":") && part != pathParts[i] {
			return false
		}
		pi++
	}

	return pi == len(patternParts)
}

// matchSuffix checks if the pattern matches some trailing run of path segments
func matchSuffix(pattern, path string) bool {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if matchPath(pattern, strings.Join(parts[i:], "/")) {
			return true
		}
	}
	return false
}

// containsMethod checks if a method is in the list (empty list matches all)
func containsMethod(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
