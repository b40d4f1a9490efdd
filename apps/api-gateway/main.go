package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/books-store/apps/api-gateway/internal/handler"
	"github.com/prohmpiriya/books-store/apps/api-gateway/internal/middleware"
	"github.com/prohmpiriya/books-store/apps/api-gateway/internal/proxy"
	"github.com/prohmpiriya/books-store/pkg/config"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/response"
	pkgredis "github.com/prohmpiriya/books-store/pkg/redis"
	"github.com/prohmpiriya/books-store/pkg/session"
	"github.com/prohmpiriya/books-store/pkg/telemetry"
	"github.com/prohmpiriya/books-store/pkg/token"
	"go.uber.org/zap"
)

const serviceName = "api-gateway"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.App.LogLevel,
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting API Gateway...", zap.String("environment", cfg.App.Environment))

	ctx := context.Background()

	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		appLog.Warn("Tracing disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	// The gateway only verifies; it never holds the private key
	keys, err := token.LoadPublicKey(cfg.JWT.PublicKeyPath)
	if err != nil {
		appLog.Fatal("Failed to load public key", zap.Error(err))
	}
	tokens, err := token.New(&token.Config{
		AccessTTL:  cfg.JWT.AccessTTL(),
		RefreshTTL: cfg.JWT.RefreshTTL(),
	}, keys, nil, appLog)
	if err != nil {
		appLog.Fatal("Failed to create token verifier", zap.Error(err))
	}

	redisClient, err := pkgredis.NewClient(ctx, &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		MaxRetries:    3,
		RetryInterval: time.Second,
	}, appLog)
	if err != nil {
		appLog.Fatal("Redis connection failed", zap.Error(err))
	}
	defer redisClient.Close()

	sessions := session.NewRedisStore(redisClient, &session.Config{
		MaxLife:    cfg.Session.MaxLife(),
		Inactivity: cfg.Session.Inactivity(),
	}, appLog)

	gateway, err := proxy.New(&proxy.Config{
		Upstreams:      proxy.NewUpstreams(cfg.Gateway.AuthorizerURL, cfg.Gateway.CatalogURL),
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		ReadTimeout:    cfg.Gateway.ReadTimeout,
	}, proxy.NewAuthenticator(tokens, sessions, appLog), proxy.NewCORS(cfg.Gateway.AllowedOrigins), appLog)
	if err != nil {
		appLog.Fatal("Invalid upstream configuration", zap.Error(err))
	}
	for prefix, base := range gateway.Upstreams() {
		appLog.Info("Upstream mapped", zap.String("prefix", prefix), zap.String("url", base))
	}

	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(response.Recovery())
	router.Use(middleware.RequestID())
	router.Use(telemetry.TracingMiddleware(serviceName))
	router.Use(middleware.Logger(appLog))

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			Endpoints:         middleware.DefaultEndpointLimits(),
			RedisClient:       redisClient,
		}, appLog)
		defer limiter.Stop()
		router.Use(limiter.Middleware())
		appLog.Info(fmt.Sprintf("Rate limiting enabled: %d req/s, burst %d",
			cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize))
	}

	probeClient := gateway.Client(2 * time.Second)
	health := handler.NewHealthHandler(redisClient, func(ctx context.Context) map[string]bool {
		return gateway.Upstreams().HealthCheck(ctx, probeClient)
	})
	handler.RegisterRoutes(router, health, gateway.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		appLog.Info(fmt.Sprintf("API Gateway listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("Server forced to shutdown", zap.Error(err))
	}

	appLog.Info("Server exited gracefully")
}
