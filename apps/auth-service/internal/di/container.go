package di

import (
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/handler"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/repository"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/service"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/session"
	"github.com/prohmpiriya/books-store/pkg/token"
)

// Container holds all dependencies for the auth service
type Container struct {
	// Stores
	UserRepo repository.UserRepository
	Sessions session.Store
	Tokens   token.Service
	Events   service.EventPublisher

	// Services
	AuthService service.AuthService

	// Handlers
	HealthHandler *handler.HealthHandler
	AuthHandler   *handler.AuthHandler
	TokenHandler  *handler.TokenHandler
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	UserRepo      repository.UserRepository
	Sessions      session.Store
	Tokens        token.Service
	Events        service.EventPublisher
	HealthChecks  map[string]handler.HealthChecker
	ServiceConfig *service.AuthServiceConfig
	Logger        *logger.Logger
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) *Container {
	c := &Container{
		UserRepo: cfg.UserRepo,
		Sessions: cfg.Sessions,
		Tokens:   cfg.Tokens,
		Events:   cfg.Events,
	}
	if c.Events == nil {
		c.Events = service.NewNoOpEventPublisher()
	}

	c.AuthService = service.NewAuthService(
		c.UserRepo,
		c.Sessions,
		c.Tokens,
		c.Events,
		cfg.ServiceConfig,
		cfg.Logger,
	)

	c.HealthHandler = handler.NewHealthHandler("auth-service", cfg.HealthChecks)
	c.AuthHandler = handler.NewAuthHandler(c.AuthService, cfg.Logger)
	c.TokenHandler = handler.NewTokenHandler(c.AuthService, cfg.Logger)

	return c
}
