package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/middleware"
	"github.com/prohmpiriya/books-store/pkg/response"
	"github.com/prohmpiriya/books-store/pkg/token"
)

// RegisterRoutes mounts the authorizer endpoints on r. Unknown paths and
// methods answer with the usual detail body.
func RegisterRoutes(r *gin.Engine, auth *AuthHandler, tokens *TokenHandler, health *HealthHandler, verifier token.Service, sessions middleware.SessionReader) {
	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "Not found")
	})
	r.NoMethod(func(c *gin.Context) {
		response.Error(c, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	users := r.Group("/users")
	{
		users.POST("/register", auth.Register)
		users.POST("/login", auth.Login)

		protected := users.Group("")
		protected.Use(middleware.BearerAuth(verifier, sessions))
		{
			protected.POST("/logout", auth.Logout)
			protected.POST("/ban", auth.Ban)
			protected.POST("/unban", auth.Unban)
		}
	}

	t := r.Group("/tokens")
	{
		t.GET("/access", tokens.Access)
		t.POST("/refresh", tokens.Refresh)
	}
}
