package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/dto"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/middleware"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/service"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/response"
)

// TokenHandler handles the /tokens endpoints
type TokenHandler struct {
	authService service.AuthService
	log         *logger.Logger
}

// NewTokenHandler creates a new TokenHandler
func NewTokenHandler(authService service.AuthService, log *logger.Logger) *TokenHandler {
	return &TokenHandler{authService: authService, log: logger.OrDefault(log)}
}

// Access reports whether an access token is usable
// GET /tokens/access
func (h *TokenHandler) Access(c *gin.Context) {
	tok, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		tok = c.Query("access_token")
	}
	if tok == "" {
		response.Unauthorized(c, "Missing Authorization")
		return
	}

	valid, err := h.authService.ValidateAccessToken(c.Request.Context(), tok)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	response.Success(c, dto.ValidResponse{Valid: valid})
}

// Refresh exchanges a refresh token for a new pair
// POST /tokens/refresh
func (h *TokenHandler) Refresh(c *gin.Context) {
	var req dto.RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	pair, err := h.authService.RefreshTokens(c.Request.Context(), req.RefreshToken, middleware.DeviceContext(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	response.Created(c, dto.TokenPairResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}
