package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/dto"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/middleware"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/service"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/response"
)

// AuthHandler handles the /users endpoints
type AuthHandler struct {
	authService service.AuthService
	log         *logger.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(authService service.AuthService, log *logger.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: logger.OrDefault(log)}
}

// Register handles user registration
// POST /users/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if valid, msg := req.ValidateEmail(); !valid {
		response.BadRequest(c, msg)
		return
	}
	if valid, msg := req.ValidatePassword(); !valid {
		response.BadRequest(c, msg)
		return
	}

	pair, err := h.authService.Register(c.Request.Context(), &req, middleware.DeviceContext(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	response.Created(c, dto.TokenPairResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// Login handles user login
// POST /users/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	identifier := req.Credential()
	if identifier == "" {
		response.BadRequest(c, "Email or phone is required")
		return
	}

	pair, err := h.authService.Login(c.Request.Context(), identifier, req.Password, middleware.DeviceContext(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	response.Created(c, dto.TokenPairResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// Logout deletes the caller's session
// POST /users/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	var req dto.LogoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	if err := h.authService.Logout(c.Request.Context(), c.GetString(middleware.ContextAccessToken), req.RefreshToken); err != nil {
		writeError(c, h.log, err)
		return
	}

	response.Success(c, dto.SuccessResponse{Success: true})
}

// Ban deactivates a user and ends all of their sessions
// POST /users/ban
func (h *AuthHandler) Ban(c *gin.Context) {
	h.setActive(c, false)
}

// Unban reactivates a user
// POST /users/unban
func (h *AuthHandler) Unban(c *gin.Context) {
	h.setActive(c, true)
}

func (h *AuthHandler) setActive(c *gin.Context, active bool) {
	var req dto.AccountStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	adminID := c.GetString(middleware.ContextUserID)
	if err := h.authService.SetActive(c.Request.Context(), req.UserID, adminID, active); err != nil {
		writeError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}
