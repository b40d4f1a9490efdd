package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/service"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/response"
	"github.com/prohmpiriya/books-store/pkg/session"
	"github.com/prohmpiriya/books-store/pkg/token"
	"go.uber.org/zap"
)

// errorStatus maps a domain error to its HTTP status and detail message
var errorStatus = []struct {
	err    error
	status int
	detail string
}{
	{service.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid credentials"},
	{service.ErrAccountDeactivated, http.StatusForbidden, "User is inactive"},
	{service.ErrInvalidTokenPayload, http.StatusUnauthorized, "Invalid token payload"},
	{service.ErrInvalidTokenType, http.StatusUnauthorized, "Invalid token type"},
	{service.ErrSessionExpired, http.StatusForbidden, "Session expired"},
	{service.ErrSessionMismatch, http.StatusUnauthorized, "Session does not match token"},
	{service.ErrMissingSessionID, http.StatusBadRequest, "Access token missing session id (sid)"},
	{service.ErrAdminNotFound, http.StatusNotFound, "Admin not found"},
	{service.ErrAdminRequired, http.StatusForbidden, "Admin role required"},
	{service.ErrUserNotFound, http.StatusNotFound, "User not found"},
	{service.ErrUserAlreadyExists, http.StatusConflict, "User already exists"},
	{token.ErrTokenAlreadyUsed, http.StatusUnauthorized, "Refresh token already used"},
	{token.ErrTokenExpired, http.StatusUnauthorized, "Token expired"},
	{token.ErrInvalidToken, http.StatusUnauthorized, "Invalid token"},
	{session.ErrStoreUnavailable, http.StatusServiceUnavailable, "Session store unavailable"},
}

// writeError answers with the mapped status, or 500 for anything unknown
func writeError(c *gin.Context, log *logger.Logger, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			if e.status >= http.StatusInternalServerError {
				log.Error("Dependency unavailable", zap.String("path", c.FullPath()), zap.Error(err))
			}
			response.Error(c, e.status, e.detail)
			return
		}
	}
	log.Error("Unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
	response.InternalError(c, err)
}
