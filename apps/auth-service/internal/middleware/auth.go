package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/books-store/pkg/response"
	"github.com/prohmpiriya/books-store/pkg/session"
	"github.com/prohmpiriya/books-store/pkg/token"
)

// Context keys set by BearerAuth
const (
	ContextUserID      = "user_id"
	ContextSessionID   = "session_id"
	ContextAccessToken = "access_token"
)

// Device context headers sent by clients
const (
	HeaderClientID = "X-Client-Id"
	HeaderTimeZone = "X-Time-Zone"
	HeaderPlatform = "X-Platform"
)

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// SessionReader is the part of session.Store BearerAuth needs
type SessionReader interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// BearerAuth admits access tokens whose session is still alive and owned by
// the token's subject, then stores the subject and session id
func BearerAuth(tokens token.Service, sessions SessionReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Abort(c, http.StatusUnauthorized, "Missing Authorization")
			return
		}

		claims, err := tokens.DecodeToken(tok)
		if err != nil {
			if errors.Is(err, token.ErrTokenExpired) {
				response.Abort(c, http.StatusUnauthorized, "Token expired")
				return
			}
			response.Abort(c, http.StatusUnauthorized, "Invalid token")
			return
		}
		if claims.Refresh {
			response.Abort(c, http.StatusUnauthorized, "Invalid token type")
			return
		}
		if claims.SessionID == "" {
			response.Abort(c, http.StatusBadRequest, "Access token missing session id (sid)")
			return
		}

		sess, err := sessions.Get(c.Request.Context(), claims.SessionID)
		switch {
		case err != nil:
			_ = c.Error(err)
			response.Abort(c, http.StatusServiceUnavailable, "Session store unavailable")
			return
		case sess == nil:
			response.Abort(c, http.StatusForbidden, "Session expired")
			return
		case sess.Subject != claims.Subject:
			response.Abort(c, http.StatusUnauthorized, "Session does not match token")
			return
		}

		c.Set(ContextUserID, claims.Subject)
		c.Set(ContextSessionID, claims.SessionID)
		c.Set(ContextAccessToken, tok)
		c.Next()
	}
}

// DeviceContext collects the client fingerprint from request headers
func DeviceContext(c *gin.Context) session.DeviceContext {
	return session.DeviceContext{
		UserAgent: c.GetHeader("User-Agent"),
		ClientID:  c.GetHeader(HeaderClientID),
		TimeZone:  c.GetHeader(HeaderTimeZone),
		Platform:  c.GetHeader(HeaderPlatform),
		IP:        c.ClientIP(),
	}
}
