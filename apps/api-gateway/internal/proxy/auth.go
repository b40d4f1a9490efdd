package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/session"
	"github.com/prohmpiriya/books-store/pkg/token"
	"go.uber.org/zap"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAccessToken   = errors.New("invalid or expired access token")
	ErrRefreshTokenAsBearer = errors.New("refresh token presented as bearer")
	ErrMissingSessionID     = errors.New("access token missing session id")
	ErrSessionExpired       = errors.New("session expired")
)

// SessionStore is the part of session.Store the gateway needs
type SessionStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	Touch(ctx context.Context, id string) (bool, error)
}

// Authenticator admits bearer tokens whose session is still alive
type Authenticator struct {
	tokens   token.Service
	sessions SessionStore
	log      *logger.Logger
}

// NewAuthenticator creates an Authenticator. tokens may be verify-only.
func NewAuthenticator(tokens token.Service, sessions SessionStore, log *logger.Logger) *Authenticator {
	return &Authenticator{tokens: tokens, sessions: sessions, log: logger.OrDefault(log).Named("authenticator")}
}

// bearer extracts the credential of an "Authorization: Bearer" header
func bearer(header string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// Authenticate checks the bearer token and slides its session's TTL
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*token.Claims, error) {
	tok := bearer(authorization)
	if tok == "" {
		return nil, ErrMissingAuthorization
	}

	claims, err := a.tokens.DecodeToken(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if claims.Refresh {
		return nil, ErrRefreshTokenAsBearer
	}
	if claims.SessionID == "" {
		a.log.Debug("Access token without sid", zap.String("subject", claims.Subject))
		return nil, ErrMissingSessionID
	}

	exists, err := a.sessions.Exists(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrSessionExpired
	}

	// the session can lapse between the two calls
	touched, err := a.sessions.Touch(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if !touched {
		return nil, ErrSessionExpired
	}
	return claims, nil
}

var _ SessionStore = (session.Store)(nil)
