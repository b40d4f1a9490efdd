package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/domain"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/dto"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/repository"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/session"
	"github.com/prohmpiriya/books-store/pkg/telemetry"
	"github.com/prohmpiriya/books-store/pkg/token"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountDeactivated  = errors.New("account is deactivated")
	ErrInvalidTokenPayload = errors.New("invalid token payload")
	ErrInvalidTokenType    = errors.New("invalid token type")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionMismatch     = errors.New("session does not belong to token subject")
	ErrMissingSessionID    = errors.New("access token missing session id")
	ErrAdminNotFound       = errors.New("admin not found")
	ErrAdminRequired       = errors.New("admin role required")
	ErrUserNotFound        = repository.ErrUserNotFound
	ErrUserAlreadyExists   = repository.ErrUserAlreadyExists
)

// AuthServiceConfig holds configuration for AuthService
type AuthServiceConfig struct {
	BcryptCost int
}

// AuthService defines the interface for authentication operations
type AuthService interface {
	Register(ctx context.Context, req *dto.RegisterRequest, dc session.DeviceContext) (*domain.TokenPair, error)
	Login(ctx context.Context, identifier, password string, dc session.DeviceContext) (*domain.TokenPair, error)
	// Logout deletes the session behind accessToken and burns refreshToken if given
	Logout(ctx context.Context, accessToken, refreshToken string) error
	// Authenticate checks credentials without issuing anything
	Authenticate(ctx context.Context, identifier, password string) (*domain.User, error)
	ValidateAccessToken(ctx context.Context, accessToken string) (bool, error)
	// RedeemRefreshToken consumes a refresh token and returns a new access token
	RedeemRefreshToken(ctx context.Context, refreshToken string) (string, error)
	// RefreshTokens redeems a refresh token and rotates it
	RefreshTokens(ctx context.Context, refreshToken string, dc session.DeviceContext) (*domain.TokenPair, error)
	SetActive(ctx context.Context, userID, adminID string, active bool) error
	Ban(ctx context.Context, userID, adminID string) error
	Unban(ctx context.Context, userID, adminID string) error
}

// authService implements AuthService
type authService struct {
	userRepo repository.UserRepository
	sessions session.Store
	tokens   token.Service
	events   EventPublisher
	config   *AuthServiceConfig
	log      *logger.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(
	userRepo repository.UserRepository,
	sessions session.Store,
	tokens token.Service,
	events EventPublisher,
	config *AuthServiceConfig,
	log *logger.Logger,
) AuthService {
	if config == nil {
		config = &AuthServiceConfig{}
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if events == nil {
		events = NewNoOpEventPublisher()
	}
	return &authService{
		userRepo: userRepo,
		sessions: sessions,
		tokens:   tokens,
		events:   events,
		config:   config,
		log:      logger.OrDefault(log).Named("auth"),
	}
}

// Register creates an ordinary user and logs them in
func (s *authService) Register(ctx context.Context, req *dto.RegisterRequest, dc session.DeviceContext) (*domain.TokenPair, error) {
	ctx, span := telemetry.StartSpan(ctx, "auth.register")
	defer span.End()

	if err := s.ensureUnique(ctx, req); err != nil {
		return nil, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now()
	user := &domain.User{
		ID:           uuid.New().String(),
		UserName:     req.UserName,
		Email:        req.Email,
		Phone:        req.Phone,
		PasswordHash: string(hashedPassword),
		FirstName:    capitalize(req.FirstName),
		LastName:     capitalize(req.LastName),
		MiddleName:   capitalize(req.MiddleName),
		Role:         domain.RoleUser,
		IsActive:     true,
		IsSeller:     req.IsSeller,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	pair, sid, err := s.issue(ctx, user.ID, dc)
	if err != nil {
		return nil, err
	}

	s.log.Debug("Registered user", zap.String("user_id", user.ID), zap.String("session_id", sid))
	s.publish(ctx, domain.EventUserRegistered, user.ID, user.ID, sid)
	return pair, nil
}

func (s *authService) ensureUnique(ctx context.Context, req *dto.RegisterRequest) error {
	checks := []struct {
		value string
		fn    func(context.Context, string) (bool, error)
	}{
		{req.Email, s.userRepo.ExistsByEmail},
		{req.Phone, s.userRepo.ExistsByPhone},
		{req.UserName, s.userRepo.ExistsByUserName},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		exists, err := c.fn(ctx, c.value)
		if err != nil {
			return err
		}
		if exists {
			return ErrUserAlreadyExists
		}
	}
	return nil
}

// Login authenticates and opens a new session
func (s *authService) Login(ctx context.Context, identifier, password string, dc session.DeviceContext) (*domain.TokenPair, error) {
	ctx, span := telemetry.StartSpan(ctx, "auth.login")
	defer span.End()

	user, err := s.Authenticate(ctx, identifier, password)
	if err != nil {
		return nil, err
	}

	pair, sid, err := s.issue(ctx, user.ID, dc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.log.Debug("User logged in", zap.String("user_id", user.ID), zap.String("session_id", sid))
	s.publish(ctx, domain.EventUserLoggedIn, user.ID, user.ID, sid)
	return pair, nil
}

// issue creates a session and its first token pair. The refresh token is
// not consumed by minting the access token.
func (s *authService) issue(ctx context.Context, userID string, dc session.DeviceContext) (*domain.TokenPair, string, error) {
	sess, err := s.sessions.Create(ctx, userID, dc)
	if err != nil {
		return nil, "", err
	}

	refresh, err := s.tokens.GenerateRefreshToken(ctx, userID, sess.ID, dc)
	if err != nil {
		return nil, "", err
	}
	access, err := s.tokens.GenerateAccessToken(ctx, userID, sess.ID, refresh, false)
	if err != nil {
		return nil, "", err
	}

	return &domain.TokenPair{AccessToken: access, RefreshToken: refresh}, sess.ID, nil
}

// Authenticate looks the user up by email or phone. Unknown users and wrong
// passwords fail the same way.
func (s *authService) Authenticate(ctx context.Context, identifier, password string) (*domain.User, error) {
	user, err := s.userRepo.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrAccountDeactivated
	}
	return user, nil
}

// Logout deletes the session named by the access token
func (s *authService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	claims, err := s.tokens.ValidateToken(accessToken)
	if err != nil {
		return err
	}
	if claims.SessionID == "" {
		return ErrMissingSessionID
	}

	if err := s.sessions.Delete(ctx, claims.SessionID); err != nil {
		return err
	}

	if refreshToken != "" {
		if _, err := s.tokens.InvalidateRefreshToken(ctx, refreshToken); err != nil {
			s.log.Warn("Failed to burn refresh token on logout",
				zap.String("session_id", claims.SessionID), zap.Error(err))
		}
	}

	s.publish(ctx, domain.EventUserLoggedOut, claims.Subject, claims.Subject, claims.SessionID)
	return nil
}

// ValidateAccessToken checks the token and that its session is still alive
// and owned by the token's subject
func (s *authService) ValidateAccessToken(ctx context.Context, accessToken string) (bool, error) {
	claims, err := s.tokens.ValidateToken(accessToken)
	if err != nil {
		return false, err
	}
	if claims.Subject == "" || claims.SessionID == "" || claims.ExpiresAt == nil || claims.Refresh {
		return false, ErrInvalidTokenPayload
	}

	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, ErrSessionExpired
	}
	if sess.Subject != claims.Subject {
		s.log.Warn("Token subject does not own session",
			zap.String("session_id", claims.SessionID), zap.String("subject", claims.Subject))
		return false, ErrSessionMismatch
	}
	return true, nil
}

// RedeemRefreshToken validates a refresh token against its session and
// exchanges it, once, for a new access token
func (s *authService) RedeemRefreshToken(ctx context.Context, refreshToken string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "auth.redeem_refresh")
	defer span.End()

	claims, err := s.tokens.ValidateToken(refreshToken)
	if err != nil {
		return "", err
	}
	if !claims.Refresh {
		return "", ErrInvalidTokenType
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return "", ErrInvalidTokenPayload
	}

	exists, err := s.sessions.Exists(ctx, claims.SessionID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrSessionExpired
	}

	access, err := s.tokens.GenerateAccessToken(ctx, claims.Subject, claims.SessionID, refreshToken, true)
	if err != nil {
		if !errors.Is(err, token.ErrTokenAlreadyUsed) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "redeem failed")
		}
		return "", err
	}
	return access, nil
}

// RefreshTokens redeems refreshToken and issues a replacement for the same session
func (s *authService) RefreshTokens(ctx context.Context, refreshToken string, dc session.DeviceContext) (*domain.TokenPair, error) {
	access, err := s.RedeemRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	claims, err := s.tokens.ValidateToken(access)
	if err != nil {
		return nil, err
	}
	rotated, err := s.tokens.GenerateRefreshToken(ctx, claims.Subject, claims.SessionID, dc)
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.Touch(ctx, claims.SessionID); err != nil {
		s.log.Warn("Failed to touch session on refresh", zap.String("session_id", claims.SessionID), zap.Error(err))
	}
	return &domain.TokenPair{AccessToken: access, RefreshToken: rotated}, nil
}

// SetActive changes a user's active flag on behalf of an admin. Deactivation
// also purges the user's sessions; a failed purge is logged and the flag
// change is still committed.
func (s *authService) SetActive(ctx context.Context, userID, adminID string, active bool) error {
	ctx, span := telemetry.StartSpan(ctx, "auth.set_active")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Bool("user.active", active))

	admin, err := s.userRepo.GetByID(ctx, adminID)
	if err != nil {
		return err
	}
	if admin == nil {
		return ErrAdminNotFound
	}
	if !admin.Role.IsAdmin() {
		return ErrAdminRequired
	}
	if !admin.IsActive {
		return ErrAccountDeactivated
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}

	err = s.userRepo.SetActive(ctx, userID, active, func(ctx context.Context) error {
		if active {
			return nil
		}
		n, err := s.sessions.DeleteAllForSubject(ctx, userID)
		if err != nil {
			s.log.Error("Failed to purge sessions of deactivated user",
				zap.String("user_id", userID), zap.Int("deleted", n), zap.Error(err))
			return nil
		}
		s.log.Info("Purged sessions of deactivated user", zap.String("user_id", userID), zap.Int("deleted", n))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	eventType := domain.EventUserUnbanned
	if !active {
		eventType = domain.EventUserBanned
	}
	s.publish(ctx, eventType, userID, adminID, "")
	return nil
}

func (s *authService) Ban(ctx context.Context, userID, adminID string) error {
	return s.SetActive(ctx, userID, adminID, false)
}

func (s *authService) Unban(ctx context.Context, userID, adminID string) error {
	return s.SetActive(ctx, userID, adminID, true)
}

// publish is best effort; account changes never fail on the event bus
func (s *authService) publish(ctx context.Context, eventType domain.AccountEventType, userID, actorID, sessionID string) {
	event := domain.NewAccountEvent(uuid.New().String(), eventType, userID, actorID)
	event.SessionID = sessionID
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("Failed to publish account event",
			zap.String("type", string(eventType)), zap.String("user_id", userID), zap.Error(err))
	}
}

// capitalize upper-cases the first letter and lower-cases the rest
func capitalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
