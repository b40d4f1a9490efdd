// Package token issues and verifies RS256 access and refresh tokens and keeps
// the one-time-use list of redeemed refresh tokens.
package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prohmpiriya/books-store/pkg/logger"
	"github.com/prohmpiriya/books-store/pkg/session"
	"github.com/prohmpiriya/books-store/pkg/telemetry"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// InvalidRefreshPrefix prefixes redeemed refresh token records
const InvalidRefreshPrefix = "Invalid_refresh:"

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenAlreadyUsed  = errors.New("token already used")
	ErrSigningKeyMissing = errors.New("signing key not loaded")
)

// Claims is the payload of both token kinds. Refresh tokens carry Refresh=true
// and the device hashes of the session they were issued for.
type Claims struct {
	jwt.RegisteredClaims
	SessionID  string `json:"sid"`
	Refresh    bool   `json:"ref,omitempty"`
	DeviceHash string `json:"dsh,omitempty"`
	IPHash     string `json:"ish,omitempty"`
}

// Service defines the token operations
type Service interface {
	GenerateAccessToken(ctx context.Context, subject, sessionID, presentedRefresh string, consume bool) (string, error)
	GenerateRefreshToken(ctx context.Context, subject, sessionID string, dc session.DeviceContext) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	DecodeToken(tokenString string) (*Claims, error)
	IsRefreshTokenInvalid(ctx context.Context, tokenString string) (bool, error)
	InvalidateRefreshToken(ctx context.Context, tokenString string) (bool, error)
	PublicKey() *rsa.PublicKey
}

// RedisClient is the subset of pkg/redis.Client the invalidation list uses
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Config holds token lifetimes
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

type service struct {
	keys   *KeyPair
	redis  RedisClient
	config *Config
	parser *jwt.Parser
	log    *logger.Logger
}

// New creates a token service. keys.Private may be nil for a verify-only
// service; rdb may be nil when the invalidation list is not needed.
func New(cfg *Config, keys *KeyPair, rdb RedisClient, log *logger.Logger) (Service, error) {
	if keys == nil || keys.Public == nil {
		return nil, fmt.Errorf("public key: %w", ErrKeyMissing)
	}

	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &service{
		keys:   keys,
		redis:  rdb,
		config: &c,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(c.Now),
		),
		log: logger.OrDefault(log).Named("token"),
	}, nil
}

// GenerateAccessToken mints an access token. When presentedRefresh is set it
// must not have been redeemed before; with consume it is redeemed now.
func (s *service) GenerateAccessToken(ctx context.Context, subject, sessionID, presentedRefresh string, consume bool) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "token.generate_access")
	defer span.End()

	if s.keys.Private == nil {
		return "", ErrSigningKeyMissing
	}

	if presentedRefresh != "" {
		used, err := s.IsRefreshTokenInvalid(ctx, presentedRefresh)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		if used {
			s.log.Info("Refresh token replayed", zap.String("subject", subject), zap.String("session_id", sessionID))
			return "", ErrTokenAlreadyUsed
		}

		if consume {
			// SET NX decides the winner when two redemptions race past the check above
			ok, err := s.InvalidateRefreshToken(ctx, presentedRefresh)
			if err != nil {
				span.RecordError(err)
				return "", err
			}
			if !ok {
				s.log.Info("Refresh token redeemed concurrently", zap.String("subject", subject), zap.String("session_id", sessionID))
				return "", ErrTokenAlreadyUsed
			}
		}
	}

	now := s.config.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTTL)),
		},
		SessionID: sessionID,
	}

	signed, err := s.sign(claims)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign failed")
		return "", err
	}
	return signed, nil
}

// GenerateRefreshToken mints a refresh token bound to the device context
func (s *service) GenerateRefreshToken(ctx context.Context, subject, sessionID string, dc session.DeviceContext) (string, error) {
	_, span := telemetry.StartSpan(ctx, "token.generate_refresh")
	defer span.End()

	if s.keys.Private == nil {
		return "", ErrSigningKeyMissing
	}

	now := s.config.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.RefreshTTL)),
		},
		SessionID:  sessionID,
		Refresh:    true,
		DeviceHash: dc.Signature(),
		IPHash:     dc.IPHash(),
	}

	signed, err := s.sign(claims)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return signed, nil
}

func (s *service) sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := t.SignedString(s.keys.Private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature and expiry. Every failure is ErrInvalidToken.
func (s *service) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.DecodeToken(tokenString)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// DecodeToken verifies a token and tells expired tokens apart from the rest
func (s *service) DecodeToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	t, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.keys.Public, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			s.log.Debug("Token expired")
			return nil, ErrTokenExpired
		}
		s.log.Error("Invalid token", zap.Error(err))
		return nil, ErrInvalidToken
	}
	if !t.Valid {
		s.log.Error("Invalid token")
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IsRefreshTokenInvalid reports whether the token was already redeemed
func (s *service) IsRefreshTokenInvalid(ctx context.Context, tokenString string) (bool, error) {
	if s.redis == nil {
		return false, fmt.Errorf("%w: no redis client", session.ErrStoreUnavailable)
	}
	n, err := s.redis.Exists(ctx, InvalidRefreshPrefix+tokenString).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check refresh token: %v", session.ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// InvalidateRefreshToken records the token as redeemed for the rest of its
// validity. It returns false when the token was already recorded.
func (s *service) InvalidateRefreshToken(ctx context.Context, tokenString string) (bool, error) {
	if s.redis == nil {
		return false, fmt.Errorf("%w: no redis client", session.ErrStoreUnavailable)
	}
	ok, err := s.redis.SetNX(ctx, InvalidRefreshPrefix+tokenString, "1", s.remaining(tokenString)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: invalidate refresh token: %v", session.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// remaining is the token's unverified exp minus now, floored at one second
func (s *service) remaining(tokenString string) time.Duration {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil || claims.ExpiresAt == nil {
		return time.Second
	}
	ttl := claims.ExpiresAt.Time.Sub(s.config.Now()).Truncate(time.Second)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (s *service) PublicKey() *rsa.PublicKey {
	return s.keys.Public
}
