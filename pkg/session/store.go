package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/books-store/pkg/logger"
	pkgredis "github.com/prohmpiriya/books-store/pkg/redis"
	"github.com/prohmpiriya/books-store/pkg/telemetry"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// touchScript re-arms the TTL of a live session or removes it once its
// absolute lifetime is spent. It never recreates a key that is already gone.
//
// KEYS[1] session key, ARGV[1] now (unix seconds), ARGV[2] inactivity window (seconds)
const touchScript = `
local mtl = tonumber(redis.call('HGET', KEYS[1], 'mtl'))
if not mtl then
	return 0
end
local ttl = mtl - tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if window < ttl then
	ttl = window
end
if ttl <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
redis.call('EXPIRE', KEYS[1], ttl)
return 1
`

// Store manages session records
type Store interface {
	Create(ctx context.Context, subject string, dc DeviceContext) (*Session, error)
	Touch(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	// Get returns nil, nil for missing or undecodable records
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForSubject(ctx context.Context, subject string) (int, error)
}

// Config holds session lifetime settings
type Config struct {
	MaxLife    time.Duration
	Inactivity time.Duration
	// ScanCount is the COUNT hint for each SCAN page
	ScanCount int64
	Now       func() time.Time
}

// DefaultConfig returns 30 days absolute life with a 7 day inactivity window
func DefaultConfig() *Config {
	return &Config{
		MaxLife:    30 * 24 * time.Hour,
		Inactivity: 7 * 24 * time.Hour,
		ScanCount:  100,
		Now:        time.Now,
	}
}

// RedisStore implements Store on a Redis hash per session
type RedisStore struct {
	redis  *pkgredis.Client
	config *Config
	log    *logger.Logger
}

// NewRedisStore creates a session store. A nil config uses DefaultConfig;
// a zero MaxLife is kept as is and yields sessions that expire on creation.
func NewRedisStore(client *pkgredis.Client, config *Config, log *logger.Logger) *RedisStore {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &RedisStore{
		redis:  client,
		config: &cfg,
		log:    logger.OrDefault(log).Named("session"),
	}
}

// Create persists a new session and arms its TTL
func (s *RedisStore) Create(ctx context.Context, subject string, dc DeviceContext) (*Session, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.create")
	defer span.End()

	now := s.config.Now().Unix()
	sess := &Session{
		ID:         uuid.NewString(),
		Subject:    subject,
		IssuedAt:   now,
		MaxLife:    now + int64(s.config.MaxLife/time.Second),
		DeviceHash: dc.Signature(),
		IPHash:     dc.IPHash(),
	}
	key := Key(sess.ID)
	ttl := clampedTTL(now, sess.MaxLife, s.config.Inactivity)

	_, err := s.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, sess.fields())
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		} else {
			pipe.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write session")
		return nil, fmt.Errorf("%w: create session: %v", ErrStoreUnavailable, err)
	}

	span.SetAttributes(attribute.String("session.id", sess.ID), attribute.Int64("session.ttl_seconds", int64(ttl/time.Second)))
	if ttl <= 0 {
		s.log.Warn("Session created with no remaining lifetime and was dropped",
			zap.String("session_id", sess.ID), zap.String("subject", subject))
	} else {
		s.log.Debug("Created session", zap.String("session_id", sess.ID), zap.String("subject", subject))
	}

	return sess, nil
}

// Touch slides the session TTL. It returns false when the session is gone,
// unreadable, or past its absolute lifetime (in which case it is deleted).
func (s *RedisStore) Touch(ctx context.Context, id string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.touch")
	defer span.End()

	sess, err := s.Get(ctx, id)
	if err != nil || sess == nil {
		return false, err
	}

	now := s.config.Now().Unix()
	window := int64(s.config.Inactivity / time.Second)
	res, err := s.redis.EvalWithFallback(ctx, "session_touch", touchScript, []string{Key(id)}, now, window).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "touch script failed")
		return false, fmt.Errorf("%w: touch session: %v", ErrStoreUnavailable, err)
	}

	if res != 1 {
		s.log.Debug("Session not re-armed", zap.String("session_id", id))
		return false, nil
	}
	s.log.Debug("Touched session", zap.String("session_id", id))
	return true, nil
}

// Exists reports whether a valid session record is stored under id
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return sess != nil, nil
}

// Get loads and strictly decodes a session
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.redis.HGetAll(ctx, Key(id)).Result()
	if err != nil {
		if isReplyError(err) {
			s.log.Warn("Session record unreadable", zap.String("session_id", id), zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get session: %v", ErrStoreUnavailable, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	sess, err := decode(id, raw)
	if err != nil {
		s.log.Warn("Session failed validation", zap.String("session_id", id), zap.Error(err))
		return nil, nil
	}
	return sess, nil
}

// Delete removes a session unconditionally
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, Key(id)).Err(); err != nil {
		return fmt.Errorf("%w: delete session: %v", ErrStoreUnavailable, err)
	}
	s.log.Debug("Deleted session", zap.String("session_id", id))
	return nil
}

// DeleteAllForSubject scans every session key and deletes those owned by subject
func (s *RedisStore) DeleteAllForSubject(ctx context.Context, subject string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.delete_all_for_subject")
	defer span.End()

	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, KeyPrefix+"*", s.config.ScanCount).Result()
		if err != nil {
			span.RecordError(err)
			return deleted, fmt.Errorf("%w: scan sessions: %v", ErrStoreUnavailable, err)
		}

		matched, err := s.ownedBy(ctx, keys, subject)
		if err != nil {
			span.RecordError(err)
			return deleted, err
		}

		if len(matched) > 0 {
			n, err := s.deleteKeys(ctx, matched)
			deleted += n
			if err != nil {
				span.RecordError(err)
				return deleted, err
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("session.deleted", deleted))
	s.log.Info("Deleted sessions for subject", zap.String("subject", subject), zap.Int("count", deleted))
	return deleted, nil
}

// ownedBy returns the keys whose stored subject equals subject
func (s *RedisStore) ownedBy(ctx context.Context, keys []string, subject string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*goredis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGet(ctx, key, fieldSubject)
	}
	if _, err := pipe.Exec(ctx); err != nil && !isReplyError(err) {
		return nil, fmt.Errorf("%w: read session owners: %v", ErrStoreUnavailable, err)
	}

	var matched []string
	for i, cmd := range cmds {
		if v, err := cmd.Result(); err == nil && v == subject {
			matched = append(matched, keys[i])
		}
	}
	return matched, nil
}

func (s *RedisStore) deleteKeys(ctx context.Context, keys []string) (int, error) {
	pipe := s.redis.Pipeline()
	cmds := make([]*goredis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: delete sessions: %v", ErrStoreUnavailable, err)
	}

	n := 0
	for _, cmd := range cmds {
		n += int(cmd.Val())
	}
	return n, nil
}

// isReplyError reports whether err came back from the server (nil reply,
// WRONGTYPE, ...) rather than from the transport
func isReplyError(err error) bool {
	var rerr goredis.Error
	return errors.As(err, &rerr)
}
