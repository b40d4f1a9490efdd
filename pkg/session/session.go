// Package session keeps server-side login sessions in Redis. Each session is
// a hash at Session:<id> whose key TTL slides with activity but never passes
// the session's absolute maximum lifetime.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// KeyPrefix prefixes every session key
const KeyPrefix = "Session:"

// Hash field names
const (
	fieldSubject    = "sub"
	fieldIssuedAt   = "iat"
	fieldMaxLife    = "mtl"
	fieldDeviceHash = "dsh"
	fieldIPHash     = "ish"
)

var (
	// ErrStoreUnavailable wraps transport failures talking to Redis
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrInvalidSession is returned when a stored hash fails decoding
	ErrInvalidSession = errors.New("invalid session record")
)

// DeviceContext describes the client a session is issued to
type DeviceContext struct {
	UserAgent string
	ClientID  string
	TimeZone  string
	Platform  string
	IP        string
}

// Signature fingerprints the client context
func (d DeviceContext) Signature() string {
	return hashString(d.UserAgent + d.ClientID + d.TimeZone + d.Platform)
}

// IPHash hashes the source address
func (d DeviceContext) IPHash() string {
	return hashString(d.IP)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Session is a decoded session record
type Session struct {
	ID         string
	Subject    string
	IssuedAt   int64
	MaxLife    int64
	DeviceHash string
	IPHash     string
}

// Key returns the Redis key for a session id
func Key(id string) string {
	return KeyPrefix + id
}

func (s *Session) fields() map[string]interface{} {
	return map[string]interface{}{
		fieldSubject:    s.Subject,
		fieldIssuedAt:   strconv.FormatInt(s.IssuedAt, 10),
		fieldMaxLife:    strconv.FormatInt(s.MaxLife, 10),
		fieldDeviceHash: s.DeviceHash,
		fieldIPHash:     s.IPHash,
	}
}

// decode strictly maps a stored hash back to a Session. Every field must be
// present and the timestamps must be integers.
func decode(id string, raw map[string]string) (*Session, error) {
	for _, f := range []string{fieldSubject, fieldIssuedAt, fieldMaxLife, fieldDeviceHash, fieldIPHash} {
		if _, ok := raw[f]; !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrInvalidSession, f)
		}
	}
	if raw[fieldSubject] == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidSession)
	}

	iat, err := strconv.ParseInt(raw[fieldIssuedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: iat: %v", ErrInvalidSession, err)
	}
	mtl, err := strconv.ParseInt(raw[fieldMaxLife], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: mtl: %v", ErrInvalidSession, err)
	}

	return &Session{
		ID:         id,
		Subject:    raw[fieldSubject],
		IssuedAt:   iat,
		MaxLife:    mtl,
		DeviceHash: raw[fieldDeviceHash],
		IPHash:     raw[fieldIPHash],
	}, nil
}

// clampedTTL returns min(inactivity, mtl-now), never below zero
func clampedTTL(now, mtl int64, inactivity time.Duration) time.Duration {
	remaining := time.Duration(mtl-now) * time.Second
	if remaining < 0 {
		remaining = 0
	}
	if inactivity < remaining {
		return inactivity
	}
	return remaining
}
