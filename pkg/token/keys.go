package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrKeyMissing is returned when a key setting is empty
var ErrKeyMissing = errors.New("key not configured")

// KeyPair holds the RS256 signing and verification keys. Private is nil for
// verify-only services.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// readPEM returns s itself when it is inline PEM, otherwise the contents of
// the file it names
func readPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrKeyMissing
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	return os.ReadFile(s)
}

// LoadKeyPair loads an RSA private and public key. Either argument may be a
// file path or inline PEM.
func LoadKeyPair(privateKey, publicKey string) (*KeyPair, error) {
	raw, err := readPEM(privateKey)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pub, err := loadPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, errors.New("public key does not match private key")
	}

	return &KeyPair{Private: priv, Public: pub}, nil
}

// LoadPublicKey loads a verify-only key pair
func LoadPublicKey(publicKey string) (*KeyPair, error) {
	pub, err := loadPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub}, nil
}

func loadPublicKey(s string) (*rsa.PublicKey, error) {
	raw, err := readPEM(s)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}
