package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeKeys(t *testing.T, key *rsa.PrivateKey) (priv, pub string) {
	t.Helper()
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(privPEM), string(pubPEM)
}

func TestLoadKeyPair_FromFiles(t *testing.T) {
	keys := testKeys(t)
	priv, pub := encodeKeys(t, keys.Private)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(privPath, []byte(priv), 0o600))
	require.NoError(t, os.WriteFile(pubPath, []byte(pub), 0o644))

	loaded, err := LoadKeyPair(privPath, pubPath)
	require.NoError(t, err)
	assert.True(t, keys.Private.Equal(loaded.Private))
	assert.True(t, keys.Public.Equal(loaded.Public))
}

func TestLoadKeyPair_InlinePEM(t *testing.T) {
	keys := testKeys(t)
	priv, pub := encodeKeys(t, keys.Private)

	loaded, err := LoadKeyPair("\n"+priv, pub)
	require.NoError(t, err)
	assert.NotNil(t, loaded.Private)
}

func TestLoadKeyPair_Errors(t *testing.T) {
	keys := testKeys(t)
	priv, pub := encodeKeys(t, keys.Private)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, otherPub := encodeKeys(t, other)

	_, err = LoadKeyPair("", pub)
	assert.ErrorIs(t, err, ErrKeyMissing)

	_, err = LoadKeyPair(priv, "")
	assert.ErrorIs(t, err, ErrKeyMissing)

	_, err = LoadKeyPair(filepath.Join(t.TempDir(), "missing.pem"), pub)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadKeyPair("-----BEGIN nonsense", pub)
	assert.Error(t, err)

	_, err = LoadKeyPair(priv, otherPub)
	assert.EqualError(t, err, "public key does not match private key")
}

func TestLoadPublicKey(t *testing.T) {
	keys := testKeys(t)
	_, pub := encodeKeys(t, keys.Private)

	loaded, err := LoadPublicKey(pub)
	require.NoError(t, err)
	assert.Nil(t, loaded.Private)
	assert.True(t, keys.Public.Equal(loaded.Public))
}
