package authserver

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/smart-mcp-proxy/mcpgate/internal/hash"
	"github.com/smart-mcp-proxy/mcpgate/internal/secret"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

const rsaKeyBits = 2048

// signingKey is the RSA key that signs access tokens.
type signingKey struct {
	kid     string
	private *rsa.PrivateKey
}

// loadSigningKey decrypts the persisted key or generates and persists a
// new one. A key that exists but cannot be decrypted is an error: tokens
// are never signed with a key that was not stored encrypted.
func loadSigningKey(store Store, secrets secret.Store) (*signingKey, error) {
	rec, err := store.GetSigningKey()
	switch {
	case err == nil:
		der, err := secrets.Decrypt(rec.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt signing key: %w", err)
		}
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		return &signingKey{kid: rec.KeyID, private: key}, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	blob, err := secrets.Encrypt(x509.MarshalPKCS1PrivateKey(key))
	if err != nil {
		return nil, fmt.Errorf("encrypt signing key: %w", err)
	}
	kid := keyID(&key.PublicKey)
	if err := store.SaveSigningKey(&storage.SigningKeyRecord{KeyID: kid, PrivateKey: blob, Created: time.Now()}); err != nil {
		return nil, fmt.Errorf("save signing key: %w", err)
	}
	return &signingKey{kid: kid, private: key}, nil
}

// keyID derives a stable key id from the public key.
func keyID(pub *rsa.PublicKey) string {
	return hash.BytesHash(x509.MarshalPKCS1PublicKey(pub))[:16]
}

// jwks is the public JSON Web Key Set.
func (k *signingKey) jwks() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.private.PublicKey,
		KeyID:     k.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}
