package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// blobVersion prefixes every ciphertext so the format can evolve.
const blobVersion byte = 1

// AESStore implements Store with AES-256-GCM. Blobs are version || nonce || ciphertext.
type AESStore struct {
	aead cipher.AEAD
}

// NewAESStore builds a store from the provider's master key.
func NewAESStore(provider KeyProvider) (*AESStore, error) {
	key, err := provider.MasterKey()
	if err != nil {
		return nil, gwerr.Storage("secret.init", err)
	}
	return NewAESStoreWithKey(key)
}

// NewAESStoreWithKey builds a store from a raw 32-byte key.
func NewAESStoreWithKey(key []byte) (*AESStore, error) {
	if len(key) != KeySize {
		return nil, gwerr.Storage("secret.init", fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, gwerr.Storage("secret.init", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, gwerr.Storage("secret.init", err)
	}
	return &AESStore{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (s *AESStore) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, gwerr.Storage("secret.encrypt", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, blobVersion)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, []byte{blobVersion}), nil
}

// Decrypt opens a blob produced by Encrypt. Tampered blobs fail authentication.
func (s *AESStore) Decrypt(blob []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(blob) < 1+ns+s.aead.Overhead() {
		return nil, gwerr.Storage("secret.decrypt", errors.New("ciphertext too short"))
	}
	if blob[0] != blobVersion {
		return nil, gwerr.Storage("secret.decrypt", fmt.Errorf("unsupported blob version %d", blob[0]))
	}
	nonce := blob[1 : 1+ns]
	plaintext, err := s.aead.Open(nil, nonce, blob[1+ns:], []byte{blobVersion})
	if err != nil {
		return nil, gwerr.Storage("secret.decrypt", err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for string secrets.
func EncryptString(s Store, value string) ([]byte, error) {
	return s.Encrypt([]byte(value))
}

// DecryptString is a convenience wrapper for string secrets.
func DecryptString(s Store, blob []byte) (string, error) {
	b, err := s.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
