package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName for keyring entries
	ServiceName = "mcpgate"
	// MasterKeyName is the keyring account holding the base64 master key.
	MasterKeyName = "master-key"
)

// KeyringProvider keeps the master key in the OS keyring (Keychain, Secret
// Service, WinCred) and creates one on first use.
type KeyringProvider struct {
	serviceName string
	keyName     string
}

// NewKeyringProvider creates a new keyring provider
func NewKeyringProvider() *KeyringProvider {
	return &KeyringProvider{serviceName: ServiceName, keyName: MasterKeyName}
}

// Name identifies the provider in logs.
func (p *KeyringProvider) Name() string { return "keyring" }

// MasterKey returns the stored key, generating and storing a new one when absent.
func (p *KeyringProvider) MasterKey() ([]byte, error) {
	encoded, err := keyring.Get(p.serviceName, p.keyName)
	switch {
	case err == nil:
		key, decErr := base64.StdEncoding.DecodeString(encoded)
		if decErr != nil || len(key) != KeySize {
			return nil, fmt.Errorf("%w: keyring entry %s/%s is malformed", ErrKeyUnavailable, p.serviceName, p.keyName)
		}
		return key, nil
	case errors.Is(err, keyring.ErrNotFound):
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		if err := keyring.Set(p.serviceName, p.keyName, base64.StdEncoding.EncodeToString(key)); err != nil {
			return nil, fmt.Errorf("%w: failed to store master key in keyring: %v", ErrKeyUnavailable, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
}
