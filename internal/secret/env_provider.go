package secret

import (
	"encoding/base64"
	"fmt"
	"os"
)

// EnvProvider reads a base64 master key from an environment variable, for
// headless hosts without a keyring.
type EnvProvider struct {
	variable string
}

// NewEnvProvider creates a provider reading the named variable.
func NewEnvProvider(variable string) *EnvProvider {
	return &EnvProvider{variable: variable}
}

// Name identifies the provider in logs.
func (p *EnvProvider) Name() string { return "env" }

// MasterKey decodes the key from the environment.
func (p *EnvProvider) MasterKey() ([]byte, error) {
	encoded := os.Getenv(p.variable)
	if encoded == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrKeyUnavailable, p.variable)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != KeySize {
		return nil, fmt.Errorf("%w: %s must hold %d base64-encoded bytes", ErrKeyUnavailable, p.variable, KeySize)
	}
	return key, nil
}

// NewProvider selects a key provider by name.
func NewProvider(name, envVar string) (KeyProvider, error) {
	switch name {
	case "", "keyring":
		return NewKeyringProvider(), nil
	case "env":
		return NewEnvProvider(envVar), nil
	default:
		return nil, fmt.Errorf("unknown secret provider %q", name)
	}
}
