// Package secret provides the gateway's secret store: authenticated
// encryption of credentials at rest under a master key held outside the
// database, plus ${type:name} reference expansion for installation inputs.
package secret

import "errors"

// Store encrypts and decrypts opaque blobs.
type Store interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// KeyProvider supplies the 32-byte master key.
type KeyProvider interface {
	Name() string
	MasterKey() ([]byte, error)
}

// SecretRef represents a ${type:name} reference inside a configuration value.
type SecretRef struct {
	Type     string // input, env
	Name     string
	Original string
}

const (
	RefTypeInput = "input"
	RefTypeEnv   = "env"
)

// ErrKeyUnavailable is returned when no master key can be obtained. There is
// no plaintext fallback.
var ErrKeyUnavailable = errors.New("secret: master key unavailable")
