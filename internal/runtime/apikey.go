package runtime

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/smart-mcp-proxy/mcpgate/internal/config"
)

// generateAPIKey creates a 256-bit random key.
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ReadAPIKey returns the key persisted in the data directory, or "" when
// none was generated yet.
func ReadAPIKey(cfg *config.Config) (string, error) {
	data, err := os.ReadFile(cfg.APIKeyPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read API key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// EnsureAPIKey returns the configured API key. Without one it reuses the
// key file in the data directory, generating it on first start, so the CLI
// on the same host can authenticate.
func EnsureAPIKey(cfg *config.Config) (key string, generated bool, err error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, false, nil
	}
	key, err = ReadAPIKey(cfg)
	if err != nil || key != "" {
		return key, false, err
	}
	key, err = generateAPIKey()
	if err != nil {
		return "", false, err
	}
	if err := os.WriteFile(cfg.APIKeyPath(), []byte(key+"\n"), 0600); err != nil {
		return "", false, fmt.Errorf("failed to write API key file: %w", err)
	}
	return key, true, nil
}
