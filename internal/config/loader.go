package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultDataDir  = ".mcpgate"
	DefaultListen   = "127.0.0.1:45818"
	ConfigName      = "mcpgate"
	EnvPrefix       = "MCPGATE"
	MasterKeyEnvVar = "MCPGATE_MASTER_KEY"
)

// NewViper returns a viper instance with env handling and defaults configured.
// CLI flags are bound into it by the caller before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setupViper(v)
	return v
}

// setupViper configures viper with environment variable handling
func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// MCPGATE_GATEWAY_REQUEST_TIMEOUT -> gateway.request-timeout
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	d := DefaultConfig()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("data-dir", "")
	v.SetDefault("api-key", "")
	v.SetDefault("read-only", false)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.enable-file", d.Logging.EnableFile)
	v.SetDefault("logging.enable-console", d.Logging.EnableConsole)
	v.SetDefault("logging.filename", d.Logging.Filename)
	v.SetDefault("logging.log-dir", "")
	v.SetDefault("logging.max-size", d.Logging.MaxSize)
	v.SetDefault("logging.max-backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max-age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.json-format", d.Logging.JSONFormat)

	v.SetDefault("gateway.handshake-timeout", d.Gateway.HandshakeTimeout)
	v.SetDefault("gateway.request-timeout", d.Gateway.RequestTimeout)
	v.SetDefault("gateway.reconnect-base", d.Gateway.ReconnectBase)
	v.SetDefault("gateway.reconnect-max", d.Gateway.ReconnectMax)
	v.SetDefault("gateway.max-reconnect-attempts", d.Gateway.MaxReconnectAttempts)
	v.SetDefault("gateway.health-interval", d.Gateway.HealthInterval)
	v.SetDefault("gateway.session-idle-timeout", d.Gateway.SessionIdleTimeout)
	v.SetDefault("gateway.notify-throttle", d.Gateway.NotifyThrottle)
	v.SetDefault("gateway.sse-keepalive", d.Gateway.SSEKeepalive)
	v.SetDefault("gateway.sse-retry", d.Gateway.SSERetry)

	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.access-token-ttl", d.Auth.AccessTokenTTL)
	v.SetDefault("auth.refresh-token-ttl", d.Auth.RefreshTokenTTL)
	v.SetDefault("auth.code-ttl", d.Auth.CodeTTL)
	v.SetDefault("auth.pending-ttl", d.Auth.PendingTTL)
	v.SetDefault("auth.auto-approve-clients", d.Auth.AutoApproveClients)

	v.SetDefault("oauth.refresh-threshold", d.OAuth.RefreshThreshold)
	v.SetDefault("oauth.flow-ttl", d.OAuth.FlowTTL)
	v.SetDefault("oauth.discovery-timeout", d.OAuth.DiscoveryTimeout)
	v.SetDefault("oauth.callback-url", "")

	v.SetDefault("secrets.provider", d.Secrets.Provider)
	v.SetDefault("secrets.env-var", d.Secrets.EnvVar)

	v.SetDefault("telemetry.metrics", d.Telemetry.Metrics)
	v.SetDefault("telemetry.tracing-enabled", d.Telemetry.TracingEnabled)
	v.SetDefault("telemetry.otlp-endpoint", "")
	v.SetDefault("telemetry.sample-rate", d.Telemetry.SampleRate)
}

// Load reads configuration from configPath (or the default locations), the
// environment and defaults, prepares the data directory and validates the result.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName(ConfigName)
		v.AddConfigPath(".")
		if dir, err := resolveDataDir(v.GetString("data-dir")); err == nil {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	dir, err := resolveDataDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dir

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Watch re-decodes the configuration whenever the backing file changes.
// onChange receives either the new configuration or the reason it was rejected.
func Watch(v *viper.Viper, onChange func(*Config, error)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
}

func resolveDataDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, DefaultDataDir), nil
}

// DatabasePath returns the bbolt database location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "mcpgate.db")
}

// Issuer returns the authorization server issuer, derived from the listen address when unset.
func (c *Config) Issuer() string {
	if c.Auth.Issuer != "" {
		return strings.TrimRight(c.Auth.Issuer, "/")
	}
	return "http://" + c.Listen
}

// CallbackURL returns the redirect URI used for backend OAuth flows.
func (c *Config) CallbackURL() string {
	if c.OAuth.CallbackURL != "" {
		return c.OAuth.CallbackURL
	}
	return c.Issuer() + "/oauth/callback"
}

// APIKeyPath is where a generated control API key is persisted for the CLI.
func (c *Config) APIKeyPath() string {
	return filepath.Join(c.DataDir, "api-key")
}
