package config

import (
	"time"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// Config represents the gateway configuration
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`
	APIKey  string `json:"api_key,omitempty" mapstructure:"api-key"`

	// ReadOnly rejects every mutating control API operation.
	ReadOnly bool `json:"read_only,omitempty" mapstructure:"read-only"`

	Logging   *LogConfig      `json:"logging,omitempty" mapstructure:"logging"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Auth      AuthConfig      `json:"auth" mapstructure:"auth"`
	OAuth     OAuthConfig     `json:"oauth" mapstructure:"oauth"`
	Secrets   SecretsConfig   `json:"secrets" mapstructure:"secrets"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`

	// Spaces seeds spaces and backend installations on startup. Entries that
	// already exist in storage are left untouched.
	Spaces []SpaceSeed `json:"spaces,omitempty" mapstructure:"spaces"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// GatewayConfig holds connection, session and notification tuning.
type GatewayConfig struct {
	HandshakeTimeout     time.Duration `json:"handshake_timeout" mapstructure:"handshake-timeout"`
	RequestTimeout       time.Duration `json:"request_timeout" mapstructure:"request-timeout"`
	ReconnectBase        time.Duration `json:"reconnect_base" mapstructure:"reconnect-base"`
	ReconnectMax         time.Duration `json:"reconnect_max" mapstructure:"reconnect-max"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" mapstructure:"max-reconnect-attempts"`
	HealthInterval       time.Duration `json:"health_interval" mapstructure:"health-interval"`
	SessionIdleTimeout   time.Duration `json:"session_idle_timeout" mapstructure:"session-idle-timeout"`
	NotifyThrottle       time.Duration `json:"notify_throttle" mapstructure:"notify-throttle"`
	SSEKeepalive         time.Duration `json:"sse_keepalive" mapstructure:"sse-keepalive"`
	SSERetry             time.Duration `json:"sse_retry" mapstructure:"sse-retry"`
}

// AuthConfig configures the gateway's own authorization server.
type AuthConfig struct {
	Issuer             string        `json:"issuer,omitempty" mapstructure:"issuer"`
	AccessTokenTTL     time.Duration `json:"access_token_ttl" mapstructure:"access-token-ttl"`
	RefreshTokenTTL    time.Duration `json:"refresh_token_ttl" mapstructure:"refresh-token-ttl"`
	CodeTTL            time.Duration `json:"code_ttl" mapstructure:"code-ttl"`
	PendingTTL         time.Duration `json:"pending_ttl" mapstructure:"pending-ttl"`
	AutoApproveClients bool          `json:"auto_approve_clients" mapstructure:"auto-approve-clients"`
}

// OAuthConfig configures the backend OAuth client role.
type OAuthConfig struct {
	RefreshThreshold float64       `json:"refresh_threshold" mapstructure:"refresh-threshold"`
	FlowTTL          time.Duration `json:"flow_ttl" mapstructure:"flow-ttl"`
	DiscoveryTimeout time.Duration `json:"discovery_timeout" mapstructure:"discovery-timeout"`
	CallbackURL      string        `json:"callback_url,omitempty" mapstructure:"callback-url"`
}

// SecretsConfig selects where the master encryption key lives.
type SecretsConfig struct {
	// Provider is "keyring" or "env".
	Provider string `json:"provider" mapstructure:"provider"`
	// EnvVar names the variable holding a base64 key when Provider is "env".
	EnvVar string `json:"env_var,omitempty" mapstructure:"env-var"`
}

// TelemetryConfig toggles metrics and tracing.
type TelemetryConfig struct {
	Metrics        bool    `json:"metrics" mapstructure:"metrics"`
	TracingEnabled bool    `json:"tracing_enabled" mapstructure:"tracing-enabled"`
	OTLPEndpoint   string  `json:"otlp_endpoint,omitempty" mapstructure:"otlp-endpoint"`
	SampleRate     float64 `json:"sample_rate" mapstructure:"sample-rate"`
}

// SpaceSeed declares a Space and its backend servers.
type SpaceSeed struct {
	Name    string       `json:"name" mapstructure:"name"`
	Active  bool         `json:"active,omitempty" mapstructure:"active"`
	Servers []ServerSeed `json:"servers,omitempty" mapstructure:"servers"`
}

// ServerSeed declares one backend installation.
type ServerSeed struct {
	Alias      string                `json:"alias" mapstructure:"alias"`
	Transport  string                `json:"transport" mapstructure:"transport"`
	Command    string                `json:"command,omitempty" mapstructure:"command"`
	Args       []string              `json:"args,omitempty" mapstructure:"args"`
	Env        map[string]string     `json:"env,omitempty" mapstructure:"env"`
	WorkingDir string                `json:"working_dir,omitempty" mapstructure:"working-dir"`
	URL        string                `json:"url,omitempty" mapstructure:"url"`
	Headers    map[string]string     `json:"headers,omitempty" mapstructure:"headers"`
	OAuth      *ServerOAuthSeed      `json:"oauth,omitempty" mapstructure:"oauth"`
	Enabled    *bool                 `json:"enabled,omitempty" mapstructure:"enabled"`
	Inputs     []contracts.InputDecl `json:"inputs,omitempty" mapstructure:"inputs"`
	Values     map[string]string     `json:"values,omitempty" mapstructure:"values"`
}

// ServerOAuthSeed carries optional static OAuth client settings.
type ServerOAuthSeed struct {
	ClientID     string   `json:"client_id,omitempty" mapstructure:"client-id"`
	ClientSecret string   `json:"client_secret,omitempty" mapstructure:"client-secret"`
	Scopes       []string `json:"scopes,omitempty" mapstructure:"scopes"`
}

// IsEnabled defaults to true when the seed does not say otherwise.
func (s *ServerSeed) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TransportConfig converts the seed into the domain transport union.
func (s *ServerSeed) TransportConfig() contracts.TransportConfig {
	kind := contracts.TransportKind(s.Transport)
	if kind == "" {
		if s.URL != "" {
			kind = contracts.TransportHTTP
		} else {
			kind = contracts.TransportStdio
		}
	}

	tc := contracts.TransportConfig{Kind: kind}
	switch kind {
	case contracts.TransportStdio:
		tc.Stdio = &contracts.StdioTransport{
			Command:    s.Command,
			Args:       s.Args,
			Env:        s.Env,
			WorkingDir: s.WorkingDir,
		}
	case contracts.TransportHTTP:
		tc.HTTP = &contracts.HTTPTransport{URL: s.URL, Headers: s.Headers}
		if s.OAuth != nil {
			tc.HTTP.OAuth = &contracts.OAuthSettings{
				ClientID:     s.OAuth.ClientID,
				ClientSecret: s.OAuth.ClientSecret,
				Scopes:       s.OAuth.Scopes,
			}
		}
	}
	return tc
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen: DefaultListen,
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
		Gateway: GatewayConfig{
			HandshakeTimeout:     15 * time.Second,
			RequestTimeout:       60 * time.Second,
			ReconnectBase:        time.Second,
			ReconnectMax:         2 * time.Minute,
			MaxReconnectAttempts: 6,
			HealthInterval:       30 * time.Second,
			SessionIdleTimeout:   30 * time.Minute,
			NotifyThrottle:       250 * time.Millisecond,
			SSEKeepalive:         15 * time.Second,
			SSERetry:             3 * time.Second,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 30 * 24 * time.Hour,
			CodeTTL:         10 * time.Minute,
			PendingTTL:      10 * time.Minute,
		},
		OAuth: OAuthConfig{
			RefreshThreshold: 0.8,
			FlowTTL:          10 * time.Minute,
			DiscoveryTimeout: 5 * time.Second,
		},
		Secrets: SecretsConfig{
			Provider: "keyring",
			EnvVar:   MasterKeyEnvVar,
		},
		Telemetry: TelemetryConfig{
			Metrics:    true,
			SampleRate: 1.0,
		},
	}
}
