package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every problem found in one pass.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	parts := make([]string, 0, len(es))
	for _, e := range es {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// Validate returns nil or a ValidationErrors value.
func (c *Config) Validate() error {
	if errs := c.ValidateDetailed(); len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateDetailed checks every field and returns all failures.
func (c *Config) ValidateDetailed() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if err := ValidateLoopback(c.Listen); err != nil {
		add("listen", "%v", err)
	}

	g := c.Gateway
	if g.HandshakeTimeout <= 0 {
		add("gateway.handshake-timeout", "must be positive")
	}
	if g.RequestTimeout <= g.HandshakeTimeout {
		add("gateway.request-timeout", "must be greater than handshake-timeout (%s)", g.HandshakeTimeout)
	}
	if g.ReconnectMax <= g.RequestTimeout {
		add("gateway.reconnect-max", "must be greater than request-timeout (%s)", g.RequestTimeout)
	}
	if g.ReconnectBase <= 0 || g.ReconnectBase > g.ReconnectMax {
		add("gateway.reconnect-base", "must be positive and not exceed reconnect-max")
	}
	if g.MaxReconnectAttempts < 1 {
		add("gateway.max-reconnect-attempts", "must be at least 1")
	}
	if g.HealthInterval <= 0 {
		add("gateway.health-interval", "must be positive")
	}
	if g.SessionIdleTimeout <= 0 {
		add("gateway.session-idle-timeout", "must be positive")
	}
	if g.NotifyThrottle < 0 {
		add("gateway.notify-throttle", "must not be negative")
	}
	if g.SSEKeepalive <= 0 {
		add("gateway.sse-keepalive", "must be positive")
	}

	if c.Auth.AccessTokenTTL <= 0 {
		add("auth.access-token-ttl", "must be positive")
	}
	if c.Auth.CodeTTL <= 0 {
		add("auth.code-ttl", "must be positive")
	}
	if c.Auth.RefreshTokenTTL < c.Auth.AccessTokenTTL {
		add("auth.refresh-token-ttl", "must not be shorter than access-token-ttl")
	}

	if c.OAuth.RefreshThreshold <= 0 || c.OAuth.RefreshThreshold >= 1 {
		add("oauth.refresh-threshold", "must be between 0 and 1 exclusive, got %v", c.OAuth.RefreshThreshold)
	}

	switch c.Secrets.Provider {
	case "keyring":
	case "env":
		if c.Secrets.EnvVar == "" {
			add("secrets.env-var", "required when provider is env")
		}
	default:
		add("secrets.provider", "must be keyring or env, got %q", c.Secrets.Provider)
	}

	if c.Logging != nil {
		switch strings.ToLower(c.Logging.Level) {
		case "", "trace", "debug", "info", "warn", "error":
		default:
			add("logging.level", "unknown level %q", c.Logging.Level)
		}
	}

	activeSeeds := 0
	spaceNames := make(map[string]bool)
	for i, sp := range c.Spaces {
		field := fmt.Sprintf("spaces[%d]", i)
		if strings.TrimSpace(sp.Name) == "" {
			add(field+".name", "required")
		} else if spaceNames[sp.Name] {
			add(field+".name", "duplicate space %q", sp.Name)
		}
		spaceNames[sp.Name] = true
		if sp.Active {
			activeSeeds++
		}

		aliases := make(map[string]bool)
		for j, srv := range sp.Servers {
			sf := fmt.Sprintf("%s.servers[%d]", field, j)
			if err := contracts.ValidateAlias(srv.Alias); err != nil {
				add(sf+".alias", "%v", err)
			} else if aliases[srv.Alias] {
				add(sf+".alias", "duplicate alias %q in space %q", srv.Alias, sp.Name)
			}
			aliases[srv.Alias] = true

			tc := srv.TransportConfig()
			if err := tc.Validate(); err != nil {
				add(sf+".transport", "%v", err)
			}
		}
	}
	if activeSeeds > 1 {
		add("spaces", "at most one space may be marked active")
	}

	return errs
}

// ValidateLoopback rejects listen addresses that are not bound to loopback.
func ValidateLoopback(listen string) error {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen address %q must be a loopback address", listen)
	}
	return nil
}
