package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDetailed(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		errorFields []string
	}{
		{
			name:        "defaults are valid",
			mutate:      func(*Config) {},
			errorFields: nil,
		},
		{
			name:        "non-loopback listen",
			mutate:      func(c *Config) { c.Listen = "0.0.0.0:8080" },
			errorFields: []string{"listen"},
		},
		{
			name:        "localhost listen",
			mutate:      func(c *Config) { c.Listen = "localhost:9000" },
			errorFields: nil,
		},
		{
			name:        "ipv6 loopback",
			mutate:      func(c *Config) { c.Listen = "[::1]:9000" },
			errorFields: nil,
		},
		{
			name: "request timeout not above handshake",
			mutate: func(c *Config) {
				c.Gateway.HandshakeTimeout = 30 * time.Second
				c.Gateway.RequestTimeout = 20 * time.Second
			},
			errorFields: []string{"gateway.request-timeout"},
		},
		{
			name:        "backoff ceiling below request timeout",
			mutate:      func(c *Config) { c.Gateway.ReconnectMax = 10 * time.Second },
			errorFields: []string{"gateway.reconnect-max"},
		},
		{
			name:        "refresh threshold out of range",
			mutate:      func(c *Config) { c.OAuth.RefreshThreshold = 1.2 },
			errorFields: []string{"oauth.refresh-threshold"},
		},
		{
			name:        "unknown secret provider",
			mutate:      func(c *Config) { c.Secrets.Provider = "plaintext" },
			errorFields: []string{"secrets.provider"},
		},
		{
			name: "bad seeded server",
			mutate: func(c *Config) {
				c.Spaces = []SpaceSeed{{
					Name: "work",
					Servers: []ServerSeed{
						{Alias: "echo", Command: "echo-server"},
						{Alias: "echo", Command: "other"},
						{Alias: "bad__alias", Transport: "streamable-http", URL: "https://x.example/mcp"},
						{Alias: "nocmd", Transport: "stdio"},
					},
				}}
			},
			errorFields: []string{
				"spaces[0].servers[1].alias",
				"spaces[0].servers[2].alias",
				"spaces[0].servers[3].transport",
			},
		},
		{
			name: "two active spaces",
			mutate: func(c *Config) {
				c.Spaces = []SpaceSeed{{Name: "a", Active: true}, {Name: "b", Active: true}}
			},
			errorFields: []string{"spaces"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			errs := cfg.ValidateDetailed()

			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.ElementsMatch(t, tt.errorFields, fields)
		})
	}
}

func TestValidateReturnsNilWhenClean(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}
