package configimport

import (
	"github.com/BurntSushi/toml"
)

type codexConfig struct {
	MCPServers map[string]codexServer `toml:"mcp_servers"`
}

type codexServer struct {
	Command string            `toml:"command,omitempty"`
	Args    []string          `toml:"args,omitempty"`
	Cwd     string            `toml:"cwd,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`
	EnvVars []string          `toml:"env_vars,omitempty"`

	URL               string            `toml:"url,omitempty"`
	BearerToken       string            `toml:"bearer_token,omitempty"`
	BearerTokenEnvVar string            `toml:"bearer_token_env_var,omitempty"`
	HTTPHeaders       map[string]string `toml:"http_headers,omitempty"`
	EnvHTTPHeaders    map[string]string `toml:"env_http_headers,omitempty"`

	Enabled       *bool    `toml:"enabled,omitempty"`
	EnabledTools  []string `toml:"enabled_tools,omitempty"`
	DisabledTools []string `toml:"disabled_tools,omitempty"`

	StartupTimeoutSec float64 `toml:"startup_timeout_sec,omitempty"`
	StartupTimeoutMs  int64   `toml:"startup_timeout_ms,omitempty"`
	ToolTimeoutSec    float64 `toml:"tool_timeout_sec,omitempty"`
}

// parseCodex reads ~/.codex/config.toml. Variables Codex forwards from its
// own environment become ${env:NAME} references resolved when the gateway
// connects, not at import time.
func parseCodex(content []byte) ([]*sourceServer, error) {
	var cfg codexConfig
	if _, err := toml.Decode(string(content), &cfg); err != nil {
		return nil, parseError("TOML", FormatCodex.String(), err)
	}
	if len(cfg.MCPServers) == 0 {
		return nil, noServers(FormatCodex)
	}

	out := make([]*sourceServer, 0, len(cfg.MCPServers))
	for name, cs := range cfg.MCPServers {
		s := &sourceServer{
			Name:     name,
			Protocol: "stdio",
			Command:  cs.Command,
			Args:     cs.Args,
			Cwd:      cs.Cwd,
			URL:      cs.URL,
			Enabled:  cs.Enabled,
			Env:      make(map[string]string, len(cs.Env)+len(cs.EnvVars)),
			Headers:  make(map[string]string, len(cs.HTTPHeaders)+len(cs.EnvHTTPHeaders)+1),
		}
		if cs.URL != "" {
			s.Protocol = "streamable-http"
		}
		for k, v := range cs.Env {
			s.Env[k] = v
		}
		for _, name := range cs.EnvVars {
			s.Env[name] = envRef(name)
		}
		for k, v := range cs.HTTPHeaders {
			s.Headers[k] = v
		}
		for header, name := range cs.EnvHTTPHeaders {
			s.Headers[header] = envRef(name)
		}
		switch {
		case cs.BearerToken != "":
			s.Headers["Authorization"] = "Bearer " + cs.BearerToken
		case cs.BearerTokenEnvVar != "":
			s.Headers["Authorization"] = "Bearer " + envRef(cs.BearerTokenEnvVar)
		}

		if len(cs.EnabledTools) > 0 {
			s.Skipped = append(s.Skipped, "enabled_tools")
			s.Warnings = append(s.Warnings, "enabled_tools is not supported; use a feature set instead")
		}
		if len(cs.DisabledTools) > 0 {
			s.Skipped = append(s.Skipped, "disabled_tools")
			s.Warnings = append(s.Warnings, "disabled_tools is not supported; use a feature set instead")
		}
		if cs.StartupTimeoutSec > 0 || cs.StartupTimeoutMs > 0 {
			s.Warnings = append(s.Warnings, "startup_timeout is not supported")
		}
		if cs.ToolTimeoutSec > 0 {
			s.Warnings = append(s.Warnings, "tool_timeout_sec is not supported")
		}
		out = append(out, s)
	}
	return out, nil
}

func envRef(name string) string {
	return "${env:" + name + "}"
}
