package configimport

import (
	"encoding/json"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// jsonServer is the union of the per-server fields of the JSON family.
// Claude Desktop only uses command, args and env.
type jsonServer struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	EnvFile string            `json:"envFile,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Cursor
	Auth *struct {
		ClientID     string   `json:"CLIENT_ID,omitempty"`
		ClientSecret string   `json:"CLIENT_SECRET,omitempty"`
		Scopes       []string `json:"scopes,omitempty"`
	} `json:"auth,omitempty"`

	// Gemini
	HTTPUrl      string   `json:"httpUrl,omitempty"`
	Timeout      int      `json:"timeout,omitempty"`
	Trust        bool     `json:"trust,omitempty"`
	IncludeTools []string `json:"includeTools,omitempty"`
	ExcludeTools []string `json:"excludeTools,omitempty"`
	OAuth        *struct {
		Enabled      bool     `json:"enabled,omitempty"`
		ClientID     string   `json:"clientId,omitempty"`
		ClientSecret string   `json:"clientSecret,omitempty"`
		Scopes       []string `json:"scopes,omitempty"`
	} `json:"oauth,omitempty"`
}

type jsonConfig struct {
	MCPServers map[string]jsonServer `json:"mcpServers"`
}

// parseJSONFamily decodes any mcpServers-keyed file and applies the
// transport defaults of format.
func parseJSONFamily(format ConfigFormat, content []byte) ([]*sourceServer, error) {
	var cfg jsonConfig
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, parseError("JSON", format.String(), err)
	}
	if len(cfg.MCPServers) == 0 {
		return nil, noServers(format)
	}

	out := make([]*sourceServer, 0, len(cfg.MCPServers))
	for name, js := range cfg.MCPServers {
		s := &sourceServer{
			Name:    name,
			Command: js.Command,
			Args:    js.Args,
			Env:     js.Env,
			Cwd:     js.Cwd,
			URL:     js.URL,
			Headers: js.Headers,
		}
		switch format {
		case FormatClaudeDesktop:
			s.Protocol = "stdio"
			s.URL, s.Headers, s.Cwd = "", nil, ""
		case FormatClaudeCode:
			s.Protocol = protocolOr(js.Type, js.URL, "streamable-http")
		case FormatCursor:
			s.Protocol = protocolOr(js.Type, js.URL, "sse")
			if js.EnvFile != "" {
				s.Skipped = append(s.Skipped, "envFile")
				s.Warnings = append(s.Warnings, "envFile is not supported; use env instead")
			}
			if js.Auth != nil && js.Auth.ClientID != "" {
				s.OAuth = &contracts.OAuthSettings{ClientID: js.Auth.ClientID, ClientSecret: js.Auth.ClientSecret, Scopes: js.Auth.Scopes}
			}
		case FormatGemini:
			geminiTransport(s, &js)
		}
		out = append(out, s)
	}
	return out, nil
}

func geminiTransport(s *sourceServer, js *jsonServer) {
	switch {
	case js.HTTPUrl != "":
		s.Protocol, s.URL = "streamable-http", js.HTTPUrl
	case js.URL != "":
		s.Protocol = "sse"
	default:
		s.Protocol = "stdio"
	}
	if js.OAuth != nil && js.OAuth.Enabled && js.OAuth.ClientID != "" {
		s.OAuth = &contracts.OAuthSettings{ClientID: js.OAuth.ClientID, ClientSecret: js.OAuth.ClientSecret, Scopes: js.OAuth.Scopes}
	}
	if js.Timeout > 0 {
		s.Warnings = append(s.Warnings, "timeout is not supported")
	}
	if js.Trust {
		s.Warnings = append(s.Warnings, "trust field ignored; approval is managed per client")
	}
	if len(js.IncludeTools) > 0 {
		s.Skipped = append(s.Skipped, "includeTools")
		s.Warnings = append(s.Warnings, "includeTools is not supported; use a feature set instead")
	}
	if len(js.ExcludeTools) > 0 {
		s.Skipped = append(s.Skipped, "excludeTools")
		s.Warnings = append(s.Warnings, "excludeTools is not supported; use a feature set instead")
	}
}

// protocolOr normalizes the declared type, falling back to stdio or
// urlDefault depending on whether a URL is present.
func protocolOr(declared, url, urlDefault string) string {
	switch declared {
	case "":
		if url != "" {
			return urlDefault
		}
		return "stdio"
	case "http", "streamableHttp":
		return "streamable-http"
	}
	return declared
}
