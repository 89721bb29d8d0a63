package configimport

import (
	"encoding/json"
	"errors"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFormat is returned when no supported layout matches.
var ErrUnknownFormat = errors.New("unable to detect configuration format: supported formats are Claude Desktop, Claude Code, Cursor IDE, Codex CLI, Gemini CLI and YAML manifests")

// DetectFormat identifies the layout of content. Codex TOML is tried
// first, then the JSON family keyed by mcpServers, then YAML manifests.
func DetectFormat(content []byte) (*DetectionResult, error) {
	if r := detectTOML(content); r != nil {
		return r, nil
	}
	if r := detectJSON(content); r != nil {
		return r, nil
	}
	if r := detectManifest(content); r != nil {
		return r, nil
	}
	return nil, ErrUnknownFormat
}

func detectTOML(content []byte) *DetectionResult {
	var raw map[string]any
	if _, err := toml.Decode(string(content), &raw); err != nil {
		return nil
	}
	if _, ok := raw["mcp_servers"]; ok {
		return &DetectionResult{Format: FormatCodex, Confidence: "high", Indicators: []string{"toml_format", "mcp_servers_key"}}
	}
	return nil
}

func detectManifest(content []byte) *DetectionResult {
	var raw struct {
		Servers []map[string]any `yaml:"servers"`
	}
	if err := yaml.Unmarshal(content, &raw); err != nil || len(raw.Servers) == 0 {
		return nil
	}
	return &DetectionResult{Format: FormatManifest, Confidence: "high", Indicators: []string{"yaml_format", "servers_list"}}
}

// jsonHint is one server-level signal that pins a JSON format.
type jsonHint struct {
	format     ConfigFormat
	confidence string
	indicator  string
	match      func(server map[string]any) bool
}

func hasKey(key string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		_, ok := m[key]
		return ok
	}
}

func typeIs(values ...string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		t, _ := m["type"].(string)
		for _, v := range values {
			if t == v {
				return true
			}
		}
		return false
	}
}

// jsonHints are checked in order against every server; the first match wins.
var jsonHints = []jsonHint{
	{FormatGemini, "high", "httpUrl_field", hasKey("httpUrl")},
	{FormatClaudeCode, "high", "type_websocket", typeIs("websocket")},
	{FormatCursor, "high", "type_streamable_http", typeIs("streamable-http", "streamableHttp")},
	{FormatGemini, "medium", "trust_field", hasKey("trust")},
	{FormatGemini, "medium", "includeTools_field", hasKey("includeTools")},
	{FormatGemini, "medium", "excludeTools_field", hasKey("excludeTools")},
	{FormatCursor, "high", "auth_CLIENT_ID", func(m map[string]any) bool {
		auth, ok := m["auth"].(map[string]any)
		if !ok {
			return false
		}
		_, ok = auth["CLIENT_ID"]
		return ok
	}},
	{FormatCursor, "medium", "envFile_field", hasKey("envFile")},
	{FormatClaudeCode, "medium", "type_http", typeIs("http")},
}

func detectJSON(content []byte) *DetectionResult {
	var raw map[string]any
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil
	}
	servers, ok := raw["mcpServers"].(map[string]any)
	if !ok {
		return nil
	}
	found := func(f ConfigFormat, confidence, indicator string) *DetectionResult {
		return &DetectionResult{Format: f, Confidence: confidence, Indicators: []string{"json_format", "mcpServers_key", indicator}}
	}

	if _, ok := raw["globalShortcut"]; ok {
		return found(FormatClaudeDesktop, "high", "globalShortcut_key")
	}
	for _, hint := range jsonHints {
		for _, s := range servers {
			if m, ok := s.(map[string]any); ok && hint.match(m) {
				return found(hint.format, hint.confidence, hint.indicator)
			}
		}
	}
	if _, ok := raw["mcp"]; ok {
		return found(FormatGemini, "medium", "mcp_global_config")
	}

	for _, s := range servers {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if hasKey("url")(m) || hasKey("type")(m) {
			return found(FormatCursor, "low", "generic_fallback")
		}
	}
	return found(FormatClaudeDesktop, "medium", "all_stdio_servers")
}
