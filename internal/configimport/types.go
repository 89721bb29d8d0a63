// Package configimport reads the MCP server declarations of other MCP
// clients (Claude Desktop, Claude Code, Cursor IDE, Codex CLI, Gemini CLI)
// or a YAML manifest and turns them into installation candidates.
package configimport

import (
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// ConfigFormat identifies a source file layout.
type ConfigFormat string

const (
	FormatUnknown       ConfigFormat = "unknown"
	FormatClaudeDesktop ConfigFormat = "claude_desktop"
	FormatClaudeCode    ConfigFormat = "claude_code"
	FormatCursor        ConfigFormat = "cursor"
	FormatCodex         ConfigFormat = "codex"
	FormatGemini        ConfigFormat = "gemini"
	FormatManifest      ConfigFormat = "manifest"
)

// String returns the display name.
func (f ConfigFormat) String() string {
	switch f {
	case FormatClaudeDesktop:
		return "Claude Desktop"
	case FormatClaudeCode:
		return "Claude Code"
	case FormatCursor:
		return "Cursor IDE"
	case FormatCodex:
		return "Codex CLI"
	case FormatGemini:
		return "Gemini CLI"
	case FormatManifest:
		return "YAML manifest"
	default:
		return "Unknown"
	}
}

// DetectionResult explains which format was recognized and why.
type DetectionResult struct {
	Format     ConfigFormat
	Confidence string // "high", "medium" or "low"
	Indicators []string
}

// sourceServer is one server as declared by the source file, normalized
// across formats but not yet validated.
type sourceServer struct {
	Name     string
	Protocol string // stdio, streamable-http, sse, websocket
	Command  string
	Args     []string
	Env      map[string]string
	Cwd      string
	URL      string
	Headers  map[string]string
	Enabled  *bool
	OAuth    *contracts.OAuthSettings
	Inputs   []contracts.InputDecl
	Values   map[string]string
	Skipped  []string
	Warnings []string
}

// Candidate is a server ready to be installed. Values holds plaintext
// input values lifted out of the source file; the caller encrypts them.
type Candidate struct {
	Alias         string                    `json:"alias"`
	OriginalName  string                    `json:"original_name"`
	SourceFormat  ConfigFormat              `json:"source_format"`
	Transport     contracts.TransportConfig `json:"transport"`
	Inputs        []contracts.InputDecl     `json:"inputs,omitempty"`
	Values        map[string]string         `json:"-"`
	Enabled       bool                      `json:"enabled"`
	FieldsSkipped []string                  `json:"fields_skipped,omitempty"`
	Warnings      []string                  `json:"warnings,omitempty"`
}

// Result is the outcome of parsing one source file.
type Result struct {
	Format            ConfigFormat    `json:"format"`
	FormatDisplayName string          `json:"format_display_name"`
	Candidates        []*Candidate    `json:"candidates"`
	Skipped           []SkippedServer `json:"skipped"`
	Failed            []FailedServer  `json:"failed"`
	Warnings          []string        `json:"warnings,omitempty"`
	Summary           Summary         `json:"summary"`
}

// Summary provides counts for display.
type Summary struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// SkippedServer is a server left out on purpose.
type SkippedServer struct {
	Name   string `json:"name"`
	Reason string `json:"reason"` // "already_exists" or "filtered_out"
}

// FailedServer is a server that cannot be installed.
type FailedServer struct {
	Name    string `json:"name"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Options tunes Import.
type Options struct {
	// FormatHint skips detection when set.
	FormatHint ConfigFormat
	// Only restricts the import to these source names.
	Only []string
	// ExistingAliases are aliases already used in the target space.
	ExistingAliases []string
	// KeepSecretsInline leaves credentials in env and headers instead of
	// lifting them into encrypted inputs.
	KeepSecretsInline bool
}

// ImportError is a structured parse failure.
type ImportError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *ImportError) Error() string {
	return e.Message
}

func parseError(kind, format string, err error) *ImportError {
	return &ImportError{Type: "parse_error", Message: "invalid " + kind + " in " + format + " config: " + err.Error()}
}

func noServers(format ConfigFormat) *ImportError {
	return &ImportError{Type: "no_servers", Message: "no MCP servers found in " + format.String() + " config"}
}
