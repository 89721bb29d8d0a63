package configimport

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// Import detects the format of content, parses it and maps every server to
// an installation candidate. Servers whose alias is already taken are
// skipped; servers the gateway cannot reach (SSE, WebSocket) fail.
func Import(content []byte, opts Options) (*Result, error) {
	format := opts.FormatHint
	if format == "" || format == FormatUnknown {
		detected, err := DetectFormat(content)
		if err != nil {
			return nil, err
		}
		format = detected.Format
	}

	sources, err := parse(format, content)
	if err != nil {
		return nil, err
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })

	res := &Result{
		Format:            format,
		FormatDisplayName: format.String(),
		Candidates:        []*Candidate{},
		Skipped:           []SkippedServer{},
		Failed:            []FailedServer{},
		Warnings:          []string{},
	}

	existing := make(map[string]bool, len(opts.ExistingAliases))
	for _, a := range opts.ExistingAliases {
		existing[a] = true
	}
	var only map[string]bool
	if len(opts.Only) > 0 {
		only = make(map[string]bool, len(opts.Only))
		for _, n := range opts.Only {
			only[n] = true
		}
	}
	seen := make(map[string]bool, len(sources))

	for _, src := range sources {
		seen[src.Name] = true
		if only != nil && !only[src.Name] {
			res.Skipped = append(res.Skipped, SkippedServer{Name: src.Name, Reason: "filtered_out"})
			continue
		}

		alias := SanitizeAlias(src.Name)
		if alias == "" {
			res.Failed = append(res.Failed, FailedServer{Name: src.Name, Error: "invalid_name", Details: "no usable alias can be derived from the name"})
			continue
		}
		if alias != src.Name {
			res.Warnings = append(res.Warnings, fmt.Sprintf("server '%s' renamed to '%s'", src.Name, alias))
		}
		if existing[alias] {
			res.Skipped = append(res.Skipped, SkippedServer{Name: src.Name, Reason: "already_exists"})
			continue
		}

		if !opts.KeepSecretsInline {
			liftSecrets(src)
		}
		c, err := toCandidate(format, alias, src)
		if err != nil {
			res.Failed = append(res.Failed, *err)
			continue
		}
		res.Candidates = append(res.Candidates, c)
		existing[alias] = true
	}

	for _, name := range opts.Only {
		if !seen[name] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("requested server '%s' not found in config", name))
		}
	}

	res.Summary = Summary{
		Total:    len(sources),
		Imported: len(res.Candidates),
		Skipped:  len(res.Skipped),
		Failed:   len(res.Failed),
	}
	return res, nil
}

func parse(format ConfigFormat, content []byte) ([]*sourceServer, error) {
	switch format {
	case FormatClaudeDesktop, FormatClaudeCode, FormatCursor, FormatGemini:
		return parseJSONFamily(format, content)
	case FormatCodex:
		return parseCodex(content)
	case FormatManifest:
		return parseManifest(content)
	}
	return nil, &ImportError{Type: "unknown_format", Message: fmt.Sprintf("no parser available for format: %s", format)}
}

func toCandidate(format ConfigFormat, alias string, src *sourceServer) (*Candidate, *FailedServer) {
	tc := contracts.TransportConfig{}
	switch src.Protocol {
	case "stdio":
		tc.Kind = contracts.TransportStdio
		tc.Stdio = &contracts.StdioTransport{Command: src.Command, Args: src.Args, Env: src.Env, WorkingDir: src.Cwd}
	case "streamable-http":
		tc.Kind = contracts.TransportHTTP
		tc.HTTP = &contracts.HTTPTransport{URL: src.URL, Headers: src.Headers, OAuth: src.OAuth}
	default:
		return nil, &FailedServer{
			Name:    src.Name,
			Error:   "unsupported_transport",
			Details: fmt.Sprintf("transport %q is not supported; use stdio or streamable-http", src.Protocol),
		}
	}
	if err := tc.Validate(); err != nil {
		return nil, &FailedServer{Name: src.Name, Error: "invalid_transport", Details: err.Error()}
	}

	warnings := src.Warnings
	if src.OAuth != nil {
		warnings = append(warnings, "OAuth client settings imported; run a login before first use")
	}
	return &Candidate{
		Alias:         alias,
		OriginalName:  src.Name,
		SourceFormat:  format,
		Transport:     tc,
		Inputs:        src.Inputs,
		Values:        src.Values,
		Enabled:       src.Enabled == nil || *src.Enabled,
		FieldsSkipped: src.Skipped,
		Warnings:      warnings,
	}, nil
}

// SanitizeAlias derives a valid installation alias from a source name, or
// returns "" when nothing usable is left.
func SanitizeAlias(name string) string {
	if contracts.ValidateAlias(name) == nil {
		return name
	}
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_':
			b.WriteByte('_')
		default:
			b.WriteByte('-')
		}
	}
	alias := b.String()
	for strings.Contains(alias, "--") {
		alias = strings.ReplaceAll(alias, "--", "-")
	}
	for strings.Contains(alias, "__") {
		alias = strings.ReplaceAll(alias, "__", "_")
	}
	alias = strings.ReplaceAll(alias, "-_", "_")
	alias = strings.ReplaceAll(alias, "_-", "_")
	alias = strings.Trim(alias, "-_")
	if len(alias) > 64 {
		alias = strings.TrimRight(alias[:64], "-_")
	}
	if contracts.ValidateAlias(alias) != nil {
		return ""
	}
	return alias
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
