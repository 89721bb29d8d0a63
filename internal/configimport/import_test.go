package configimport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

const claudeDesktop = `{
	"globalShortcut": "Ctrl+Space",
	"mcpServers": {
		"github": {
			"command": "npx",
			"args": ["-y", "@modelcontextprotocol/server-github"],
			"env": {"GITHUB_PERSONAL_ACCESS_TOKEN": "ghp_abc", "LOG_LEVEL": "info"}
		},
		"filesystem": {
			"command": "npx",
			"args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
		}
	}
}`

func candidate(t *testing.T, res *Result, alias string) *Candidate {
	t.Helper()
	for _, c := range res.Candidates {
		if c.Alias == alias {
			return c
		}
	}
	t.Fatalf("candidate %q not found in %d candidates", alias, len(res.Candidates))
	return nil
}

func TestImportClaudeDesktopLiftsSecrets(t *testing.T) {
	res, err := Import([]byte(claudeDesktop), Options{})
	require.NoError(t, err)
	assert.Equal(t, FormatClaudeDesktop, res.Format)
	assert.Equal(t, Summary{Total: 2, Imported: 2}, res.Summary)

	gh := candidate(t, res, "github")
	require.Equal(t, contracts.TransportStdio, gh.Transport.Kind)
	env := gh.Transport.Stdio.Env
	assert.Equal(t, "${input:GITHUB_PERSONAL_ACCESS_TOKEN}", env["GITHUB_PERSONAL_ACCESS_TOKEN"])
	assert.Equal(t, "info", env["LOG_LEVEL"])
	require.Len(t, gh.Inputs, 1)
	assert.Equal(t, contracts.InputDecl{Name: "GITHUB_PERSONAL_ACCESS_TOKEN", Required: true, Secret: true}, gh.Inputs[0])
	assert.Equal(t, "ghp_abc", gh.Values["GITHUB_PERSONAL_ACCESS_TOKEN"])
	assert.True(t, gh.Enabled)

	fs := candidate(t, res, "filesystem")
	assert.Empty(t, fs.Inputs)
}

func TestImportKeepSecretsInline(t *testing.T) {
	res, err := Import([]byte(claudeDesktop), Options{KeepSecretsInline: true})
	require.NoError(t, err)
	gh := candidate(t, res, "github")
	assert.Equal(t, "ghp_abc", gh.Transport.Stdio.Env["GITHUB_PERSONAL_ACCESS_TOKEN"])
	assert.Empty(t, gh.Inputs)
}

func TestImportSkipsExistingAndFiltered(t *testing.T) {
	res, err := Import([]byte(claudeDesktop), Options{
		ExistingAliases: []string{"github"},
		Only:            []string{"github", "filesystem", "missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, []SkippedServer{{Name: "github", Reason: "already_exists"}}, res.Skipped)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "filesystem", res.Candidates[0].Alias)
	assert.Contains(t, res.Warnings, "requested server 'missing' not found in config")

	res, err = Import([]byte(claudeDesktop), Options{Only: []string{"filesystem"}})
	require.NoError(t, err)
	assert.Equal(t, []SkippedServer{{Name: "github", Reason: "filtered_out"}}, res.Skipped)
}

func TestImportCodex(t *testing.T) {
	content := `
[mcp_servers.docs]
command = "docs-mcp"
env_vars = ["DOCS_HOME"]
enabled = false

[mcp_servers.linear]
url = "https://mcp.linear.app/mcp"
bearer_token_env_var = "LINEAR_TOKEN"
http_headers = { "X-Api-Key" = "k-123" }
enabled_tools = ["search"]
`
	res, err := Import([]byte(content), Options{})
	require.NoError(t, err)
	assert.Equal(t, FormatCodex, res.Format)

	docs := candidate(t, res, "docs")
	assert.False(t, docs.Enabled)
	assert.Equal(t, "${env:DOCS_HOME}", docs.Transport.Stdio.Env["DOCS_HOME"])

	linear := candidate(t, res, "linear")
	require.Equal(t, contracts.TransportHTTP, linear.Transport.Kind)
	h := linear.Transport.HTTP.Headers
	assert.Equal(t, "Bearer ${env:LINEAR_TOKEN}", h["Authorization"], "env references are not lifted")
	assert.Equal(t, "${input:X_API_KEY}", h["X-Api-Key"])
	assert.Equal(t, "k-123", linear.Values["X_API_KEY"])
	assert.Equal(t, []string{"enabled_tools"}, linear.FieldsSkipped)
}

func TestImportBearerHeaderKeepsScheme(t *testing.T) {
	content := `{"mcpServers": {"remote": {"type": "http", "url": "https://mcp.example.com/mcp",
		"headers": {"Authorization": "Bearer sk-live"}}}}`
	res, err := Import([]byte(content), Options{})
	require.NoError(t, err)
	c := candidate(t, res, "remote")
	assert.Equal(t, "Bearer ${input:AUTHORIZATION}", c.Transport.HTTP.Headers["Authorization"])
	assert.Equal(t, "sk-live", c.Values["AUTHORIZATION"])
}

func TestImportRejectsUnsupportedTransports(t *testing.T) {
	content := `{"mcpServers": {
		"legacy": {"url": "https://mcp.example.com/sse"},
		"broken": {"type": "streamable-http"}
	}}`
	res, err := Import([]byte(content), Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "broken", res.Failed[0].Name)
	assert.Equal(t, "invalid_transport", res.Failed[0].Error)
	assert.Equal(t, "legacy", res.Failed[1].Name)
	assert.Equal(t, "unsupported_transport", res.Failed[1].Error)
}

func TestImportGeminiOAuthSecretIsLifted(t *testing.T) {
	content := `{"mcpServers": {"Remote Tools": {
		"httpUrl": "https://tools.example.com/mcp",
		"oauth": {"enabled": true, "clientId": "cid", "clientSecret": "shh"},
		"excludeTools": ["delete"]
	}}}`
	res, err := Import([]byte(content), Options{})
	require.NoError(t, err)

	c := candidate(t, res, "remote-tools")
	assert.Equal(t, "Remote Tools", c.OriginalName)
	assert.Contains(t, res.Warnings, "server 'Remote Tools' renamed to 'remote-tools'")
	require.NotNil(t, c.Transport.HTTP.OAuth)
	assert.Equal(t, "cid", c.Transport.HTTP.OAuth.ClientID)
	assert.Equal(t, "${input:OAUTH_CLIENT_SECRET}", c.Transport.HTTP.OAuth.ClientSecret)
	assert.Equal(t, "shh", c.Values["OAUTH_CLIENT_SECRET"])
	assert.Equal(t, []string{"excludeTools"}, c.FieldsSkipped)
}

func TestImportManifest(t *testing.T) {
	content := `
servers:
  - alias: echo
    command: echo-mcp
    args: ["--token", "${input:TOKEN}"]
    inputs:
      - {name: TOKEN, required: true, secret: true}
    values: {TOKEN: abc}
  - alias: remote
    url: https://mcp.example.com/mcp
    enabled: false
`
	res, err := Import([]byte(content), Options{})
	require.NoError(t, err)
	assert.Equal(t, FormatManifest, res.Format)

	echo := candidate(t, res, "echo")
	assert.Equal(t, []contracts.InputDecl{{Name: "TOKEN", Required: true, Secret: true}}, echo.Inputs)
	assert.Equal(t, "abc", echo.Values["TOKEN"])

	remote := candidate(t, res, "remote")
	assert.Equal(t, contracts.TransportHTTP, remote.Transport.Kind)
	assert.False(t, remote.Enabled)
}

func TestImportFormatHintErrors(t *testing.T) {
	_, err := Import([]byte(`{"mcpServers": {}}`), Options{FormatHint: FormatCursor})
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "no_servers", ie.Type)

	_, err = Import([]byte(`{}`), Options{FormatHint: "vscode"})
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "unknown_format", ie.Type)
}

func TestSanitizeAlias(t *testing.T) {
	tests := map[string]string{
		"github":           "github",
		"GitHub":           "github",
		"My Server.v2":     "my-server-v2",
		"a__b":             "a_b",
		"  spaced  ":       "spaced",
		"@scope/pkg":       "scope-pkg",
		"!!!":              "",
		"under_score-dash": "under_score-dash",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeAlias(in), "input %q", in)
	}
}
