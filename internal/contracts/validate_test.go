package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAlias(t *testing.T) {
	valid := []string{"echo", "github", "my-server", "a1", "fs_local", "x_y-z_w"}
	for _, a := range valid {
		assert.NoError(t, ValidateAlias(a), a)
	}

	invalid := []string{"", "Echo", "-lead", "double__under", "trailing_", "_lead", "sp ace", "dot.ted"}
	for _, a := range invalid {
		assert.Error(t, ValidateAlias(a), a)
	}
}

func TestTransportValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TransportConfig
		wantErr bool
	}{
		{"stdio ok", TransportConfig{Kind: TransportStdio, Stdio: &StdioTransport{Command: "npx"}}, false},
		{"stdio missing command", TransportConfig{Kind: TransportStdio, Stdio: &StdioTransport{}}, true},
		{"http ok", TransportConfig{Kind: TransportHTTP, HTTP: &HTTPTransport{URL: "https://example.com/mcp"}}, false},
		{"http bad scheme", TransportConfig{Kind: TransportHTTP, HTTP: &HTTPTransport{URL: "ftp://example.com"}}, true},
		{"http no url", TransportConfig{Kind: TransportHTTP, HTTP: &HTTPTransport{}}, true},
		{"both variants", TransportConfig{Kind: TransportStdio, Stdio: &StdioTransport{Command: "x"}, HTTP: &HTTPTransport{URL: "http://a"}}, true},
		{"unknown", TransportConfig{Kind: "websocket"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitNamespaced(t *testing.T) {
	alias, native, ok := SplitNamespaced("github__create_issue")
	assert.True(t, ok)
	assert.Equal(t, "github", alias)
	assert.Equal(t, "create_issue", native)

	// Native names may themselves contain the separator.
	alias, native, ok = SplitNamespaced("fs__read__raw")
	assert.True(t, ok)
	assert.Equal(t, "fs", alias)
	assert.Equal(t, "read__raw", native)

	for _, bad := range []string{"plain", "__lead", "trail__"} {
		_, _, ok := SplitNamespaced(bad)
		assert.False(t, ok, bad)
	}

	assert.Equal(t, "echo__say", Namespaced("echo", "say"))
}
