package logs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smart-mcp-proxy/mcpgate/internal/config"
)

func TestSanitizerMasksCredentials(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewSecretSanitizer(core)
	logger := zap.New(s)

	s.RegisterSecret("super-secret-input-value")

	logger.Info("calling backend with Authorization: Bearer abcdefghijklmnop",
		zap.String("body", "grant_type=refresh_token&refresh_token=rt-0123456789abcdef&client_secret=cs-9876543210"),
		zap.String("env", "TOKEN=super-secret-input-value"),
		zap.Error(errors.New(`token response {"access_token":"at-0123456789abcdef"}`)),
	)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.NotContains(t, entry.Message, "abcdefghijklmnop")
	assert.Contains(t, entry.Message, "Bearer abc***op")

	ctx := entry.ContextMap()
	body := ctx["body"].(string)
	assert.NotContains(t, body, "rt-0123456789abcdef")
	assert.NotContains(t, body, "cs-9876543210")
	assert.Contains(t, body, "grant_type=refresh_token")

	assert.NotContains(t, ctx["env"], "super-secret-input-value")
	assert.NotContains(t, ctx["error"], "at-0123456789abcdef")
}

func TestSanitizerWithFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(NewSecretSanitizer(core)).With(zap.String("auth", "Bearer zzzzzzzzzzzzzzzz"))
	logger.Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.False(t, strings.Contains(logs.All()[0].ContextMap()["auth"].(string), "zzzzzzzzzzzzzzzz"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("trace"))
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestSetupLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{
		Level:      "debug",
		EnableFile: true,
		Filename:   "main.log",
		LogDir:     dir,
		MaxSize:    1,
		JSONFormat: true,
	}

	logger, sanitizer, err := SetupLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, sanitizer)

	logger.Info("gateway started", zap.String("listen", "127.0.0.1:1"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "main.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "gateway started")

	backend, err := CreateBackendLogger(cfg, sanitizer, "echo")
	require.NoError(t, err)
	backend.Info("spawned")
	require.NoError(t, backend.Sync())
	assert.FileExists(t, filepath.Join(dir, "server-echo.log"))
}

func TestSetupLoggerNoOutputs(t *testing.T) {
	_, _, err := SetupLogger(&config.LogConfig{})
	assert.Error(t, err)
}
