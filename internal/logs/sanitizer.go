package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer wraps a zapcore.Core and masks credentials in messages and fields.
type SecretSanitizer struct {
	zapcore.Core
	registry *secretRegistry
}

type secretRegistry struct {
	values sync.Map
}

type secretPattern struct {
	regex    *regexp.Regexp
	maskFunc func(string) string
}

var patterns = []secretPattern{
	{
		regex: regexp.MustCompile(`\bBearer\s+[A-Za-z0-9\-\._~\+\/]+=*`),
		maskFunc: func(token string) string {
			parts := strings.SplitN(token, " ", 2)
			if len(parts) != 2 {
				return "Bearer ****"
			}
			return "Bearer " + maskValue(strings.TrimSpace(parts[1]))
		},
	},
	{
		regex: regexp.MustCompile(`\beyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
		maskFunc: func(jwt string) string {
			return jwt[:strings.Index(jwt, ".")] + ".***"
		},
	},
	{
		// access_token=..., "refresh_token":"...", client_secret: ..., code_verifier=...
		regex: kvPattern,
		maskFunc: func(match string) string {
			sub := kvPattern.FindStringSubmatch(match)
			if len(sub) != 3 {
				return match
			}
			return sub[1] + maskValue(sub[2])
		},
	},
}

var kvPattern = regexp.MustCompile(`((?:access_token|refresh_token|client_secret|code_verifier|api_key)["']?\s*[=:]\s*["']?)([^"'&\s,}]+)`)

// NewSecretSanitizer creates a sanitizing core that wraps the provided core
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	return &SecretSanitizer{Core: core, registry: &secretRegistry{}}
}

// Wrap returns a sanitizer around core that shares this sanitizer's registered secrets.
func (s *SecretSanitizer) Wrap(core zapcore.Core) *SecretSanitizer {
	return &SecretSanitizer{Core: core, registry: s.registry}
}

// RegisterSecret adds a resolved secret value (an input value, a token) to the mask list.
func (s *SecretSanitizer) RegisterSecret(value string) {
	if len(value) < 8 {
		return
	}
	s.registry.values.Store(value, struct{}{})
}

// UnregisterSecret removes a value from the mask list.
func (s *SecretSanitizer) UnregisterSecret(value string) {
	s.registry.values.Delete(value)
}

func (s *SecretSanitizer) sanitizeString(str string) string {
	result := str
	s.registry.values.Range(func(key, _ any) bool {
		if v, ok := key.(string); ok {
			result = strings.ReplaceAll(result, v, maskValue(v))
		}
		return true
	})
	for _, p := range patterns {
		result = p.regex.ReplaceAllStringFunc(result, p.maskFunc)
	}
	return result
}

// Write sanitizes the entry before writing
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.sanitizeString(entry.Message)
	return s.Core.Write(entry, s.sanitizeFields(fields))
}

func (s *SecretSanitizer) sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		out[i] = s.sanitizeField(field)
	}
	return out
}

func (s *SecretSanitizer) sanitizeField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = s.sanitizeString(field.String)
	case zapcore.ByteStringType:
		if b, ok := field.Interface.([]byte); ok {
			field.Interface = []byte(s.sanitizeString(string(b)))
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok && err != nil {
			msg := err.Error()
			if clean := s.sanitizeString(msg); clean != msg {
				return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: clean}
			}
		}
	case zapcore.StringerType:
		if st, ok := field.Interface.(interface{ String() string }); ok {
			str := st.String()
			if clean := s.sanitizeString(str); clean != str {
				return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: clean}
			}
		}
	}
	return field
}

// With creates a sanitizing child core
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	return &SecretSanitizer{Core: s.Core.With(s.sanitizeFields(fields)), registry: s.registry}
}

// Check delegates to the wrapped core
func (s *SecretSanitizer) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return ce.AddCore(entry, s)
	}
	return ce
}

// maskValue keeps the first three and last two characters of long values.
func maskValue(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
