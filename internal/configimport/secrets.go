package configimport

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

var secretKeyPattern = regexp.MustCompile(`(?i)(token|secret|passw(or)?d|api[_-]?key|credential|private[_-]?key|authorization)`)

// liftSecrets moves literal credentials out of env, headers and OAuth
// settings into secret inputs so they are stored encrypted. The source
// field is rewritten to a ${input:NAME} reference.
func liftSecrets(s *sourceServer) {
	taken := make(map[string]bool, len(s.Inputs))
	for _, in := range s.Inputs {
		taken[in.Name] = true
	}
	lift := func(key, value string) string {
		name := inputName(key)
		for i := 2; taken[name]; i++ {
			name = fmt.Sprintf("%s_%d", inputName(key), i)
		}
		taken[name] = true
		s.Inputs = append(s.Inputs, contracts.InputDecl{
			Name:     name,
			Required: true,
			Secret:   true,
		})
		if s.Values == nil {
			s.Values = make(map[string]string)
		}
		s.Values[name] = value
		return "${input:" + name + "}"
	}

	for _, k := range sortedKeys(s.Env) {
		if v := s.Env[k]; isLiteralSecret(k, v) {
			s.Env[k] = lift(k, v)
		}
	}
	for _, k := range sortedKeys(s.Headers) {
		v := s.Headers[k]
		if !isLiteralSecret(k, v) {
			continue
		}
		scheme, token, ok := strings.Cut(v, " ")
		if ok && (strings.EqualFold(scheme, "bearer") || strings.EqualFold(scheme, "basic")) {
			s.Headers[k] = scheme + " " + lift(k, token)
			continue
		}
		s.Headers[k] = lift(k, v)
	}
	if s.OAuth != nil && s.OAuth.ClientSecret != "" && !strings.Contains(s.OAuth.ClientSecret, "${") {
		s.OAuth.ClientSecret = lift("OAUTH_CLIENT_SECRET", s.OAuth.ClientSecret)
	}
}

func isLiteralSecret(key, value string) bool {
	return value != "" && !strings.Contains(value, "${") && secretKeyPattern.MatchString(key)
}

// inputName upper-cases key and replaces everything outside [A-Z0-9_].
func inputName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
