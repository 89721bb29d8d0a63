package contracts

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// NamespaceSeparator joins an installation alias and a native feature name.
const NamespaceSeparator = "__"

var aliasPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*(_[a-z0-9-]+)*$`)

// ValidateAlias checks the display prefix of an installation.
func ValidateAlias(alias string) error {
	if alias == "" {
		return fmt.Errorf("alias is required")
	}
	if !aliasPattern.MatchString(alias) || strings.Contains(alias, NamespaceSeparator) {
		return fmt.Errorf("alias %q must match %s and must not contain %q", alias, aliasPattern.String(), NamespaceSeparator)
	}
	return nil
}

// Validate checks that exactly the variant named by Kind is populated and well formed.
func (t *TransportConfig) Validate() error {
	switch t.Kind {
	case TransportStdio:
		if t.Stdio == nil || strings.TrimSpace(t.Stdio.Command) == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
		if t.HTTP != nil {
			return fmt.Errorf("stdio transport must not carry http settings")
		}
	case TransportHTTP:
		if t.HTTP == nil || t.HTTP.URL == "" {
			return fmt.Errorf("streamable-http transport requires a url")
		}
		u, err := url.Parse(t.HTTP.URL)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", t.HTTP.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("url %q must use http or https", t.HTTP.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("url %q has no host", t.HTTP.URL)
		}
		if t.Stdio != nil {
			return fmt.Errorf("streamable-http transport must not carry stdio settings")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", t.Kind)
	}
	return nil
}

// SplitNamespaced splits "<alias>__<native>" at the first separator.
func SplitNamespaced(name string) (alias, native string, ok bool) {
	idx := strings.Index(name, NamespaceSeparator)
	if idx <= 0 || idx+len(NamespaceSeparator) >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+len(NamespaceSeparator):], true
}

// Namespaced joins an alias and a native name.
func Namespaced(alias, native string) string {
	return alias + NamespaceSeparator + native
}
