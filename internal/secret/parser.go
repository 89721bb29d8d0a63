package secret

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// secretRefRegex matches ${type:name} patterns
var secretRefRegex = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// FindSecretRefs finds all secret references in a string
func FindSecretRefs(input string) []SecretRef {
	matches := secretRefRegex.FindAllStringSubmatch(input, -1)
	refs := make([]SecretRef, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, SecretRef{
			Type:     strings.TrimSpace(m[1]),
			Name:     strings.TrimSpace(m[2]),
			Original: m[0],
		})
	}
	return refs
}

// Expander substitutes ${input:NAME} with installation input values and
// ${env:NAME} with process environment variables. Unknown reference types are
// left untouched.
type Expander struct {
	Inputs map[string]string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	missing map[string]struct{}
}

// Expand replaces every resolvable reference in input.
func (e *Expander) Expand(input string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	lookupEnv := e.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	return secretRefRegex.ReplaceAllStringFunc(input, func(match string) string {
		m := secretRefRegex.FindStringSubmatch(match)
		refType, name := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		switch refType {
		case RefTypeInput:
			if v, ok := e.Inputs[name]; ok {
				return v
			}
		case RefTypeEnv:
			if v, ok := lookupEnv(name); ok {
				return v
			}
		default:
			return match
		}
		if e.missing == nil {
			e.missing = make(map[string]struct{})
		}
		e.missing[refType+":"+name] = struct{}{}
		return ""
	})
}

// ExpandMap expands every value of m into a new map.
func (e *Expander) ExpandMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = e.Expand(v)
	}
	return out
}

// ExpandSlice expands every element of s into a new slice.
func (e *Expander) ExpandSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = e.Expand(v)
	}
	return out
}

// Missing returns the references that could not be resolved, as "type:name".
func (e *Expander) Missing() []string {
	out := make([]string, 0, len(e.missing))
	for k := range e.missing {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
