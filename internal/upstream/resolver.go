package upstream

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/secret"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/core"
)

// Authorizer supplies backend OAuth access tokens. EnsureAuthorized returns
// a nil token when the installation has neither OAuth settings nor a stored token.
type Authorizer interface {
	EnsureAuthorized(ctx context.Context, inst *contracts.Installation) (*oauth2.Token, error)
	ForceRefresh(ctx context.Context, installationID string) (*oauth2.Token, error)
}

// ChallengeRecorder is implemented by authorizers that use the
// resource_metadata URL of a backend's 401 challenge for discovery.
type ChallengeRecorder interface {
	RecordChallenge(installationID, resourceMetadata string)
}

// SpecResolver turns a stored installation into a dialable spec.
type SpecResolver interface {
	Resolve(ctx context.Context, inst *contracts.Installation) (core.DialSpec, error)
}

// SecretRegistrar receives resolved secret values so logs can mask them.
type SecretRegistrar interface {
	RegisterSecret(value string)
}

// InputResolver decrypts installation inputs, expands ${input:NAME} and
// ${env:NAME} references in the transport, and attaches OAuth headers.
type InputResolver struct {
	Secrets    secret.Store
	Auth       Authorizer
	Registrar  SecretRegistrar
	BackendLog func(alias string) *zap.Logger
	LookupEnv  func(string) (string, bool)
}

// Resolve implements SpecResolver. Missing required inputs and unresolved
// references are configuration errors; decrypt failures are storage errors.
func (r *InputResolver) Resolve(ctx context.Context, inst *contracts.Installation) (core.DialSpec, error) {
	const op = "upstream.resolve"

	values := make(map[string]string, len(inst.InputValues))
	for name, blob := range inst.InputValues {
		plain, err := r.Secrets.Decrypt(blob)
		if err != nil {
			return core.DialSpec{}, gwerr.Storage(op, err)
		}
		values[name] = string(plain)
	}

	var missingRequired []string
	for _, in := range inst.Inputs {
		v, ok := values[in.Name]
		if in.Required && (!ok || v == "") {
			missingRequired = append(missingRequired, in.Name)
		}
		if in.Secret && ok && r.Registrar != nil {
			r.Registrar.RegisterSecret(v)
		}
	}
	if len(missingRequired) > 0 {
		return core.DialSpec{}, gwerr.Configuration(op, "missing required input(s): %s", strings.Join(missingRequired, ", "))
	}

	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	exp := &secret.Expander{Inputs: values, LookupEnv: lookup}
	tc := expandTransport(exp, inst.Transport)
	if missing := exp.Missing(); len(missing) > 0 {
		return core.DialSpec{}, gwerr.Configuration(op, "unresolved reference(s): %s", strings.Join(missing, ", "))
	}
	if err := tc.Validate(); err != nil {
		return core.DialSpec{}, gwerr.E(gwerr.KindConfiguration, op, err)
	}

	spec := core.DialSpec{
		InstallationID: inst.ID,
		Alias:          inst.Alias,
		Transport:      tc,
	}
	if r.BackendLog != nil {
		spec.Logger = r.BackendLog(inst.Alias)
	}

	// Backends without static OAuth settings may still hold a token obtained
	// after a 401 challenge; a nil token means none is needed yet.
	if tc.Kind == contracts.TransportHTTP && r.Auth != nil {
		tok, err := r.Auth.EnsureAuthorized(ctx, inst)
		if err != nil {
			return core.DialSpec{}, err
		}
		if tok != nil {
			spec.Headers = map[string]string{"Authorization": tok.Type() + " " + tok.AccessToken}
		}
	}
	return spec, nil
}

func expandTransport(exp *secret.Expander, tc contracts.TransportConfig) contracts.TransportConfig {
	out := contracts.TransportConfig{Kind: tc.Kind}
	if tc.Stdio != nil {
		out.Stdio = &contracts.StdioTransport{
			Command:    exp.Expand(tc.Stdio.Command),
			Args:       exp.ExpandSlice(tc.Stdio.Args),
			Env:        exp.ExpandMap(tc.Stdio.Env),
			WorkingDir: exp.Expand(tc.Stdio.WorkingDir),
		}
	}
	if tc.HTTP != nil {
		out.HTTP = &contracts.HTTPTransport{
			URL:     exp.Expand(tc.HTTP.URL),
			Headers: exp.ExpandMap(tc.HTTP.Headers),
		}
		if tc.HTTP.OAuth != nil {
			o := *tc.HTTP.OAuth
			o.ClientSecret = exp.Expand(o.ClientSecret)
			out.HTTP.OAuth = &o
		}
	}
	return out
}

// SpecResolverFunc adapts a function to SpecResolver.
type SpecResolverFunc func(ctx context.Context, inst *contracts.Installation) (core.DialSpec, error)

// Resolve calls f.
func (f SpecResolverFunc) Resolve(ctx context.Context, inst *contracts.Installation) (core.DialSpec, error) {
	return f(ctx, inst)
}
