package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProtectedResourceMetadata represents RFC 9728 Protected Resource Metadata
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	ResourceName           string   `json:"resource_name,omitempty"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// ServerMetadata represents RFC 8414 OAuth Authorization Server Metadata.
// OpenID provider configuration documents decode into the same shape.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
}

// Discovery is the combined result of resource and authorization server discovery.
type Discovery struct {
	// Resource is the RFC 8707 resource indicator sent with authorize and token requests.
	Resource string
	Scopes   []string
	Server   *ServerMetadata
}

// Discoverer fetches OAuth metadata documents.
type Discoverer struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewDiscoverer creates a discoverer whose individual requests are bounded by timeout.
func NewDiscoverer(client *http.Client, timeout time.Duration, logger *zap.Logger) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Discoverer{client: client, timeout: timeout, logger: logger.Named("discovery")}
}

// Discover resolves the authorization server of a backend at resourceURL.
// metadataURL is the resource_metadata hint from a 401 challenge and may be
// empty, in which case the RFC 9728 well-known locations are probed. When no
// protected resource metadata exists, the backend's origin is treated as
// its own authorization server.
func (d *Discoverer) Discover(ctx context.Context, resourceURL, metadataURL string) (*Discovery, error) {
	out := &Discovery{Resource: resourceURL}

	var prm *ProtectedResourceMetadata
	candidates := protectedResourceURLs(resourceURL)
	if metadataURL != "" {
		candidates = append([]string{metadataURL}, candidates...)
	}
	for _, u := range candidates {
		var m ProtectedResourceMetadata
		if err := d.fetchJSON(ctx, u, &m); err != nil {
			d.logger.Debug("Protected resource metadata not available", zap.String("url", u), zap.Error(err))
			continue
		}
		prm = &m
		break
	}

	issuer := origin(resourceURL)
	if prm != nil {
		if prm.Resource != "" {
			out.Resource = prm.Resource
		}
		out.Scopes = prm.ScopesSupported
		if len(prm.AuthorizationServers) > 0 {
			issuer = prm.AuthorizationServers[0]
		}
	}

	server, err := d.AuthorizationServer(ctx, issuer)
	if err != nil {
		return nil, err
	}
	out.Server = server
	if len(out.Scopes) == 0 {
		out.Scopes = server.ScopesSupported
	}

	d.logger.Info("Discovered authorization server",
		zap.String("resource", out.Resource),
		zap.String("issuer", server.Issuer),
		zap.Bool("registration", server.RegistrationEndpoint != ""))
	return out, nil
}

// AuthorizationServer fetches RFC 8414 metadata for issuer, falling back to
// OpenID provider configuration.
func (d *Discoverer) AuthorizationServer(ctx context.Context, issuer string) (*ServerMetadata, error) {
	var lastErr error
	for _, u := range authorizationServerURLs(issuer) {
		var m ServerMetadata
		if err := d.fetchJSON(ctx, u, &m); err != nil {
			lastErr = err
			continue
		}
		if m.AuthorizationEndpoint == "" || m.TokenEndpoint == "" {
			lastErr = fmt.Errorf("metadata at %s lacks authorization or token endpoint", u)
			continue
		}
		if m.Issuer == "" {
			m.Issuer = issuer
		}
		return &m, nil
	}
	return nil, fmt.Errorf("authorization server metadata discovery failed for %s: %w", issuer, lastErr)
}

func (d *Discoverer) fetchJSON(ctx context.Context, u string, v any) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	return nil
}

// RegistrationRequest is an RFC 7591 client metadata document.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is the subset of the RFC 7591 response the gateway keeps.
type RegistrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Register performs dynamic client registration at endpoint.
func (d *Discoverer) Register(ctx context.Context, endpoint string, reg RegistrationRequest) (*RegistrationResponse, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	body, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client registration failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("client registration returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out RegistrationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if out.ClientID == "" {
		return nil, fmt.Errorf("registration response carries no client_id")
	}
	d.logger.Info("Registered OAuth client", zap.String("endpoint", endpoint), zap.String("client_id", maskOAuthSecret(out.ClientID)))
	return &out, nil
}

// protectedResourceURLs lists the RFC 9728 locations for a resource: the
// path-aware form first, then the origin root.
func protectedResourceURLs(resource string) []string {
	u, err := url.Parse(resource)
	if err != nil || u.Host == "" {
		return nil
	}
	root := u.Scheme + "://" + u.Host + "/.well-known/oauth-protected-resource"
	path := strings.TrimRight(u.EscapedPath(), "/")
	if path == "" {
		return []string{root}
	}
	return []string{root + path, root}
}

// authorizationServerURLs lists RFC 8414 and OpenID discovery locations for an issuer.
func authorizationServerURLs(issuer string) []string {
	u, err := url.Parse(issuer)
	if err != nil || u.Host == "" {
		return nil
	}
	base := u.Scheme + "://" + u.Host
	path := strings.TrimRight(u.EscapedPath(), "/")
	if path == "" {
		return []string{
			base + "/.well-known/oauth-authorization-server",
			base + "/.well-known/openid-configuration",
		}
	}
	return []string{
		base + "/.well-known/oauth-authorization-server" + path,
		base + "/.well-known/openid-configuration" + path,
		base + path + "/.well-known/openid-configuration",
	}
}

func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
