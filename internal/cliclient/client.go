// Package cliclient is the CLI's client of the control API.
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/authserver"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/httpapi"
	"github.com/smart-mcp-proxy/mcpgate/internal/management"
)

// Client provides control API access for CLI commands.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// ErrUnreachable wraps transport failures, usually a gateway that is not running.
var ErrUnreachable = errors.New("failed to reach gateway")

// APIError is a non-2xx answer of the control API.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// NewClient creates a client for the gateway at endpoint, e.g.
// "http://127.0.0.1:8080". A bare host:port is accepted.
func NewClient(endpoint, apiKey string, logger *zap.SugaredLogger) *Client {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		baseURL: strings.TrimRight(endpoint, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute, // imports connect backends synchronously
		},
		logger: logger,
	}
}

// envelope mirrors contracts.APIResponse with the data left undecoded.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(httpapi.APIKeyHeader, c.apiKey)

	c.logger.Debugw("Control API request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %w", ErrUnreachable, c.baseURL, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: "unreadable response: " + err.Error()}
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Error, Kind: env.Kind}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Ping checks if the gateway is reachable and the API key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/status", nil, nil)
}

// Status returns the gateway summary.
func (c *Client) Status(ctx context.Context) (*httpapi.StatusResponse, error) {
	var out httpapi.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Doctor returns aggregated health diagnostics.
func (c *Client) Doctor(ctx context.Context) (*management.Diagnostics, error) {
	var out management.Diagnostics
	if err := c.do(ctx, http.MethodGet, "/doctor", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSpaces returns every space.
func (c *Client) ListSpaces(ctx context.Context) ([]httpapi.SpaceView, error) {
	var out []httpapi.SpaceView
	err := c.do(ctx, http.MethodGet, "/spaces", nil, &out)
	return out, err
}

// CreateSpace creates a space.
func (c *Client) CreateSpace(ctx context.Context, name string) (*contracts.Space, error) {
	var out contracts.Space
	if err := c.do(ctx, http.MethodPost, "/spaces", httpapi.SpaceRequest{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivateSpace makes the space the active one.
func (c *Client) ActivateSpace(ctx context.Context, spaceID string) (*contracts.Space, error) {
	var out contracts.Space
	if err := c.do(ctx, http.MethodPost, "/spaces/"+url.PathEscape(spaceID)+"/activate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveSpace maps a space name or id to its id. An empty ref resolves to
// the active space.
func (c *Client) ResolveSpace(ctx context.Context, ref string) (string, error) {
	spaces, err := c.ListSpaces(ctx)
	if err != nil {
		return "", err
	}
	for _, sp := range spaces {
		if (ref == "" && sp.IsActive) || sp.ID == ref || strings.EqualFold(sp.Name, ref) {
			return sp.ID, nil
		}
	}
	if ref == "" {
		return "", fmt.Errorf("no active space")
	}
	return "", fmt.Errorf("space not found: %s", ref)
}

// ListFeatureSets returns the visible feature sets of a space.
func (c *Client) ListFeatureSets(ctx context.Context, spaceID string) ([]contracts.FeatureSet, error) {
	var out []contracts.FeatureSet
	err := c.do(ctx, http.MethodGet, "/spaces/"+url.PathEscape(spaceID)+"/feature-sets", nil, &out)
	return out, err
}

// ResolveFeatureSet maps a feature set name or id within a space to its id.
func (c *Client) ResolveFeatureSet(ctx context.Context, spaceID, ref string) (string, error) {
	sets, err := c.ListFeatureSets(ctx, spaceID)
	if err != nil {
		return "", err
	}
	for _, fs := range sets {
		if fs.ID == ref || strings.EqualFold(fs.Name, ref) {
			return fs.ID, nil
		}
	}
	return "", fmt.Errorf("feature set not found: %s", ref)
}

// ListInstallations returns the installations of a space, or of every
// space when spaceID is empty.
func (c *Client) ListInstallations(ctx context.Context, spaceID string) ([]management.InstallationView, error) {
	path := "/installations"
	if spaceID != "" {
		path += "?space=" + url.QueryEscape(spaceID)
	}
	var out []management.InstallationView
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ResolveInstallation maps an alias or id within a space to the installation id.
func (c *Client) ResolveInstallation(ctx context.Context, spaceID, ref string) (string, error) {
	list, err := c.ListInstallations(ctx, spaceID)
	if err != nil {
		return "", err
	}
	for _, v := range list {
		if v.ID == ref || v.Alias == ref {
			return v.ID, nil
		}
	}
	return "", fmt.Errorf("server not found: %s", ref)
}

// Install adds an installation.
func (c *Client) Install(ctx context.Context, req management.InstallRequest) (*management.InstallationView, error) {
	var out management.InstallationView
	if err := c.do(ctx, http.MethodPost, "/installations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Uninstall removes an installation.
func (c *Client) Uninstall(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/installations/"+url.PathEscape(id), nil, nil)
}

// SetEnabled enables or disables an installation.
func (c *Client) SetEnabled(ctx context.Context, id string, enabled bool) error {
	action := "/disable"
	if enabled {
		action = "/enable"
	}
	return c.do(ctx, http.MethodPost, "/installations/"+url.PathEscape(id)+action, nil, nil)
}

// Restart drops and re-establishes the backend connection of an installation.
func (c *Client) Restart(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/installations/"+url.PathEscape(id)+"/restart", nil, nil)
}

// Configure sets input values of an installation.
func (c *Client) Configure(ctx context.Context, id string, values map[string]string) (*management.InstallationView, error) {
	var out management.InstallationView
	if err := c.do(ctx, http.MethodPut, "/installations/"+url.PathEscape(id)+"/inputs", httpapi.ConfigureRequest{Values: values}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login starts a backend OAuth flow and returns the URL to open.
func (c *Client) Login(ctx context.Context, id string) (string, error) {
	var out httpapi.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/installations/"+url.PathEscape(id)+"/login", nil, &out); err != nil {
		return "", err
	}
	return out.AuthURL, nil
}

// ListClients returns every known downstream client.
func (c *Client) ListClients(ctx context.Context) ([]httpapi.ClientView, error) {
	var out []httpapi.ClientView
	err := c.do(ctx, http.MethodGet, "/clients", nil, &out)
	return out, err
}

// ApproveClient approves or revokes approval of a client.
func (c *Client) ApproveClient(ctx context.Context, id string, approved bool) error {
	action := "/revoke-approval"
	if approved {
		action = "/approve"
	}
	return c.do(ctx, http.MethodPost, "/clients/"+url.PathEscape(id)+action, nil, nil)
}

// SetMode changes a client's connection mode.
func (c *Client) SetMode(ctx context.Context, id string, mode contracts.ConnectionMode, spaceID string) error {
	return c.do(ctx, http.MethodPut, "/clients/"+url.PathEscape(id)+"/mode", httpapi.ModeRequest{Mode: mode, SpaceID: spaceID}, nil)
}

// ChooseSpace sets the space an ask-mode client uses.
func (c *Client) ChooseSpace(ctx context.Context, id, spaceID string) error {
	return c.do(ctx, http.MethodPut, "/clients/"+url.PathEscape(id)+"/space", httpapi.ChooseSpaceRequest{SpaceID: spaceID}, nil)
}

// Grant gives a client a feature set of a space.
func (c *Client) Grant(ctx context.Context, clientID, spaceID, featureSetID string) error {
	return c.do(ctx, http.MethodPost, "/clients/"+url.PathEscape(clientID)+"/grants",
		httpapi.GrantRequest{SpaceID: spaceID, FeatureSetID: featureSetID}, nil)
}

// Revoke takes a feature set away from a client.
func (c *Client) Revoke(ctx context.Context, clientID, spaceID, featureSetID string) error {
	return c.do(ctx, http.MethodDelete, "/clients/"+url.PathEscape(clientID)+"/grants",
		httpapi.GrantRequest{SpaceID: spaceID, FeatureSetID: featureSetID}, nil)
}

// ListAuthorizations returns authorize requests waiting for a decision.
func (c *Client) ListAuthorizations(ctx context.Context) ([]authserver.PendingAuthorization, error) {
	var out []authserver.PendingAuthorization
	err := c.do(ctx, http.MethodGet, "/authorizations", nil, &out)
	return out, err
}

// DecideAuthorization approves or denies a pending authorize request.
func (c *Client) DecideAuthorization(ctx context.Context, requestID string, approve bool) error {
	decision := "/deny"
	if approve {
		decision = "/approve"
	}
	return c.do(ctx, http.MethodPost, "/authorizations/"+url.PathEscape(requestID)+decision, nil, nil)
}

// Import imports server definitions from another client's configuration.
func (c *Client) Import(ctx context.Context, spaceID string, req httpapi.ImportRequest) (*httpapi.ImportResponse, error) {
	var out httpapi.ImportResponse
	if err := c.do(ctx, http.MethodPost, "/spaces/"+url.PathEscape(spaceID)+"/import", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
