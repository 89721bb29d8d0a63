package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/access"
	"github.com/smart-mcp-proxy/mcpgate/internal/authserver"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/management"
	"github.com/smart-mcp-proxy/mcpgate/internal/oauth"
	"github.com/smart-mcp-proxy/mcpgate/internal/reqcontext"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/secret"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

const testAPIKey = "test-api-key-12345"

type fakeConns struct {
	mu        sync.Mutex
	connected []string
}

func (f *fakeConns) Connect(inst *contracts.Installation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, inst.Alias)
	return nil
}

func (f *fakeConns) Disconnect(string) {}
func (f *fakeConns) Remove(string) {}
func (f *fakeConns) Reconnect(string) error { return nil }
func (f *fakeConns) Snapshot(string) (*types.Snapshot, bool) { return nil, false }

type fakeAuth struct{}

func (fakeAuth) StartAuthorization(_ context.Context, inst *contracts.Installation) (string, error) {
	return "https://auth.example.com/authorize?state=s-" + inst.ID, nil
}

func (fakeAuth) HandleCallback(_ context.Context, state, _ string) (string, error) {
	if !strings.HasPrefix(state, "s-") {
		return "", gwerr.Auth("oauth.callback", "unknown or expired state")
	}
	return strings.TrimPrefix(state, "s-"), nil
}

func (fakeAuth) AbortFlow(string, string) {}
func (fakeAuth) Logout(string) error { return nil }
func (fakeAuth) Forget(string) error { return nil }

func (fakeAuth) Status(id string) (*oauth.Status, error) {
	return &oauth.Status{InstallationID: id, Status: oauth.AuthStatusNone}, nil
}

type fakeAuthz struct {
	mu      sync.Mutex
	pending map[string]authserver.PendingAuthorization
	decided map[string]string
}

func (f *fakeAuthz) PendingRequests() []authserver.PendingAuthorization {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]authserver.PendingAuthorization, 0, len(f.pending))
	for _, p := range f.pending {
		out = append(out, p)
	}
	return out
}

func (f *fakeAuthz) decide(id, decision string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[id]; !ok {
		return gwerr.NotFound("authserver.decide", "authorization request", id)
	}
	delete(f.pending, id)
	f.decided[id] = decision
	return nil
}

func (f *fakeAuthz) Approve(id string) error { return f.decide(id, "approve") }
func (f *fakeAuthz) Deny(id string) error { return f.decide(id, "deny") }

type fixture struct {
	router  chi.Router
	catalog *access.Service
	conns   *fakeConns
	authz   *fakeAuthz
	bus     *eventbus.Bus
	spaceID string
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gate.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := eventbus.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)

	catalog, err := access.NewService(db, bus, zap.NewNop())
	require.NoError(t, err)
	space, err := catalog.CreateSpace("work")
	require.NoError(t, err)

	secrets, err := secret.NewAESStoreWithKey(make([]byte, 32))
	require.NoError(t, err)

	f := &fixture{
		catalog: catalog,
		conns:   &fakeConns{},
		authz: &fakeAuthz{
			pending: map[string]authserver.PendingAuthorization{
				"req-1": {ID: "req-1", ClientID: "cursor", ClientName: "Cursor", Status: authserver.PendingWaiting},
			},
			decided: map[string]string{},
		},
		bus:     bus,
		spaceID: space.ID,
	}
	mgmt := management.NewService(catalog, f.conns, fakeAuth{}, nil, secrets, management.Options{}, zap.NewNop())
	srv := NewServer(Deps{
		Installations: mgmt,
		Access:        catalog,
		Authz:         f.authz,
		Events:        bus,
	}, Options{APIKey: apiKey, Listen: "127.0.0.1:8080", Version: "test", EventKeepalive: 50 * time.Millisecond}, zap.NewNop())

	r := chi.NewRouter()
	r.Use(reqcontext.Middleware)
	srv.Mount(r)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, contracts.APIResponse) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(APIKeyHeader, testAPIKey)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp contracts.APIResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

// decodeData re-decodes the envelope's data field into v.
func decodeData(t *testing.T, resp contracts.APIResponse, v any) {
	t.Helper()
	b, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestAPIKeyProtection(t *testing.T) {
	paths := []struct{ method, path string }{
		{"GET", "/api/v1/status"},
		{"GET", "/api/v1/spaces"},
		{"POST", "/api/v1/installations"},
		{"GET", "/api/v1/clients"},
		{"GET", "/api/v1/authorizations"},
		{"GET", "/api/v1/events"},
	}

	t.Run("empty key rejects everything", func(t *testing.T) {
		f := newFixture(t, "")
		for _, p := range paths {
			req := httptest.NewRequest(p.method, p.path, nil)
			req.Header.Set(APIKeyHeader, "")
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", p.method, p.path)
			assert.Contains(t, w.Body.String(), "API key authentication required")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		f := newFixture(t, testAPIKey)
		for _, p := range paths {
			req := httptest.NewRequest(p.method, p.path, nil)
			req.Header.Set(APIKeyHeader, "nope")
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", p.method, p.path)
		}
	})

	t.Run("query parameter", func(t *testing.T) {
		f := newFixture(t, testAPIKey)
		req := httptest.NewRequest("GET", "/api/v1/status?apikey="+testAPIKey, nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestStatus(t *testing.T) {
	f := newFixture(t, testAPIKey)
	w, resp := f.do(t, "GET", "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	var st StatusResponse
	decodeData(t, resp, &st)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "work", st.ActiveSpace)
	assert.Equal(t, f.spaceID, st.ActiveSpaceID)
	assert.Equal(t, 1, st.Spaces)
	assert.Equal(t, 1, st.PendingAuthorizations)
}

func TestSpacesAndFeatureSets(t *testing.T) {
	f := newFixture(t, testAPIKey)

	w, resp := f.do(t, "POST", "/api/v1/spaces", SpaceRequest{Name: "home"})
	require.Equal(t, http.StatusCreated, w.Code, resp.Error)
	var home contracts.Space
	decodeData(t, resp, &home)
	assert.Equal(t, "home", home.Name)

	w, resp = f.do(t, "POST", "/api/v1/spaces", SpaceRequest{Name: "home"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid", resp.Kind)

	w, _ = f.do(t, "POST", "/api/v1/spaces/"+home.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, home.ID, f.catalog.Current().ActiveSpaceID)

	w, resp = f.do(t, "DELETE", "/api/v1/spaces/"+home.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "the active space cannot be deleted")
	assert.False(t, resp.Success)

	w, resp = f.do(t, "GET", "/api/v1/spaces/"+home.ID+"/feature-sets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sets []contracts.FeatureSet
	decodeData(t, resp, &sets)
	assert.Len(t, sets, 2)

	w, resp = f.do(t, "GET", "/api/v1/spaces/missing/feature-sets", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", resp.Kind)
}

func TestUnknownFieldsRejected(t *testing.T) {
	f := newFixture(t, testAPIKey)
	w, resp := f.do(t, "POST", "/api/v1/spaces", map[string]string{"name": "x", "colour": "red"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, resp.Error, "invalid JSON body")
}

func TestInstallationLifecycle(t *testing.T) {
	f := newFixture(t, testAPIKey)

	w, resp := f.do(t, "POST", "/api/v1/installations", management.InstallRequest{
		Alias: "github",
		Transport: contracts.TransportConfig{
			Kind:  contracts.TransportStdio,
			Stdio: &contracts.StdioTransport{Command: "github-mcp"},
		},
		Enabled: true,
	})
	require.Equal(t, http.StatusCreated, w.Code, resp.Error)
	var v management.InstallationView
	decodeData(t, resp, &v)
	assert.Equal(t, f.spaceID, v.SpaceID, "defaults to the active space")
	assert.Equal(t, []string{"github"}, f.conns.connected)

	w, _ = f.do(t, "POST", "/api/v1/installations/"+v.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.catalog.Current().Installations[v.ID].Enabled)

	w, resp = f.do(t, "GET", "/api/v1/installations/"+v.ID+"/features", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "backend_unavailable", resp.Kind)

	w, resp = f.do(t, "GET", "/api/v1/installations/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", resp.Kind)

	w, _ = f.do(t, "DELETE", "/api/v1/installations/"+v.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.catalog.Current().Installations)
}

func TestImport(t *testing.T) {
	content := `{"mcpServers": {
		"GitHub": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-github"], "env": {"GITHUB_TOKEN": "ghp_secret"}},
		"fs": {"command": "mcp-fs"}
	}}`

	t.Run("preview installs nothing", func(t *testing.T) {
		f := newFixture(t, testAPIKey)
		w, resp := f.do(t, "POST", "/api/v1/spaces/"+f.spaceID+"/import", ImportRequest{Content: content, Preview: true})
		require.Equal(t, http.StatusOK, w.Code, resp.Error)

		var out struct {
			Format     string `json:"format"`
			Candidates []struct {
				Alias string `json:"alias"`
			} `json:"candidates"`
		}
		decodeData(t, resp, &out)
		assert.Equal(t, "claude_desktop", out.Format)
		assert.Len(t, out.Candidates, 2)
		assert.Empty(t, f.catalog.Current().Installations)
		assert.NotContains(t, w.Body.String(), "ghp_secret")
	})

	t.Run("install", func(t *testing.T) {
		f := newFixture(t, testAPIKey)
		w, resp := f.do(t, "POST", "/api/v1/spaces/"+f.spaceID+"/import", ImportRequest{Content: content})
		require.Equal(t, http.StatusOK, w.Code, resp.Error)

		snap := f.catalog.Current()
		require.Len(t, snap.Installations, 2)
		gh := snap.InstallationByAlias(f.spaceID, "github")
		require.NotNil(t, gh)
		assert.Equal(t, "${input:GITHUB_TOKEN}", gh.Transport.Stdio.Env["GITHUB_TOKEN"])
		assert.NotEmpty(t, gh.InputValues["GITHUB_TOKEN"])
		assert.NotContains(t, w.Body.String(), "ghp_secret")

		w, resp = f.do(t, "POST", "/api/v1/spaces/"+f.spaceID+"/import", ImportRequest{Content: content})
		require.Equal(t, http.StatusOK, w.Code)
		var again struct {
			Skipped []struct {
				Reason string `json:"reason"`
			} `json:"skipped"`
		}
		decodeData(t, resp, &again)
		assert.Len(t, again.Skipped, 2, "existing aliases are skipped")
	})

	t.Run("unknown space", func(t *testing.T) {
		f := newFixture(t, testAPIKey)
		w, _ := f.do(t, "POST", "/api/v1/spaces/nope/import", ImportRequest{Content: content})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("garbage", func(t *testing.T) {
		f := newFixture(t, testAPIKey)
		w, resp := f.do(t, "POST", "/api/v1/spaces/"+f.spaceID+"/import", ImportRequest{Content: "not a config"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, resp.Success)
	})
}

func TestClients(t *testing.T) {
	f := newFixture(t, testAPIKey)
	_, err := f.catalog.RegisterClient("cursor", "Cursor", false)
	require.NoError(t, err)

	w, resp := f.do(t, "GET", "/api/v1/clients", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []ClientView
	decodeData(t, resp, &list)
	require.Len(t, list, 1)
	assert.NotEmpty(t, list[0].ResolveError, "unapproved clients do not resolve")

	w, _ = f.do(t, "POST", "/api/v1/clients/cursor/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.catalog.Current().Clients["cursor"].Approved)

	w, resp = f.do(t, "PUT", "/api/v1/clients/cursor/mode", ModeRequest{Mode: "sometimes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid", resp.Kind)

	w, _ = f.do(t, "PUT", "/api/v1/clients/cursor/mode", ModeRequest{Mode: contracts.ModeLockedToSpace, SpaceID: f.spaceID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, f.spaceID, f.catalog.Current().Clients["cursor"].LockedSpaceID)

	all := f.catalog.Current().FeatureSetsIn(f.spaceID)
	var allID string
	for _, fs := range all {
		if fs.Name == contracts.BuiltinAllFeatures {
			allID = fs.ID
		}
	}
	require.NotEmpty(t, allID)
	w, resp = f.do(t, "POST", "/api/v1/clients/cursor/grants", GrantRequest{SpaceID: f.spaceID, FeatureSetID: allID})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)
	assert.Contains(t, f.catalog.Current().Clients["cursor"].Grants[f.spaceID], allID)

	w, _ = f.do(t, "DELETE", "/api/v1/clients/cursor/grants", GrantRequest{SpaceID: f.spaceID, FeatureSetID: allID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, f.catalog.Current().Clients["cursor"].Grants[f.spaceID], allID)

	w, _ = f.do(t, "DELETE", "/api/v1/clients/cursor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, "POST", "/api/v1/clients/cursor/approve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthorizations(t *testing.T) {
	f := newFixture(t, testAPIKey)

	w, resp := f.do(t, "GET", "/api/v1/authorizations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []authserver.PendingAuthorization
	decodeData(t, resp, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "cursor", pending[0].ClientID)

	w, _ = f.do(t, "POST", "/api/v1/authorizations/req-1/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "approve", f.authz.decided["req-1"])

	w, _ = f.do(t, "POST", "/api/v1/authorizations/req-1/deny", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthorizationsUnavailable(t *testing.T) {
	srv := NewServer(Deps{}, Options{APIKey: testAPIKey}, zap.NewNop())
	r := chi.NewRouter()
	srv.Mount(r)

	req := httptest.NewRequest("GET", "/api/v1/authorizations", nil)
	req.Header.Set(APIKeyHeader, testAPIKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOAuthCallback(t *testing.T) {
	f := newFixture(t, testAPIKey)
	inst, err := f.catalog.AddInstallation(contracts.Installation{
		Alias:   "linear",
		SpaceID: f.spaceID,
		Transport: contracts.TransportConfig{
			Kind: contracts.TransportHTTP,
			HTTP: &contracts.HTTPTransport{URL: "https://mcp.linear.app/mcp"},
		},
	})
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		req := httptest.NewRequest("GET", CallbackPath+"?state=s-"+inst.ID+"&code=abc", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "Authorization Successful")
		assert.Contains(t, w.Body.String(), "linear")
	})

	t.Run("provider error is escaped", func(t *testing.T) {
		req := httptest.NewRequest("GET", CallbackPath+"?state=s-x&error=access_denied&error_description=%3Cscript%3E", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Authorization Failed")
		assert.NotContains(t, w.Body.String(), "<script>")
	})

	t.Run("unknown state", func(t *testing.T) {
		req := httptest.NewRequest("GET", CallbackPath+"?state=bogus&code=abc", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing state", func(t *testing.T) {
		req := httptest.NewRequest("GET", CallbackPath, nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEventFeed(t *testing.T) {
	f := newFixture(t, testAPIKey)
	ts := httptest.NewServer(f.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/events?types=spaces.", nil)
	require.NoError(t, err)
	req.Header.Set(APIKeyHeader, testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	// The subscription exists once the connect comment arrives.
	waitFor(t, lines, ": connected")

	f.bus.Publish(eventbus.New(eventbus.EventTypeClientRegistered, nil))
	_, err = f.catalog.CreateSpace("home")
	require.NoError(t, err)

	line := waitFor(t, lines, "event: ")
	assert.Equal(t, fmt.Sprintf("event: %s", eventbus.EventTypeSpacesChanged), line,
		"client events are filtered out")
	data := waitFor(t, lines, "data: ")
	var evt eventbus.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &evt))
	assert.Equal(t, eventbus.EventTypeSpacesChanged, evt.Type)
	assert.NotEmpty(t, evt.ID)

	waitFor(t, lines, ": ping")
}

func waitFor(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before %q", prefix)
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for "+prefix)
		}
	}
}

func TestTypeFilter(t *testing.T) {
	assert.Nil(t, typeFilter(""))

	f := typeFilter("connection., client.registered")
	assert.True(t, f(eventbus.Event{Type: eventbus.EventTypeConnectionStateChanged}))
	assert.True(t, f(eventbus.Event{Type: eventbus.EventTypeClientRegistered}))
	assert.False(t, f(eventbus.Event{Type: eventbus.EventTypeClientApprovalRequested}))
	assert.False(t, f(eventbus.Event{Type: eventbus.EventTypeSpacesChanged}))
}
