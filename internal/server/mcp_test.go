package server

import (
	"bufio"
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/access"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/router"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

const (
	spaceID    = "space-1"
	clientA    = "client-a"
	clientB    = "client-b"
	unapproved = "client-pending"
)

type fakeAccess struct {
	snap atomic.Pointer[access.Snapshot]
}

func (f *fakeAccess) Current() *access.Snapshot { return f.snap.Load() }

func (f *fakeAccess) ResolveSession(clientID string) (string, error) {
	return f.Current().ResolveSpace(clientID)
}

func (f *fakeAccess) TouchClient(string, time.Time) error { return nil }

// setEnabled replaces the snapshot with one where the installation's
// enabled flag is flipped.
func (f *fakeAccess) setEnabled(id string, enabled bool) {
	cur := f.Current()
	next := *cur
	next.Installations = make(map[string]*contracts.Installation, len(cur.Installations))
	for k, v := range cur.Installations {
		inst := *v
		if k == id {
			inst.Enabled = enabled
		}
		next.Installations[k] = &inst
	}
	f.snap.Store(&next)
}

// update replaces the snapshot with a copy changed by fn. The maps of the
// copy are fresh, so fn may write to them.
func (f *fakeAccess) update(fn func(s *access.Snapshot)) {
	cur := f.Current()
	next := *cur
	next.Spaces = maps.Clone(cur.Spaces)
	next.Installations = maps.Clone(cur.Installations)
	next.FeatureSets = maps.Clone(cur.FeatureSets)
	next.Clients = maps.Clone(cur.Clients)
	fn(&next)
	f.snap.Store(&next)
}

type fakeBackends struct {
	mu    sync.Mutex
	snaps map[string]*types.Snapshot
}

func (f *fakeBackends) Snapshot(id string) (*types.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	return s, ok
}

func (f *fakeBackends) setTools(id string, names ...string) {
	tools := make([]mcp.Tool, 0, len(names))
	for _, n := range names {
		tools = append(tools, mcp.Tool{Name: n})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[id] = &types.Snapshot{InstallationID: id, State: types.StateConnected, Capabilities: &types.Capabilities{Tools: tools}}
}

func (f *fakeBackends) SendRequest(_ context.Context, id string, req upstream.Request) (any, error) {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(id + ":" + req.Name)}}, nil
}

type fakeTokens map[string]string

func (f fakeTokens) ValidateAccessToken(raw string) (string, error) {
	if id, ok := f[raw]; ok {
		return id, nil
	}
	return "", gwerr.Auth("test.validate", "unknown token")
}

func (fakeTokens) ResourceMetadataURL() string {
	return "http://127.0.0.1:8080/.well-known/oauth-protected-resource/mcp"
}

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	access   *fakeAccess
	backends *fakeBackends
	router   *router.Router
	handler  *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	acc := &fakeAccess{}
	acc.snap.Store(&access.Snapshot{
		ActiveSpaceID: spaceID,
		Spaces:        map[string]*contracts.Space{spaceID: {ID: spaceID, Name: "work", IsActive: true}},
		Installations: map[string]*contracts.Installation{
			"echo": {ID: "echo", Alias: "echo", SpaceID: spaceID, Enabled: true},
		},
		FeatureSets: map[string]*contracts.FeatureSet{
			"all":     {ID: "all", SpaceID: spaceID, Name: contracts.BuiltinAllFeatures, Kind: contracts.FeatureSetBuiltin},
			"default": {ID: "default", SpaceID: spaceID, Name: contracts.BuiltinDefault, Kind: contracts.FeatureSetBuiltin},
		},
		Clients: map[string]*contracts.Client{
			clientA:    {ID: clientA, Approved: true, Mode: contracts.ModeFollowActive, Grants: map[string][]string{spaceID: {"all"}}},
			clientB:    {ID: clientB, Approved: true, Mode: contracts.ModeFollowActive, Grants: map[string][]string{spaceID: {"all"}}},
			unapproved: {ID: unapproved, Mode: contracts.ModeFollowActive},
		},
	})
	backends := &fakeBackends{snaps: map[string]*types.Snapshot{}}
	backends.setTools("echo", "say")

	rt := router.New(acc, backends, router.Options{}, zap.NewNop())
	tokens := fakeTokens{"token-a": clientA, "token-b": clientB, "token-pending": unapproved}
	h := NewHandler(rt, acc, tokens, HandlerOptions{ServerVersion: "test", SSEKeepalive: time.Hour}, zap.NewNop())

	srv := httptest.NewServer(New("127.0.0.1:0", zap.NewNop(), h).Handler())
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, access: acc, backends: backends, router: rt, handler: h}
}

type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (h *harness) post(token, session, body string) (*http.Response, rpcReply) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+MCPPath, strings.NewReader(body))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if session != "" {
		req.Header.Set(headerSessionID, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var reply rpcReply
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusUnsupportedMediaType {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&reply))
	}
	return resp, reply
}

func (h *harness) initialize(token string) string {
	h.t.Helper()
	resp, reply := h.post(token, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"1"}}}`)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	require.Nil(h.t, reply.Error)
	sid := resp.Header.Get(headerSessionID)
	require.NotEmpty(h.t, sid)
	return sid
}

func (h *harness) toolNames(token, session string) []string {
	h.t.Helper()
	resp, reply := h.post(token, session, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	require.Nil(h.t, reply.Error)
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(h.t, json.Unmarshal(reply.Result, &res))
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	h := newHarness(t)

	for _, token := range []string{"", "forged"} {
		resp, reply := h.post(token, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.NotNil(t, reply.Error)
		assert.Equal(t, gwerr.CodeUnauthorized, reply.Error.Code)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `resource_metadata="http://127.0.0.1:8080/.well-known/oauth-protected-resource/mcp"`)
	}
}

func TestAuthenticationPrecedesMediaTypeChecks(t *testing.T) {
	h := newHarness(t)

	post, err := http.NewRequest(http.MethodPost, h.srv.URL+MCPPath, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	get, err := http.NewRequest(http.MethodGet, h.srv.URL+MCPPath, nil)
	require.NoError(t, err)

	for _, req := range []*http.Request{post, get} {
		t.Run(req.Method, func(t *testing.T) {
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
			var reply rpcReply
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
			require.NotNil(t, reply.Error)
			assert.Equal(t, gwerr.CodeUnauthorized, reply.Error.Code)
		})
	}
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	h := newHarness(t)

	resp, reply := h.post("token-a", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"old","version":"0"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res initializeResult
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	assert.Equal(t, "2024-11-05", res.ProtocolVersion)
	assert.Equal(t, "mcpgate", res.ServerInfo.Name)
	require.NotNil(t, res.Capabilities.Tools)
	assert.True(t, res.Capabilities.Tools.ListChanged)
	assert.True(t, res.Capabilities.Prompts.ListChanged)
	assert.True(t, res.Capabilities.Resources.ListChanged)

	_, reply = h.post("token-a", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	assert.Equal(t, mcp.LATEST_PROTOCOL_VERSION, res.ProtocolVersion)
}

func TestUnapprovedClientCannotInitialize(t *testing.T) {
	h := newHarness(t)

	resp, reply := h.post("token-pending", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, reply.Error)
	assert.Equal(t, gwerr.CodeUnauthorized, reply.Error.Code)
	assert.Empty(t, resp.Header.Get(headerSessionID))
	assert.Zero(t, h.handler.Sessions().Count())
}

func TestSessionErrors(t *testing.T) {
	h := newHarness(t)
	sid := h.initialize("token-a")

	t.Run("missing session id", func(t *testing.T) {
		resp, reply := h.post("token-a", "", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, gwerr.CodeInvalidRequest, reply.Error.Code)
	})

	t.Run("never issued session id", func(t *testing.T) {
		resp, reply := h.post("token-a", "not-a-session", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, gwerr.CodeSessionNotFound, reply.Error.Code)
		assert.Equal(t, json.RawMessage("3"), reply.ID)
	})

	t.Run("session of another client", func(t *testing.T) {
		resp, reply := h.post("token-b", sid, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, gwerr.CodeSessionNotFound, reply.Error.Code)
	})

	t.Run("batch", func(t *testing.T) {
		resp, reply := h.post("token-a", sid, `[{"jsonrpc":"2.0","id":3,"method":"tools/list"}]`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, gwerr.CodeInvalidRequest, reply.Error.Code)
	})

	t.Run("parse error", func(t *testing.T) {
		resp, reply := h.post("token-a", sid, `{"jsonrpc":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, gwerr.CodeParseError, reply.Error.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp, reply := h.post("token-a", sid, `{"jsonrpc":"2.0","id":4,"method":"sampling/createMessage"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, gwerr.CodeMethodNotFound, reply.Error.Code)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, reply := h.post("token-a", sid, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo__missing"}}`)
		require.NotNil(t, reply.Error)
		assert.Equal(t, gwerr.CodeInvalidParams, reply.Error.Code)
		assert.Equal(t, "Unknown feature", reply.Error.Message)
	})

	t.Run("wrong content type", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+MCPPath, strings.NewReader("{}"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer token-a")
		req.Header.Set("Content-Type", "text/plain")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})
}

func TestEchoEnableDisable(t *testing.T) {
	h := newHarness(t)
	sid := h.initialize("token-a")

	assert.Equal(t, []string{"echo__say"}, h.toolNames("token-a", sid))

	_, reply := h.post("token-a", sid, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo__say","arguments":{"text":"hi"}}}`)
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), "echo:say")

	h.access.setEnabled("echo", false)
	assert.Empty(t, h.toolNames("token-a", sid), "disabled backend disappears without re-initialization")

	other := h.initialize("token-a")
	assert.NotEqual(t, sid, other)

	h.access.setEnabled("echo", true)
	assert.Equal(t, []string{"echo__say"}, h.toolNames("token-a", sid))
}

func TestSessionKeepsSpaceOfInitialize(t *testing.T) {
	h := newHarness(t)
	sid := h.initialize("token-a")
	assert.Equal(t, []string{"echo__say"}, h.toolNames("token-a", sid))

	const home = "space-2"
	h.access.update(func(s *access.Snapshot) {
		s.Spaces = map[string]*contracts.Space{
			spaceID: {ID: spaceID, Name: "work"},
			home:    {ID: home, Name: "home", IsActive: true},
		}
		s.ActiveSpaceID = home
		s.Installations["other"] = &contracts.Installation{ID: "other", Alias: "other", SpaceID: home, Enabled: true}
		s.FeatureSets["home-all"] = &contracts.FeatureSet{ID: "home-all", SpaceID: home, Name: contracts.BuiltinAllFeatures, Kind: contracts.FeatureSetBuiltin}
		c := *s.Clients[clientA]
		c.Grants = map[string][]string{spaceID: {"all"}, home: {"home-all"}}
		s.Clients[clientA] = &c
	})
	h.backends.setTools("other", "secret")

	assert.Equal(t, []string{"echo__say"}, h.toolNames("token-a", sid), "an open session stays in its space")
	_, reply := h.post("token-a", sid, `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"other__secret"}}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, gwerr.CodeInvalidParams, reply.Error.Code)

	fresh := h.initialize("token-a")
	assert.Equal(t, []string{"other__secret"}, h.toolNames("token-a", fresh), "new sessions follow the active space")
}

func TestNotificationsAndPing(t *testing.T) {
	h := newHarness(t)
	sid := h.initialize("token-a")

	resp, _ := h.post("token-a", sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	sess, err := h.handler.Sessions().Get(sid, clientA)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.State())

	resp, reply := h.post("token-a", sid, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{}`, string(reply.Result))
	assert.Equal(t, json.RawMessage(`"p"`), reply.ID)

	_, reply = h.post("token-a", sid, `{"jsonrpc":"2.0","id":9,"method":"resources/templates/list"}`)
	assert.Contains(t, string(reply.Result), `"resourceTemplates":[]`)
}

func (h *harness) openStream(token, session string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+MCPPath, nil)
	require.NoError(h.t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerSessionID, session)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	return resp
}

func TestNotificationStream(t *testing.T) {
	h := newHarness(t)
	sid := h.initialize("token-a")

	stream := h.openStream("token-a", sid)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	second := h.openStream("token-a", sid)
	second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stream.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	require.Eventually(t, func() bool { return h.router.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.backends.setTools("echo", "say", "shout")
	h.router.OnBackendNotification("echo", contracts.FeatureTool)

	var sawRetry, sawID bool
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended before the notification")
			switch {
			case strings.HasPrefix(line, "retry: "):
				sawRetry = true
			case strings.HasPrefix(line, "id: "):
				sawID = true
			case strings.HasPrefix(line, "data: "):
				assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, strings.TrimPrefix(line, "data: "))
				done = true
			}
		case <-deadline:
			t.Fatal("no list_changed notification received")
		}
	}
	assert.True(t, sawRetry)
	assert.True(t, sawID)

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+MCPPath, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer token-a")
	req.Header.Set(headerSessionID, sid)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Termination ends the stream and releases the subscription.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-lines:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.router.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)

	resp, reply := h.post("token-a", sid, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, gwerr.CodeSessionNotFound, reply.Error.Code)
}

func TestIdleSessionsExpire(t *testing.T) {
	store := NewSessionStore(zap.NewNop())
	now := time.Now()
	store.now = func() time.Time { return now }

	idle := store.Create(clientA, spaceID, mcp.LATEST_PROTOCOL_VERSION, mcp.Implementation{Name: "a"})
	streaming := store.Create(clientA, spaceID, mcp.LATEST_PROTOCOL_VERSION, mcp.Implementation{Name: "b"})
	require.True(t, streaming.openStream())

	now = now.Add(time.Hour)
	assert.Equal(t, 1, store.ExpireIdle(30*time.Minute))

	_, err := store.Get(idle.ID, clientA)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(streaming.ID, clientA)
	assert.NoError(t, err)

	select {
	case <-idle.ctx.Done():
	default:
		t.Fatal("expired session context not cancelled")
	}
}

func TestCancelledRequestAbortsContext(t *testing.T) {
	store := NewSessionStore(zap.NewNop())
	sess := store.Create(clientA, spaceID, mcp.LATEST_PROTOCOL_VERSION, mcp.Implementation{})

	ctx, release := sess.track(context.Background(), "42")
	defer release()
	assert.True(t, sess.cancelRequest(requestKey(json.RawMessage(" 42 "))))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	ctx2, release2 := sess.track(context.Background(), "43")
	defer release2()
	store.Terminate(sess.ID)
	require.Eventually(t, func() bool { return ctx2.Err() != nil }, time.Second, 5*time.Millisecond)
}
