package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/secret"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream"
)

var (
	_ upstream.Authorizer        = (*Manager)(nil)
	_ upstream.ChallengeRecorder = (*Manager)(nil)
	_ TokenRepository            = (*storage.BoltDB)(nil)
)

// fakeAS is a minimal authorization server that verifies PKCE.
type fakeAS struct {
	srv *httptest.Server

	mu         sync.Mutex
	challenges map[string]string // code -> code_challenge
	registered []RegistrationRequest

	tokenHits   atomic.Int32
	refreshGate chan struct{}
}

func newFakeAS(t *testing.T) *fakeAS {
	t.Helper()
	as := &fakeAS{challenges: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
			Resource:             as.srv.URL + "/mcp",
			AuthorizationServers: []string{as.srv.URL},
			ScopesSupported:      []string{"read"},
		})
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ServerMetadata{
			Issuer:                as.srv.URL,
			AuthorizationEndpoint: as.srv.URL + "/authorize",
			TokenEndpoint:         as.srv.URL + "/token",
			RegistrationEndpoint:  as.srv.URL + "/register",
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var req RegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		as.mu.Lock()
		as.registered = append(as.registered, req)
		as.mu.Unlock()
		writeJSON(w, http.StatusCreated, RegistrationResponse{ClientID: "dyn-client"})
	})
	mux.HandleFunc("/token", as.token)
	as.srv = httptest.NewServer(mux)
	t.Cleanup(as.srv.Close)
	return as
}

func (as *fakeAS) expectCode(code, challenge string) {
	as.mu.Lock()
	as.challenges[code] = challenge
	as.mu.Unlock()
}

func (as *fakeAS) token(w http.ResponseWriter, r *http.Request) {
	as.tokenHits.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		as.mu.Lock()
		challenge, ok := as.challenges[r.PostForm.Get("code")]
		delete(as.challenges, r.PostForm.Get("code"))
		as.mu.Unlock()
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if !ok || base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "access-1", "token_type": "Bearer",
			"refresh_token": "refresh-1", "expires_in": 3600,
		})
	case "refresh_token":
		if as.refreshGate != nil {
			<-as.refreshGate
		}
		if r.PostForm.Get("refresh_token") != "refresh-1" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "access-2", "token_type": "Bearer",
			"refresh_token": "refresh-1", "expires_in": 3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fakeConns struct {
	mu         sync.Mutex
	reconnects []string
	degraded   []string
}

func (f *fakeConns) Reconnect(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, id)
	return nil
}

func (f *fakeConns) Degrade(id string, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.degraded = append(f.degraded, id)
}

func newTestStore(t *testing.T) *TokenStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "oauth.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	secrets, err := secret.NewAESStoreWithKey(make([]byte, 32))
	require.NoError(t, err)
	return NewTokenStore(db, secrets)
}

func newTestManager(t *testing.T, store *TokenStore) *Manager {
	t.Helper()
	return NewManager(Options{CallbackURL: "http://127.0.0.1:45818/oauth/callback"}, store, nil, zap.NewNop())
}

func httpInstallation(id, rawURL string, settings *contracts.OAuthSettings) *contracts.Installation {
	return &contracts.Installation{
		ID:    id,
		Alias: "remote",
		Transport: contracts.TransportConfig{
			Kind: contracts.TransportHTTP,
			HTTP: &contracts.HTTPTransport{URL: rawURL, OAuth: settings},
		},
	}
}

func TestTokenStoreEncryptsAtRest(t *testing.T) {
	store := newTestStore(t)
	tok := (&oauth2.Token{AccessToken: "secret-access", RefreshToken: "secret-refresh", Expiry: time.Now().Add(time.Hour)}).
		WithExtra(map[string]any{"scope": "read"})

	_, err := store.Save("inst-1", tok)
	require.NoError(t, err)

	recs, err := store.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotContains(t, string(recs[0].AccessToken), "secret-access")
	assert.NotContains(t, string(recs[0].RefreshToken), "secret-refresh")

	got, err := store.Load("inst-1")
	require.NoError(t, err)
	assert.Equal(t, "secret-access", got.Token.AccessToken)
	assert.Equal(t, "secret-refresh", got.Token.RefreshToken)
	assert.Equal(t, "read", got.Token.Extra("scope"))

	require.NoError(t, store.Delete("inst-1"))
	_, err = store.Load("inst-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnsureAuthorizedWithoutOAuth(t *testing.T) {
	m := newTestManager(t, newTestStore(t))
	inst := &contracts.Installation{
		ID:        "stdio-1",
		Transport: contracts.TransportConfig{Kind: contracts.TransportStdio, Stdio: &contracts.StdioTransport{Command: "echo"}},
	}
	tok, err := m.EnsureAuthorized(context.Background(), inst)
	require.NoError(t, err)
	assert.Nil(t, tok)

	tok, err = m.EnsureAuthorized(context.Background(), httpInstallation("http-1", "https://example.com/mcp", nil))
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestEnsureAuthorizedRequiresLogin(t *testing.T) {
	m := newTestManager(t, newTestStore(t))
	inst := httpInstallation("http-1", "https://example.com/mcp", &contracts.OAuthSettings{})

	_, err := m.EnsureAuthorized(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindAuth, gwerr.KindOf(err))
	assert.ErrorIs(t, err, ErrAuthorizationRequired)
}

func TestAuthorizationFlowWithDynamicRegistration(t *testing.T) {
	as := newFakeAS(t)
	store := newTestStore(t)
	m := newTestManager(t, store)
	conns := &fakeConns{}
	m.SetConnections(conns)
	inst := httpInstallation("inst-1", as.srv.URL+"/mcp", &contracts.OAuthSettings{})

	authURL, err := m.StartAuthorization(context.Background(), inst)
	require.NoError(t, err)

	again, err := m.StartAuthorization(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, authURL, again, "a second start resumes the pending flow")

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "dyn-client", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, as.srv.URL+"/mcp", q.Get("resource"))

	as.mu.Lock()
	require.Len(t, as.registered, 1)
	assert.Equal(t, "none", as.registered[0].TokenEndpointAuthMethod)
	assert.Equal(t, []string{"http://127.0.0.1:45818/oauth/callback"}, as.registered[0].RedirectURIs)
	as.mu.Unlock()

	status, err := m.Status(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthStatusPending, status.Status)

	as.expectCode("code-1", q.Get("code_challenge"))
	id, err := m.HandleCallback(context.Background(), q.Get("state"), "code-1")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, id)
	assert.Equal(t, []string{inst.ID}, conns.reconnects)

	tok, err := m.EnsureAuthorized(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)

	status, err = m.Status(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthStatusAuthenticated, status.Status)
	assert.True(t, status.HasRefreshToken)

	_, err = m.HandleCallback(context.Background(), q.Get("state"), "code-1")
	require.Error(t, err, "a state is redeemable once")
	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(err))
}

func TestCallbackRejectsWrongVerifier(t *testing.T) {
	as := newFakeAS(t)
	m := newTestManager(t, newTestStore(t))
	inst := httpInstallation("inst-1", as.srv.URL+"/mcp", &contracts.OAuthSettings{ClientID: "static"})

	authURL, err := m.StartAuthorization(context.Background(), inst)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "static", u.Query().Get("client_id"))

	as.expectCode("code-1", "not-the-challenge")
	_, err = m.HandleCallback(context.Background(), u.Query().Get("state"), "code-1")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindAuth, gwerr.KindOf(err))
}

func TestStartAuthorizationRejectsStdio(t *testing.T) {
	m := newTestManager(t, newTestStore(t))
	inst := &contracts.Installation{ID: "s", Transport: contracts.TransportConfig{Kind: contracts.TransportStdio}}
	_, err := m.StartAuthorization(context.Background(), inst)
	assert.ErrorIs(t, err, ErrNotOAuth)
}

func seedRefreshable(t *testing.T, store *TokenStore, as *fakeAS, id string) {
	t.Helper()
	_, err := store.Save(id, &oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	require.NoError(t, store.SaveClient(id, &ClientRegistration{
		ClientID:              "dyn-client",
		AuthorizationEndpoint: as.srv.URL + "/authorize",
		TokenEndpoint:         as.srv.URL + "/token",
	}))
}

func TestConcurrentRefreshSharesOneRequest(t *testing.T) {
	as := newFakeAS(t)
	as.refreshGate = make(chan struct{})
	store := newTestStore(t)
	m := newTestManager(t, store)
	seedRefreshable(t, store, as, "inst-1")

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*oauth2.Token, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.ForceRefresh(context.Background(), "inst-1")
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(as.refreshGate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-2", results[i].AccessToken)
	}
	assert.Equal(t, int32(1), as.tokenHits.Load())
}

func TestExpiredTokenRefreshesOnEnsure(t *testing.T) {
	as := newFakeAS(t)
	store := newTestStore(t)
	m := newTestManager(t, store)
	seedRefreshable(t, store, as, "inst-1")

	tok, err := m.EnsureAuthorized(context.Background(), httpInstallation("inst-1", as.srv.URL+"/mcp", &contracts.OAuthSettings{}))
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)

	st, err := store.Load("inst-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", st.Token.AccessToken)
}

func TestRefreshWithoutRefreshTokenIsPermanent(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)
	_, err := store.Save("inst-1", &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	_, err = m.ForceRefresh(context.Background(), "inst-1")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindAuth, gwerr.KindOf(err))
	assert.True(t, errors.Is(err, ErrNoRefreshToken))
}

func TestLogoutClearsToken(t *testing.T) {
	as := newFakeAS(t)
	store := newTestStore(t)
	m := newTestManager(t, store)
	conns := &fakeConns{}
	m.SetConnections(conns)
	seedRefreshable(t, store, as, "inst-1")

	require.NoError(t, m.Logout("inst-1"))
	_, err := store.Load("inst-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"inst-1"}, conns.reconnects)

	_, err = store.LoadClient("inst-1")
	require.NoError(t, err, "logout keeps the client registration")
	require.NoError(t, m.Forget("inst-1"))
	_, err = store.LoadClient("inst-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
