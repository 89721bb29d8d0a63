package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

const (
	refreshTimeout = 30 * time.Second
	sweepInterval  = time.Minute
)

// ConnectionControl lets the OAuth manager degrade and restart backend connections.
type ConnectionControl interface {
	Degrade(installationID string, err error)
	Reconnect(installationID string) error
}

// Publisher receives OAuth domain events.
type Publisher interface {
	Publish(evt eventbus.Event) eventbus.Event
}

// Options configures the Manager.
type Options struct {
	CallbackURL      string
	ClientName       string
	FlowTTL          time.Duration
	DiscoveryTimeout time.Duration
	RefreshThreshold float64
	HTTPClient       *http.Client
}

// Manager is the backend OAuth flow manager.
type Manager struct {
	opts       Options
	store      *TokenStore
	discoverer *Discoverer
	flows      *flowCoordinator
	scheduler  *RefreshManager
	refreshes  singleflight.Group
	conns      ConnectionControl
	bus        Publisher
	httpClient *http.Client
	logger     *zap.Logger

	mu         sync.Mutex
	challenges map[string]string
}

// NewManager creates a Manager. bus may be nil.
func NewManager(opts Options, store *TokenStore, bus Publisher, logger *zap.Logger) *Manager {
	logger = logger.Named("oauth")
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcpgate"
	}

	m := &Manager{
		opts:       opts,
		store:      store,
		discoverer: NewDiscoverer(client, opts.DiscoveryTimeout, logger),
		flows:      newFlowCoordinator(opts.FlowTTL, logger),
		scheduler:  newRefreshManager(opts.RefreshThreshold, logger),
		bus:        bus,
		httpClient: client,
		logger:     logger,
		challenges: make(map[string]string),
	}
	m.scheduler.refresh = m.ForceRefresh
	m.scheduler.busy = func(id string) bool { return m.flows.active(id) != nil }
	return m
}

// SetConnections wires the connection manager. It must be called before Start.
func (m *Manager) SetConnections(c ConnectionControl) {
	m.conns = c
	m.scheduler.conns = c
}

// Start schedules proactive refresh for every stored token and begins
// sweeping expired flows until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	recs, err := m.store.List()
	if err != nil {
		return gwerr.Storage("oauth.start", err)
	}
	tokens := make(map[string]*StoredToken, len(recs))
	for _, rec := range recs {
		st, err := m.store.Load(rec.InstallationID)
		if err != nil {
			m.logger.Warn("Skipping unreadable backend token",
				zap.String("installation", rec.InstallationID), zap.Error(err))
			continue
		}
		tokens[rec.InstallationID] = st
	}
	m.scheduler.Start(ctx, tokens)

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.flows.sweep(); n > 0 {
					m.logger.Debug("Expired pending OAuth flows", zap.Int("count", n))
				}
			}
		}
	}()
	return nil
}

// Stop cancels scheduled refreshes.
func (m *Manager) Stop() {
	m.scheduler.Stop()
}

// EnsureAuthorized returns a valid access token for inst, refreshing it if
// needed. It returns a nil token for backends that have neither OAuth
// settings nor a stored token.
func (m *Manager) EnsureAuthorized(ctx context.Context, inst *contracts.Installation) (*oauth2.Token, error) {
	const op = "oauth.ensure_authorized"
	st, err := m.store.Load(inst.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !inst.RequiresOAuth() {
			return nil, nil
		}
		m.requireAuthorization(inst.ID, inst.Alias, "no token stored")
		return nil, gwerr.E(gwerr.KindAuth, op, ErrAuthorizationRequired)
	case err != nil:
		return nil, err
	}
	if st.Token.Valid() {
		return st.Token, nil
	}
	return m.ForceRefresh(ctx, inst.ID)
}

// ForceRefresh refreshes the installation's token. Concurrent callers share
// one in-flight refresh; a caller whose ctx ends stops waiting without
// cancelling the refresh for the others.
func (m *Manager) ForceRefresh(ctx context.Context, installationID string) (*oauth2.Token, error) {
	ch := m.refreshes.DoChan(installationID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(rctx, installationID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, installationID string) (*oauth2.Token, error) {
	const op = "oauth.refresh"
	start := time.Now()
	tok, err := m.exchangeRefreshToken(ctx, installationID)
	LogTokenRefreshResult(m.logger, installationID, time.Since(start), err)
	if err == nil {
		return tok, nil
	}

	m.scheduler.OnRefreshFailed(installationID, err)
	m.publish(eventbus.EventTypeOAuthRefreshFailed, installationID, map[string]any{"error": err.Error()})

	switch {
	case gwerr.KindOf(err) != gwerr.KindInternal:
		return nil, err
	case isPermanentRefreshError(err):
		m.requireAuthorization(installationID, "", err.Error())
		return nil, gwerr.E(gwerr.KindAuth, op, err)
	default:
		return nil, gwerr.Connection(op, err)
	}
}

func (m *Manager) exchangeRefreshToken(ctx context.Context, installationID string) (*oauth2.Token, error) {
	st, err := m.store.Load(installationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRefreshToken
	}
	if err != nil {
		return nil, err
	}
	if st.Token.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	reg, err := m.store.LoadClient(installationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAuthorizationRequired
	}
	if err != nil {
		return nil, err
	}

	src := reg.Config(m.opts.CallbackURL).TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: st.Token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	saved, err := m.store.Save(installationID, tok)
	if err != nil {
		return nil, err
	}
	m.scheduler.OnTokenSaved(installationID, saved)
	m.publish(eventbus.EventTypeOAuthTokenRefreshed, installationID, map[string]any{"expires_at": tok.Expiry})
	return tok, nil
}

// StartAuthorization begins (or resumes) the interactive flow for inst and
// returns the authorization URL the user must open.
func (m *Manager) StartAuthorization(ctx context.Context, inst *contracts.Installation) (string, error) {
	const op = "oauth.start_authorization"
	if inst.Transport.Kind != contracts.TransportHTTP || inst.Transport.HTTP == nil {
		return "", gwerr.E(gwerr.KindInvalid, op, ErrNotOAuth)
	}
	if f := m.flows.active(inst.ID); f != nil {
		return f.AuthURL, nil
	}

	reg, err := m.ensureClient(ctx, inst)
	if err != nil {
		return "", err
	}

	f := m.flows.newFlow(inst.ID, inst.Alias)
	f.config = reg.Config(m.opts.CallbackURL)
	f.Resource = reg.Resource
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(f.verifier)}
	if reg.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", reg.Resource))
	}
	f.AuthURL = f.config.AuthCodeURL(f.State, opts...)

	existing, err := m.flows.start(f)
	if errors.Is(err, ErrFlowInProgress) {
		return existing.AuthURL, nil
	}
	LogOAuthFlowStart(m.logger, f)
	return f.AuthURL, nil
}

// ensureClient returns the cached registration or discovers the
// authorization server and registers (or uses the configured client id).
func (m *Manager) ensureClient(ctx context.Context, inst *contracts.Installation) (*ClientRegistration, error) {
	const op = "oauth.register"
	reg, err := m.store.LoadClient(inst.ID)
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	disc, err := m.discoverer.Discover(ctx, inst.Transport.HTTP.URL, m.challenge(inst.ID))
	if err != nil {
		return nil, gwerr.Connection(op, err)
	}

	reg = &ClientRegistration{
		Issuer:                disc.Server.Issuer,
		AuthorizationEndpoint: disc.Server.AuthorizationEndpoint,
		TokenEndpoint:         disc.Server.TokenEndpoint,
		RegistrationEndpoint:  disc.Server.RegistrationEndpoint,
		Resource:              disc.Resource,
		Scopes:                disc.Scopes,
	}
	settings := inst.Transport.HTTP.OAuth
	if settings != nil && len(settings.Scopes) > 0 {
		reg.Scopes = settings.Scopes
	}

	if settings != nil && settings.ClientID != "" {
		reg.ClientID = settings.ClientID
		reg.ClientSecret = settings.ClientSecret
	} else {
		if disc.Server.RegistrationEndpoint == "" {
			return nil, gwerr.E(gwerr.KindConfiguration, op, ErrRegistrationUnsupported)
		}
		resp, err := m.discoverer.Register(ctx, disc.Server.RegistrationEndpoint, RegistrationRequest{
			ClientName:              m.opts.ClientName,
			RedirectURIs:            []string{m.opts.CallbackURL},
			GrantTypes:              []string{"authorization_code", "refresh_token"},
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: "none",
			Scope:                   strings.Join(reg.Scopes, " "),
		})
		if err != nil {
			return nil, gwerr.Connection(op, err)
		}
		reg.ClientID = resp.ClientID
		reg.ClientSecret = resp.ClientSecret
	}

	if err := m.store.SaveClient(inst.ID, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// HandleCallback completes a flow: it redeems the state, exchanges the code
// with the PKCE verifier, stores the token and restarts the backend. It
// returns the installation id the flow belonged to.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (string, error) {
	const op = "oauth.callback"
	f, err := m.flows.take(state)
	if err != nil {
		return "", gwerr.E(gwerr.KindInvalid, op, err)
	}

	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(f.verifier)}
	if f.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", f.Resource))
	}
	tok, err := f.config.Exchange(m.clientContext(ctx), code, opts...)
	if err != nil {
		f.Status = FlowFailed
		LogOAuthFlowEnd(m.logger, f, err)
		return f.InstallationID, gwerr.E(gwerr.KindAuth, op, err)
	}

	saved, err := m.store.Save(f.InstallationID, tok)
	if err != nil {
		f.Status = FlowFailed
		LogOAuthFlowEnd(m.logger, f, err)
		return f.InstallationID, err
	}
	f.Status = FlowCompleted
	LogOAuthFlowEnd(m.logger, f, nil)

	m.scheduler.OnTokenSaved(f.InstallationID, saved)
	m.publish(eventbus.EventTypeOAuthTokenRefreshed, f.InstallationID, map[string]any{
		"alias":      f.Alias,
		"reason":     "authorized",
		"expires_at": tok.Expiry,
	})
	m.reconnect(f.InstallationID)
	return f.InstallationID, nil
}

// AbortFlow ends a flow whose callback reported an error.
func (m *Manager) AbortFlow(state, reason string) {
	f, err := m.flows.take(state)
	if err != nil {
		return
	}
	f.Status = FlowFailed
	LogOAuthFlowEnd(m.logger, f, errors.New(reason))
}

// Logout forgets the installation's token and restarts its connection,
// which then requires a new interactive login.
func (m *Manager) Logout(installationID string) error {
	m.flows.cancel(installationID)
	if err := m.store.Delete(installationID); err != nil {
		return err
	}
	m.scheduler.OnTokenCleared(installationID)
	m.reconnect(installationID)
	return nil
}

// Forget drops every OAuth record of an uninstalled or reconfigured installation.
func (m *Manager) Forget(installationID string) error {
	m.flows.cancel(installationID)
	m.scheduler.OnTokenCleared(installationID)
	m.mu.Lock()
	delete(m.challenges, installationID)
	m.mu.Unlock()
	if err := m.store.Delete(installationID); err != nil {
		return err
	}
	return m.store.DeleteClient(installationID)
}

// RecordChallenge remembers the resource_metadata URL from a backend's 401
// so the next discovery starts there.
func (m *Manager) RecordChallenge(installationID, resourceMetadata string) {
	m.mu.Lock()
	m.challenges[installationID] = resourceMetadata
	m.mu.Unlock()
}

func (m *Manager) challenge(installationID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenges[installationID]
}

// Status reports the OAuth state of one installation.
func (m *Manager) Status(installationID string) (*Status, error) {
	st, err := m.store.Load(installationID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		st = nil
	}
	refresh := m.scheduler.GetRefreshState(installationID)
	pending := m.flows.active(installationID)

	out := &Status{
		InstallationID: installationID,
		Status:         CalculateStatus(st, refresh, pending, time.Now()),
	}
	if st != nil {
		if !st.Token.Expiry.IsZero() {
			exp := st.Token.Expiry
			out.ExpiresAt = &exp
		}
		if scope, ok := st.Token.Extra("scope").(string); ok {
			out.Scope = scope
		}
		out.HasRefreshToken = st.Token.RefreshToken != ""
	}
	if refresh != nil {
		out.RefreshState = refresh.State.String()
		out.RetryCount = refresh.RetryCount
		out.LastError = refresh.LastError
		out.NextAttempt = refresh.NextAttempt
	}
	if pending != nil {
		out.PendingURL = pending.AuthURL
	}
	return out, nil
}

func (m *Manager) requireAuthorization(installationID, alias, reason string) {
	payload := map[string]any{"reason": reason}
	if alias != "" {
		payload["alias"] = alias
	}
	m.publish(eventbus.EventTypeOAuthAuthorizationRequired, installationID, payload)
}

func (m *Manager) reconnect(installationID string) {
	if m.conns == nil {
		return
	}
	if err := m.conns.Reconnect(installationID); err != nil {
		m.logger.Debug("No connection to restart", zap.String("installation", installationID), zap.Error(err))
	}
}

func (m *Manager) publish(t eventbus.EventType, installationID string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	evt := eventbus.New(t, payload)
	evt.InstallationID = installationID
	m.bus.Publish(evt)
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}
