// Package authserver is the gateway's own OAuth 2.1 authorization server.
// Downstream clients register dynamically, obtain a code through the
// authorize endpoint (after an out-of-band approval for new clients) and
// exchange it for RS256 access tokens whose subject is the client id.
package authserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/access"
	"github.com/smart-mcp-proxy/mcpgate/internal/config"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/secret"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

const (
	// Scope is the only scope the gateway issues.
	Scope = "mcp"

	defaultAccessTokenTTL  = time.Hour
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
	defaultCodeTTL         = 10 * time.Minute
	defaultPendingTTL      = 10 * time.Minute
	sweepInterval          = time.Minute

	pathAuthorize = "/oauth/authorize"
	pathPending   = "/oauth/authorize/pending/"
	pathToken     = "/oauth/token"
	pathRegister  = "/oauth/register"
	pathJWKS      = "/oauth/jwks"
	pathResource  = "/mcp"
)

// Store persists registered clients, refresh tokens and the signing key.
type Store interface {
	SaveAuthClient(rec *storage.AuthClientRecord) error
	GetAuthClient(clientID string) (*storage.AuthClientRecord, error)
	SaveRefreshToken(rec *storage.RefreshTokenRecord) error
	GetRefreshToken(tokenHash string) (*storage.RefreshTokenRecord, error)
	RotateRefreshToken(oldHash string, next *storage.RefreshTokenRecord) error
	PruneRefreshTokens(now time.Time) (int, error)
	SaveSigningKey(rec *storage.SigningKeyRecord) error
	GetSigningKey() (*storage.SigningKeyRecord, error)
}

// ClientDirectory is the access-control view of downstream clients.
type ClientDirectory interface {
	Current() *access.Snapshot
	RegisterClient(id, name string, approved bool) (*contracts.Client, error)
	ApproveClient(id string, approved bool) error
}

// Publisher receives authorization events.
type Publisher interface {
	Publish(evt eventbus.Event) eventbus.Event
}

// Options configures token lifetimes and the issuer URL.
type Options struct {
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration
	PendingTTL      time.Duration
	// AutoApprove approves newly registered clients without user action.
	AutoApprove bool
}

// OptionsFromConfig derives options from the auth section. The issuer
// defaults to the loopback listen address.
func OptionsFromConfig(cfg config.AuthConfig, listen string) Options {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "http://" + listen
	}
	return Options{
		Issuer:          strings.TrimRight(issuer, "/"),
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		CodeTTL:         cfg.CodeTTL,
		PendingTTL:      cfg.PendingTTL,
		AutoApprove:     cfg.AutoApproveClients,
	}
}

func (o *Options) applyDefaults() {
	if o.AccessTokenTTL <= 0 {
		o.AccessTokenTTL = defaultAccessTokenTTL
	}
	if o.RefreshTokenTTL <= 0 {
		o.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if o.CodeTTL <= 0 {
		o.CodeTTL = defaultCodeTTL
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = defaultPendingTTL
	}
}

// Server implements the authorization endpoints.
type Server struct {
	opts    Options
	store   Store
	clients ClientDirectory
	bus     Publisher
	key     *signingKey
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	codes   map[string]*authCode
	pending map[string]*PendingAuthorization
}

// New loads (or creates) the signing key and returns a ready server.
func New(opts Options, store Store, secrets secret.Store, clients ClientDirectory, bus Publisher, logger *zap.Logger) (*Server, error) {
	opts.applyDefaults()
	key, err := loadSigningKey(store, secrets)
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:    opts,
		store:   store,
		clients: clients,
		bus:     bus,
		key:     key,
		logger:  logger.Named("authserver"),
		now:     time.Now,
		codes:   make(map[string]*authCode),
		pending: make(map[string]*PendingAuthorization),
	}, nil
}

// Issuer returns the issuer URL.
func (s *Server) Issuer() string { return s.opts.Issuer }

// ResourceURL is the canonical URL of the protected /mcp endpoint.
func (s *Server) ResourceURL() string { return s.opts.Issuer + pathResource }

// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
func (s *Server) ResourceMetadataURL() string {
	return s.opts.Issuer + "/.well-known/oauth-protected-resource" + pathResource
}

// Mount registers the OAuth and discovery endpoints. Browser-based
// clients reach them cross-origin, so they are served with CORS.
func (s *Server) Mount(r chi.Router) {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Protocol-Version"},
		MaxAge:         3600,
	})
	r.Group(func(r chi.Router) {
		r.Use(c.Handler)
		r.Get("/.well-known/oauth-authorization-server", s.handleMetadata)
		r.Get("/.well-known/openid-configuration", s.handleMetadata)
		r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResource)
		r.Get("/.well-known/oauth-protected-resource"+pathResource, s.handleProtectedResource)
		r.Get(pathJWKS, s.handleJWKS)
		r.Post(pathRegister, s.handleRegister)
		r.Get(pathAuthorize, s.handleAuthorize)
		r.Get(pathPending+"{id}", s.handlePending)
		r.Post(pathToken, s.handleToken)
	})
}

// Run prunes expired codes, pending requests and refresh tokens until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	now := s.now()
	s.mu.Lock()
	for k, c := range s.codes {
		if c.Used || c.expired(now) {
			delete(s.codes, k)
		}
	}
	for id, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	if n, err := s.store.PruneRefreshTokens(now); err != nil {
		s.logger.Warn("Failed to prune refresh tokens", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("Pruned refresh tokens", zap.Int("count", n))
	}
}

func (s *Server) metadata() *Metadata {
	return &Metadata{
		Issuer:                            s.opts.Issuer,
		AuthorizationEndpoint:             s.opts.Issuer + pathAuthorize,
		TokenEndpoint:                     s.opts.Issuer + pathToken,
		RegistrationEndpoint:              s.opts.Issuer + pathRegister,
		JWKSURI:                           s.opts.Issuer + pathJWKS,
		ScopesSupported:                   []string{Scope},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
	}
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, s.metadata())
}

func (s *Server) handleProtectedResource(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &ProtectedResourceMetadata{
		Resource:               s.ResourceURL(),
		AuthorizationServers:   []string{s.opts.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        []string{Scope},
		ResourceName:           "mcpgate",
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, s.key.jwks())
}

func (s *Server) publish(evt eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// oauthError writes an RFC 6749 error body.
func oauthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}
