// Package httpapi serves the control API under /api/v1 used by the CLI and
// the desktop UI, plus the backend OAuth callback.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/access"
	"github.com/smart-mcp-proxy/mcpgate/internal/authserver"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/management"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/server"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

const (
	// APIKeyHeader carries the control API key.
	APIKeyHeader = "X-API-Key"

	// CallbackPath receives backend OAuth redirects.
	CallbackPath = "/oauth/callback"

	requestTimeout = 60 * time.Second
	maxBodyBytes   = 10 << 20
)

// Installations is the installation lifecycle surface.
type Installations interface {
	List(spaceID string) []*management.InstallationView
	Get(id string) (*management.InstallationView, error)
	Features(id string) (*types.Capabilities, error)
	Install(ctx context.Context, req management.InstallRequest) (*management.InstallationView, error)
	Uninstall(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Configure(ctx context.Context, id string, values map[string]string) (*management.InstallationView, error)
	Restart(ctx context.Context, id string) error
	Login(ctx context.Context, id string) (string, error)
	CompleteLogin(ctx context.Context, state, code, callbackErr string) (string, error)
	Logout(ctx context.Context, id string) error
	EnableAll(ctx context.Context, spaceID string) (*management.BulkOperationResult, error)
	DisableAll(ctx context.Context, spaceID string) (*management.BulkOperationResult, error)
	Doctor(ctx context.Context) (*management.Diagnostics, error)
}

// AccessControl manages spaces, feature sets and clients.
type AccessControl interface {
	Current() *access.Snapshot
	CreateSpace(name string) (*contracts.Space, error)
	RenameSpace(id, name string) error
	DeleteSpace(id string) error
	SetActiveSpace(id string) error
	CreateFeatureSet(spaceID, name string, members []contracts.FeatureRef) (*contracts.FeatureSet, error)
	UpdateFeatureSet(id, name string, members []contracts.FeatureRef) (*contracts.FeatureSet, error)
	DeleteFeatureSet(id string) error
	ApproveClient(id string, approved bool) error
	SetConnectionMode(id string, mode contracts.ConnectionMode, spaceID string) error
	ChooseSpace(id, spaceID string) error
	Grant(clientID, spaceID, featureSetID string) error
	Revoke(clientID, spaceID, featureSetID string) error
	DeleteClient(id string) error
}

// Authorizations decides authorize requests of unapproved clients.
type Authorizations interface {
	PendingRequests() []authserver.PendingAuthorization
	Approve(requestID string) error
	Deny(requestID string) error
}

// Sessions lists live downstream sessions.
type Sessions interface {
	List() []server.SessionInfo
}

// EventSource is the domain event broker.
type EventSource interface {
	Subscribe(name string, filter func(eventbus.Event) bool) *eventbus.Subscription
}

// StatusCounter summarizes backend connection states.
type StatusCounter interface {
	CountByState() map[string]int
}

// Deps are the services behind the control API. Authz, Sessions, Events
// and Status may be nil; their endpoints then answer 503.
type Deps struct {
	Installations Installations
	Access        AccessControl
	Authz         Authorizations
	Sessions      Sessions
	Events        EventSource
	Status        StatusCounter
}

// Options configures the control API.
type Options struct {
	// APIKey is required on every /api/v1 request. An empty key rejects
	// every request.
	APIKey string
	// Listen is reported by the status endpoint.
	Listen  string
	Version string
	// EventKeepalive is the SSE comment interval of the event feed.
	EventKeepalive time.Duration
}

// Server provides the control API endpoints.
type Server struct {
	deps    Deps
	opts    Options
	logger  *zap.SugaredLogger
	started time.Time
}

// NewServer creates the control API.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EventKeepalive <= 0 {
		opts.EventKeepalive = 30 * time.Second
	}
	return &Server{
		deps:    deps,
		opts:    opts,
		logger:  logger.Named("httpapi").Sugar(),
		started: time.Now(),
	}
}

// Mount registers the routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Get(CallbackPath, s.handleOAuthCallback)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequestLoggerMiddleware(s.logger))
		r.Use(s.apiKeyAuthMiddleware())

		// The event feed is long-lived and must not inherit the timeout.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/status", s.handleGetStatus)
			r.Get("/doctor", s.handleDoctor)
			r.Get("/sessions", s.handleListSessions)

			r.Route("/spaces", func(r chi.Router) {
				r.Get("/", s.handleListSpaces)
				r.Post("/", s.handleCreateSpace)
				r.Route("/{spaceID}", func(r chi.Router) {
					r.Patch("/", s.handleRenameSpace)
					r.Delete("/", s.handleDeleteSpace)
					r.Post("/activate", s.handleActivateSpace)
					r.Get("/feature-sets", s.handleListFeatureSets)
					r.Post("/feature-sets", s.handleCreateFeatureSet)
					r.Post("/import", s.handleImport)
				})
			})
			r.Route("/feature-sets/{setID}", func(r chi.Router) {
				r.Put("/", s.handleUpdateFeatureSet)
				r.Delete("/", s.handleDeleteFeatureSet)
			})

			r.Route("/installations", func(r chi.Router) {
				r.Get("/", s.handleListInstallations)
				r.Post("/", s.handleInstall)
				r.Post("/enable_all", s.handleEnableAll)
				r.Post("/disable_all", s.handleDisableAll)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetInstallation)
					r.Delete("/", s.handleUninstall)
					r.Post("/enable", s.handleEnable)
					r.Post("/disable", s.handleDisable)
					r.Post("/restart", s.handleRestart)
					r.Put("/inputs", s.handleConfigure)
					r.Post("/login", s.handleLogin)
					r.Post("/logout", s.handleLogout)
					r.Get("/features", s.handleFeatures)
				})
			})

			r.Route("/clients", func(r chi.Router) {
				r.Get("/", s.handleListClients)
				r.Route("/{clientID}", func(r chi.Router) {
					r.Delete("/", s.handleDeleteClient)
					r.Post("/approve", s.handleApproveClient)
					r.Post("/revoke-approval", s.handleRevokeApproval)
					r.Put("/mode", s.handleSetMode)
					r.Put("/space", s.handleChooseSpace)
					r.Post("/grants", s.handleGrant)
					r.Delete("/grants", s.handleRevoke)
				})
			})

			r.Route("/authorizations", func(r chi.Router) {
				r.Get("/", s.handleListAuthorizations)
				r.Post("/{requestID}/approve", s.handleApproveAuthorization)
				r.Post("/{requestID}/deny", s.handleDenyAuthorization)
			})
		})
	})
	s.logger.Debugw("Control API routes mounted", "api_routes", "/api/v1/*", "callback", CallbackPath)
}

// apiKeyAuthMiddleware requires the X-API-Key header, or the apikey query
// parameter for EventSource clients that cannot set headers.
func (s *Server) apiKeyAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.opts.APIKey == "" {
				s.logger.Warnw("Control API request rejected - API key not configured", "path", r.URL.Path)
				s.writeError(w, r, http.StatusUnauthorized, "API key authentication required but not configured", "auth")
				return
			}
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				key = r.URL.Query().Get("apikey")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.APIKey)) != 1 {
				s.logger.Warnw("Control API request with invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)
				s.writeError(w, r, http.StatusUnauthorized, "Invalid or missing API key", "auth")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		GetLogger(r.Context()).Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message, kind string) {
	s.writeJSON(w, r, status, contracts.NewErrorResponse(message, kind))
}

func (s *Server) writeSuccess(w http.ResponseWriter, r *http.Request, data any) {
	s.writeJSON(w, r, http.StatusOK, contracts.NewSuccessResponse(data))
}

func (s *Server) writeCreated(w http.ResponseWriter, r *http.Request, data any) {
	s.writeJSON(w, r, http.StatusCreated, contracts.NewSuccessResponse(data))
}

// writeErr maps a classified error to an HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := gwerr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		GetLogger(r.Context()).Errorw("Control API request failed", "error", err, "kind", kind.String())
	}
	s.writeError(w, r, status, err.Error(), kind.String())
}

func statusFor(kind gwerr.Kind) int {
	switch kind {
	case gwerr.KindNotFound:
		return http.StatusNotFound
	case gwerr.KindInvalid, gwerr.KindConfiguration:
		return http.StatusBadRequest
	case gwerr.KindPermission:
		return http.StatusForbidden
	case gwerr.KindAuth:
		return http.StatusUnauthorized
	case gwerr.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case gwerr.KindConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large", "invalid")
			return false
		}
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "invalid")
		return false
	}
	return true
}

func (s *Server) unavailable(w http.ResponseWriter, r *http.Request, what string) {
	s.writeError(w, r, http.StatusServiceUnavailable, what+" is not available", "internal")
}
