// Package runtime assembles the gateway from its components and owns their
// lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/access"
	"github.com/smart-mcp-proxy/mcpgate/internal/authserver"
	"github.com/smart-mcp-proxy/mcpgate/internal/config"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/httpapi"
	"github.com/smart-mcp-proxy/mcpgate/internal/logs"
	"github.com/smart-mcp-proxy/mcpgate/internal/management"
	"github.com/smart-mcp-proxy/mcpgate/internal/oauth"
	"github.com/smart-mcp-proxy/mcpgate/internal/observability"
	"github.com/smart-mcp-proxy/mcpgate/internal/router"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/stateview"
	"github.com/smart-mcp-proxy/mcpgate/internal/secret"
	"github.com/smart-mcp-proxy/mcpgate/internal/server"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/core"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

const shutdownTimeout = 10 * time.Second

// Options carries process-level inputs that are not part of the config file.
type Options struct {
	Version string
	// Sanitizer masks resolved secret inputs in logs. May be nil.
	Sanitizer *logs.SecretSanitizer
	// KeyProvider overrides the provider selected by the secrets section.
	KeyProvider secret.KeyProvider
	// Dialer overrides the stdio/HTTP backend dialer.
	Dialer core.Dialer
}

// Runtime owns every long-lived component of one gateway process.
type Runtime struct {
	cfg    *config.Config
	opts   Options
	logger *zap.Logger
	phase  *phaseMachine
	apiKey string

	db       *storage.BoltDB
	secrets  secret.Store
	bus      *eventbus.Bus
	access   *access.Service
	view     *stateview.View
	oauth    *oauth.Manager
	upstream *upstream.Manager
	router   *router.Router
	authsrv  *authserver.Server
	mcp      *server.Handler
	mgmt     *management.Service
	api      *httpapi.Server
	obs      *observability.Manager
	http     *server.Server

	mu     sync.Mutex
	cfgNow *config.Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens storage and builds every component. Nothing listens or
// connects until Start.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		cfg:    cfg,
		cfgNow: cfg,
		opts:   opts,
		logger: logger,
		phase:  newPhaseMachine(PhaseInitializing),
	}
	if err := r.build(); err != nil {
		_ = r.closeStores()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) build() error {
	cfg := r.cfg

	key, generated, err := EnsureAPIKey(cfg)
	if err != nil {
		return err
	}
	if generated {
		r.logger.Info("Generated control API key", zap.String("path", cfg.APIKeyPath()))
	}
	r.apiKey = key

	r.db, err = storage.Open(cfg.DatabasePath(), r.logger)
	if err != nil {
		return err
	}

	provider := r.opts.KeyProvider
	if provider == nil {
		if provider, err = secret.NewProvider(cfg.Secrets.Provider, cfg.Secrets.EnvVar); err != nil {
			return err
		}
	}
	r.secrets, err = secret.NewAESStore(provider)
	if err != nil {
		return fmt.Errorf("failed to initialize secret store: %w", err)
	}

	r.bus = eventbus.NewBus(r.logger)
	r.access, err = access.NewService(r.db, r.bus, r.logger)
	if err != nil {
		return err
	}
	r.view = stateview.New()

	r.obs, err = observability.NewManager(r.logger, observability.ConfigFrom(cfg.Telemetry, r.opts.Version))
	if err != nil {
		return err
	}

	r.oauth = oauth.NewManager(oauth.Options{
		CallbackURL:      cfg.CallbackURL(),
		FlowTTL:          cfg.OAuth.FlowTTL,
		DiscoveryTimeout: cfg.OAuth.DiscoveryTimeout,
		RefreshThreshold: cfg.OAuth.RefreshThreshold,
	}, oauth.NewTokenStore(r.db, r.secrets), r.bus, r.logger)

	dialer := r.opts.Dialer
	if dialer == nil {
		dialer = core.NewDialer(r.logger)
	}
	resolver := &upstream.InputResolver{
		Secrets:    r.secrets,
		Auth:       r.oauth,
		BackendLog: r.backendLogger,
	}
	if r.opts.Sanitizer != nil {
		resolver.Registrar = r.opts.Sanitizer
	}
	r.upstream = upstream.NewManager(cfg.Gateway, dialer, resolver, r.bus, r.view, r.logger)
	r.upstream.SetAuthorizer(r.oauth)
	r.oauth.SetConnections(r.upstream)

	ropts := router.Options{Throttle: cfg.Gateway.NotifyThrottle}
	if mm := r.obs.Metrics(); mm != nil {
		ropts.Recorder = mm
	}
	r.router = router.New(r.access, r.upstream, ropts, r.logger)

	r.authsrv, err = authserver.New(authserver.OptionsFromConfig(cfg.Auth, cfg.Listen), r.db, r.secrets, r.access, r.bus, r.logger)
	if err != nil {
		return err
	}

	r.mcp = server.NewHandler(r.router, r.access, r.authsrv, server.HandlerOptions{
		ServerVersion:      r.opts.Version,
		SessionIdleTimeout: cfg.Gateway.SessionIdleTimeout,
		SSEKeepalive:       cfg.Gateway.SSEKeepalive,
		SSERetry:           cfg.Gateway.SSERetry,
	}, r.logger)

	r.mgmt = management.NewService(r.access, r.upstream, r.oauth, r.view, r.secrets,
		management.Options{ReadOnly: cfg.ReadOnly}, r.logger)

	r.api = httpapi.NewServer(httpapi.Deps{
		Installations: r.mgmt,
		Access:        r.access,
		Authz:         r.authsrv,
		Sessions:      r.mcp.Sessions(),
		Events:        r.bus,
		Status:        r.view,
	}, httpapi.Options{
		APIKey:  r.apiKey,
		Listen:  cfg.Listen,
		Version: r.opts.Version,
	}, r.logger)

	health := r.obs.Health()
	health.AddHealthChecker(observability.NewDatabaseHealthChecker("database", r.db))
	health.AddHealthChecker(observability.NewComponentHealthChecker("http", func() bool {
		return r.http != nil && r.http.IsRunning()
	}))
	health.AddReadinessChecker(observability.NewDatabaseHealthChecker("database", r.db))
	health.AddReadinessChecker(observability.NewBackendsReadinessChecker("backends", r.view,
		types.StateConnecting.String(), types.StateHandshaking.String()))

	r.http = server.New(cfg.Listen, r.logger,
		server.MountFunc(func(cr chi.Router) {
			cr.Use(r.obs.HTTPMiddleware())
			r.obs.Mount(cr)
		}),
		r.authsrv,
		r.mcp,
		r.api,
	)
	return nil
}

func (r *Runtime) backendLogger(alias string) *zap.Logger {
	l, err := logs.CreateBackendLogger(r.cfg.Logging, r.opts.Sanitizer, alias)
	if err != nil {
		r.logger.Warn("Failed to create backend logger", zap.String("alias", alias), zap.Error(err))
		return r.logger.Named("backend").With(zap.String("server", alias))
	}
	return l
}

// Start seeds configured spaces, binds the listener, starts the background
// loops and connects every enabled backend. Backends connect in the
// background; readiness reports when they settle.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.phase.Transition(PhaseStarting) {
		return fmt.Errorf("cannot start gateway in phase %s", r.phase.Current())
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if len(r.cfg.Spaces) > 0 {
		if _, err := r.mgmt.Seed(runCtx, r.cfg.Spaces); err != nil {
			r.logger.Warn("Some configured spaces could not be seeded", zap.Error(err))
		}
	}

	if err := r.oauth.Start(runCtx); err != nil {
		r.logger.Warn("Failed to schedule backend token refresh", zap.Error(err))
	}

	if err := r.http.Start(); err != nil {
		cancel()
		r.phase.Transition(PhaseError)
		return err
	}

	r.goLoop(func() { r.syncCatalog(runCtx) })
	r.goLoop(func() { r.router.Run(runCtx, r.bus) })
	r.goLoop(func() { r.authsrv.Run(runCtx) })
	r.goLoop(func() { r.mcp.Run(runCtx) })
	r.goLoop(func() { r.obs.Run(runCtx, r.inventory(), r.bus) })
	r.goLoop(func() { r.connectAll(runCtx) })

	r.phase.Transition(PhaseRunning)
	r.logger.Info("Gateway running",
		zap.String("listen", r.http.Addr()),
		zap.String("data_dir", r.cfg.DataDir),
		zap.Bool("read_only", r.cfg.ReadOnly))
	return nil
}

func (r *Runtime) goLoop(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) connectAll(ctx context.Context) {
	snap := r.access.Current()
	insts := make([]*contracts.Installation, 0, len(snap.Installations))
	for _, inst := range snap.Installations {
		insts = append(insts, inst)
	}
	if err := r.upstream.ConnectAll(ctx, insts); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("Initial backend connection round finished with errors", zap.Error(err))
	}
}

// ApplyConfig handles a reloaded configuration: new seeds are applied, other
// changes are reported as needing a restart.
func (r *Runtime) ApplyConfig(ctx context.Context, next *config.Config) *ConfigApplyResult {
	r.mu.Lock()
	prev := r.cfgNow
	r.cfgNow = next
	r.mu.Unlock()

	result := DetectConfigChanges(prev, next)
	if result.AppliedImmediately {
		if _, err := r.mgmt.Seed(ctx, next.Spaces); err != nil {
			r.logger.Warn("Failed to apply reloaded spaces", zap.Error(err))
			result.Success = false
		}
	}
	if result.RequiresRestart {
		r.logger.Warn("Configuration change requires restart",
			zap.String("reason", result.RestartReason),
			zap.String("changed", result.FormatChangedFields()))
	} else if len(result.ChangedFields) > 0 {
		r.logger.Info("Configuration reloaded", zap.String("changed", result.FormatChangedFields()))
	}
	return result
}

// Addr is the bound listen address once started.
func (r *Runtime) Addr() string { return r.http.Addr() }

// APIKey is the effective control API key.
func (r *Runtime) APIKey() string { return r.apiKey }

// Phase reports the lifecycle phase.
func (r *Runtime) Phase() Phase { return r.phase.Current() }

// Close stops the listener first so no new work arrives, then the loops,
// the backends and finally storage.
func (r *Runtime) Close() error {
	if !r.phase.Transition(PhaseStopping) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := r.http.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()

	r.oauth.Stop()
	r.upstream.Close()
	if err := r.obs.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.closeStores(); err != nil {
		errs = append(errs, err)
	}

	r.phase.Transition(PhaseStopped)
	r.logger.Info("Gateway stopped")
	return errors.Join(errs...)
}

func (r *Runtime) closeStores() error {
	if r.bus != nil {
		r.bus.Close()
	}
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Runtime) inventory() observability.Inventory {
	return inventory{r: r}
}

type inventory struct{ r *Runtime }

func (i inventory) Installations() int           { return len(i.r.access.Current().Installations) }
func (i inventory) Sessions() int                { return i.r.mcp.Sessions().Count() }
func (i inventory) Clients() int                 { return len(i.r.access.Current().Clients) }
func (i inventory) CountByState() map[string]int { return i.r.view.CountByState() }
