// Package router merges backend capabilities into per-session views,
// routes invocations to the owning backend and fans out list_changed
// notifications to sessions.
package router

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/access"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream"
)

const tracerName = "github.com/smart-mcp-proxy/mcpgate/internal/router"

// AccessView exposes the current access-control snapshot.
type AccessView interface {
	Current() *access.Snapshot
}

// Backends is the connection manager surface the router needs.
type Backends interface {
	BackendSource
	SendRequest(ctx context.Context, installationID string, req upstream.Request) (any, error)
}

// Recorder receives per-invocation measurements.
type Recorder interface {
	RecordInvocation(alias string, kind contracts.FeatureKind, status string, d time.Duration)
	RecordNotification(kind contracts.FeatureKind)
}

// Options tunes the router.
type Options struct {
	// Throttle is the minimum gap between two list_changed notifications
	// of one kind to one session. Bursts inside it coalesce into one
	// trailing notification.
	Throttle time.Duration
	Recorder Recorder
}

// Router is the capability aggregator.
type Router struct {
	access   AccessView
	backends Backends
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// New creates a router.
func New(acc AccessView, backends Backends, opts Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		access:   acc,
		backends: backends,
		opts:     opts,
		logger:   logger.Named("router"),
		watchers: make(map[string]*Watcher),
	}
}

// EffectiveCapabilities computes what a session of clientID bound to
// spaceID may currently see.
func (r *Router) EffectiveCapabilities(clientID, spaceID string) *View {
	return buildView(r.access.Current(), r.backends, clientID, spaceID)
}

// EffectiveFeatureSet returns the internal keys of every feature visible to
// a session of clientID bound to spaceID.
func (r *Router) EffectiveFeatureSet(clientID, spaceID string) []contracts.FeatureRef {
	return r.EffectiveCapabilities(clientID, spaceID).Refs()
}

// Invoke routes a tools/call, prompts/get or resources/read of a session
// bound to spaceID to the owning backend. name is the presented tool or prompt name, or the resource URI.
// A feature outside the client's view fails exactly like an unknown one;
// a granted feature of a backend that is not Connected fails with
// BackendUnavailable.
func (r *Router) Invoke(ctx context.Context, clientID, spaceID string, kind contracts.FeatureKind, name string, args map[string]any) (any, error) {
	const op = "router.invoke"
	snap := r.access.Current()
	view := buildView(snap, r.backends, clientID, spaceID)

	target, ok := view.Lookup(kind, name)
	if !ok {
		if t, known := r.unavailableTarget(snap, view, kind, name); known {
			return nil, gwerr.BackendUnavailable(op, t.InstallationID, r.stateOf(t.InstallationID))
		}
		return nil, gwerr.NotFound(op, string(kind), name)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "invoke "+string(kind),
		trace.WithAttributes(
			attribute.String("mcpgate.server", target.Alias),
			attribute.String("mcpgate.feature", target.Native),
		))
	defer span.End()

	req := upstream.Request{Arguments: args}
	switch kind {
	case contracts.FeatureTool:
		req.Method, req.Name = upstream.MethodCallTool, target.Native
	case contracts.FeaturePrompt:
		req.Method, req.Name = upstream.MethodGetPrompt, target.Native
	default:
		req.Method, req.URI = upstream.MethodReadResource, target.Native
	}

	start := time.Now()
	res, err := r.backends.SendRequest(ctx, target.InstallationID, req)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Debug("Backend invocation failed",
			zap.String("server", target.Alias),
			zap.String("kind", string(kind)),
			zap.String("feature", target.Native),
			zap.Error(err))
	}
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordInvocation(target.Alias, kind, status, time.Since(start))
	}
	return res, err
}

// unavailableTarget recognizes a name that would resolve to a granted,
// previously advertised feature of a backend that is currently not in the
// view. Names the client may not see are never recognized.
func (r *Router) unavailableTarget(snap *access.Snapshot, view *View, kind contracts.FeatureKind, name string) (Target, bool) {
	if view.grant == nil {
		return Target{}, false
	}
	var alias, native string
	var ok bool
	if kind == contracts.FeatureResource {
		alias, native, ok = ParseQualifiedResourceURI(name)
	} else {
		alias, native, ok = contracts.SplitNamespaced(name)
	}
	if !ok {
		return Target{}, false
	}
	inst := snap.InstallationByAlias(view.SpaceID, alias)
	if inst == nil {
		return Target{}, false
	}
	t := Target{InstallationID: inst.ID, Alias: alias, Kind: kind, Native: native}
	if !snap.IsAdvertised(t.Ref()) || !view.grant.Allows(t.Ref()) {
		return Target{}, false
	}
	return t, true
}

func (r *Router) stateOf(installationID string) string {
	if bs, ok := r.backends.Snapshot(installationID); ok {
		return bs.State.String()
	}
	return "Disabled"
}
