// Package upstream manages one connection per enabled backend installation.
package upstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smart-mcp-proxy/mcpgate/internal/config"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/stateview"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/core"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

// connectConcurrency bounds simultaneous handshakes in ConnectAll.
const connectConcurrency = 8

// Publisher receives domain events.
type Publisher interface {
	Publish(evt eventbus.Event) eventbus.Event
}

// Manager owns the backend connections.
type Manager struct {
	opts     config.GatewayConfig
	dialer   core.Dialer
	resolver SpecResolver
	auth     Authorizer
	bus      Publisher
	view     *stateview.View
	logger   *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*connection
	closed bool
}

// NewManager creates a manager. bus and view may be nil.
func NewManager(opts config.GatewayConfig, dialer core.Dialer, resolver SpecResolver, bus Publisher, view *stateview.View, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		dialer:   dialer,
		resolver: resolver,
		bus:      bus,
		view:     view,
		logger:   logger.Named("upstream"),
		conns:    make(map[string]*connection),
	}
}

// SetAuthorizer installs the backend OAuth manager. Call before Connect.
func (m *Manager) SetAuthorizer(a Authorizer) {
	m.mu.Lock()
	m.auth = a
	m.mu.Unlock()
}

func (m *Manager) get(id string) *connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

// Connect starts (or updates) the connection for inst. It returns once the
// request is queued; observe progress through events or WaitSettled.
func (m *Manager) Connect(inst *contracts.Installation) error {
	if inst == nil || inst.ID == "" {
		return gwerr.Invalid("upstream.connect", "installation id required")
	}
	cp := *inst

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("upstream manager closed")
	}
	c, ok := m.conns[inst.ID]
	if !ok {
		c = newConnection(m, &cp)
		m.conns[inst.ID] = c
		go c.run()
	}
	m.mu.Unlock()

	c.post(command{kind: cmdConnect, inst: &cp})
	return nil
}

// Disconnect stops the connection, cancelling in-flight requests and any
// pending reconnect, and waits until it is Disabled. Idempotent.
func (m *Manager) Disconnect(id string) {
	c := m.get(id)
	if c == nil {
		return
	}
	c.abort()
	done := make(chan struct{})
	c.post(command{kind: cmdDisconnect, done: done})
	select {
	case <-done:
	case <-c.done:
	}
}

// Remove disconnects and forgets an installation (uninstall).
func (m *Manager) Remove(id string) {
	m.Disconnect(id)

	m.mu.Lock()
	c := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if c != nil {
		c.cancel()
		<-c.done
	}
	if m.view != nil {
		m.view.Remove(id)
	}
}

// Reconnect forces a fresh session, or an immediate attempt when Failed,
// Degraded or waiting to retry.
func (m *Manager) Reconnect(id string) error {
	c := m.get(id)
	if c == nil {
		return gwerr.NotFound("upstream.reconnect", "installation", id)
	}
	c.post(command{kind: cmdReconnect})
	return nil
}

// Degrade marks a connected backend Degraded (e.g. its OAuth refresh failed).
func (m *Manager) Degrade(id string, err error) {
	if c := m.get(id); c != nil {
		c.post(command{kind: cmdDegrade, err: err})
	}
}

// Snapshot returns the current published snapshot of one connection.
func (m *Manager) Snapshot(id string) (*types.Snapshot, bool) {
	c := m.get(id)
	if c == nil {
		return nil, false
	}
	return c.state.Current(), true
}

// Snapshots returns every connection's snapshot sorted by installation id.
func (m *Manager) Snapshots() []*types.Snapshot {
	m.mu.RLock()
	out := make([]*types.Snapshot, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.state.Current())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstallationID < out[j].InstallationID })
	return out
}

// WaitSettled blocks until every connect or reconnect posted so far has
// been handled and the connection is out of Connecting/Handshaking.
func (m *Manager) WaitSettled(ctx context.Context, id string) (*types.Snapshot, error) {
	c := m.get(id)
	if c == nil {
		return nil, gwerr.NotFound("upstream.wait", "installation", id)
	}
	return c.waitFor(ctx, c.settled)
}

// WaitFor blocks until pred holds for the connection's snapshot.
func (m *Manager) WaitFor(ctx context.Context, id string, pred func(*types.Snapshot) bool) (*types.Snapshot, error) {
	c := m.get(id)
	if c == nil {
		return nil, gwerr.NotFound("upstream.wait", "installation", id)
	}
	return c.waitFor(ctx, pred)
}

// ConnectAll connects every enabled installation, at most connectConcurrency
// handshakes at a time, and returns when all have settled or ctx expires.
func (m *Manager) ConnectAll(ctx context.Context, insts []*contracts.Installation) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(connectConcurrency)
	for _, inst := range insts {
		if !inst.Enabled {
			continue
		}
		inst := inst
		g.Go(func() error {
			if err := m.Connect(inst); err != nil {
				return err
			}
			_, err := m.WaitSettled(gctx, inst.ID)
			return err
		})
	}
	return g.Wait()
}

// Close disconnects everything and stops all connection goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.abort()
		c.cancel()
	}
	for _, c := range conns {
		<-c.done
	}
}

func (m *Manager) publish(evt eventbus.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}

func (m *Manager) publishStateChanged(inst *contracts.Installation, old, next *types.Snapshot) {
	payload := map[string]any{
		"alias":       inst.Alias,
		"from":        old.State.String(),
		"to":          next.State.String(),
		"retry_count": next.RetryCount,
	}
	if next.LastError != "" {
		payload["error"] = next.LastError
	}
	if !next.NextRetryAt.IsZero() {
		payload["next_retry_at"] = next.NextRetryAt.UTC()
	}
	evt := eventbus.New(eventbus.EventTypeConnectionStateChanged, payload)
	evt.InstallationID = inst.ID
	evt.SpaceID = inst.SpaceID
	m.publish(evt)
}

func (m *Manager) publishCapabilityChanged(inst *contracts.Installation, kind contracts.FeatureKind) {
	evt := eventbus.New(eventbus.EventTypeCapabilityChanged, map[string]any{"alias": inst.Alias})
	evt.InstallationID = inst.ID
	evt.SpaceID = inst.SpaceID
	evt.Kind = kind
	m.publish(evt)
}

func (m *Manager) publishFeaturesRefreshed(inst *contracts.Installation, caps *types.Capabilities) {
	tools, prompts, resources := caps.Count()
	evt := eventbus.New(eventbus.EventTypeServerFeaturesRefreshed, map[string]any{
		"alias":     inst.Alias,
		"tools":     tools,
		"prompts":   prompts,
		"resources": resources,
	})
	evt.InstallationID = inst.ID
	evt.SpaceID = inst.SpaceID
	m.publish(evt)
}

func (m *Manager) mirror(inst *contracts.Installation, s *types.Snapshot) {
	m.view.Update(s.InstallationID, func(b *stateview.BackendStatus) {
		b.Alias = inst.Alias
		b.SpaceID = inst.SpaceID
		b.State = s.State.String()
		b.RetryCount = s.RetryCount
		b.ServerName = s.ServerName
		b.ServerVersion = s.ServerVersion
		b.ToolCount, b.PromptCount, b.ResourceCount = s.Capabilities.Count()
		if s.LastError != "" && s.LastError != b.LastError {
			now := time.Now()
			b.LastErrorTime = &now
		}
		b.LastError = s.LastError
		if s.State == types.StateConnected {
			at := s.ConnectedAt
			b.ConnectedAt = &at
		} else {
			b.ConnectedAt = nil
		}
	})
}
