package upstream

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/core"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

// sessionCloseWait bounds how long teardown waits for a transport to close.
const sessionCloseWait = 5 * time.Second

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdReconnect
	cmdDegrade
	cmdLost
	cmdUnauthorized
	cmdRefresh
)

type command struct {
	kind commandKind
	inst *contracts.Installation
	err  error
	gen  uint64
	// feature kind for cmdRefresh
	feature contracts.FeatureKind
	done    chan struct{}
}

// activeSession is a handshaken backend session. ctx is cancelled on
// teardown, which aborts every request still in flight on it.
type activeSession struct {
	session core.Session
	ctx     context.Context
	cancel  context.CancelFunc
	gen     uint64
}

// connection owns one backend. All state changes happen on the run
// goroutine; other goroutines post commands and read snapshots.
type connection struct {
	id     string
	m      *Manager
	logger *zap.Logger
	state  *types.StateManager

	inst    atomic.Pointer[contracts.Installation]
	current atomic.Pointer[activeSession]

	mu    sync.Mutex
	queue []command
	wake  chan struct{}

	// attemptsQueued counts connect and reconnect commands posted but not
	// yet handled.
	attemptsQueued atomic.Int32

	attemptMu     sync.Mutex
	aborting      bool
	attemptCancel context.CancelFunc

	watchMu sync.Mutex
	changed chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// run goroutine only
	gen   uint64
	retry *time.Timer
}

func newConnection(m *Manager, inst *contracts.Installation) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id: inst.ID,
		m:  m,
		logger: m.logger.With(
			zap.String("installation", inst.ID),
			zap.String("server", inst.Alias)),
		state:   types.NewStateManager(inst.ID),
		wake:    make(chan struct{}, 1),
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.inst.Store(inst)
	return c
}

// post appends to the mailbox. It never blocks.
func (c *connection) post(cmd command) {
	if cmd.startsAttempt() {
		c.attemptsQueued.Add(1)
	}
	c.mu.Lock()
	c.queue = append(c.queue, cmd)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *connection) takeQueue() []command {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

func (c *connection) run() {
	defer close(c.done)

	health := time.NewTicker(c.m.opts.HealthInterval)
	defer health.Stop()

	for {
		var retryC <-chan time.Time
		if c.retry != nil {
			retryC = c.retry.C
		}

		select {
		case <-c.ctx.Done():
			c.stopRetry()
			c.teardown()
			if c.state.Current().State != types.StateDisabled {
				c.transition(types.StateDisabled, nil)
			}
			c.drainWaiters()
			return

		case <-c.wake:
			c.handleQueue(c.takeQueue())

		case <-retryC:
			c.retry = nil
			c.attempt(false)

		case <-health.C:
			c.checkHealth()
		}
	}
}

func (c *connection) handleQueue(cmds []command) {
	refresh := make(map[contracts.FeatureKind]bool)
	for _, cmd := range cmds {
		switch cmd.kind {
		case cmdConnect:
			c.handleConnect(cmd.inst)
			c.attemptHandled()
		case cmdDisconnect:
			c.handleDisconnect()
			close(cmd.done)
		case cmdReconnect:
			c.handleReconnect()
			c.attemptHandled()
		case cmdDegrade:
			c.handleDegrade(cmd.err)
		case cmdLost:
			if a := c.current.Load(); a != nil && a.gen == cmd.gen {
				c.logger.Warn("Backend connection lost", zap.Error(cmd.err))
				c.teardown()
				c.scheduleRetry(gwerr.Connection("upstream.session", cmd.err))
			}
		case cmdUnauthorized:
			if a := c.current.Load(); a != nil && a.gen == cmd.gen {
				c.handleUnauthorized()
			}
		case cmdRefresh:
			refresh[cmd.feature] = true
		}
	}
	if len(refresh) > 0 {
		c.refreshFeatures(refresh)
	}
}

func (cmd command) startsAttempt() bool {
	return cmd.kind == cmdConnect || cmd.kind == cmdReconnect
}

// attemptHandled wakes waiters once a queued attempt command has run.
func (c *connection) attemptHandled() {
	c.attemptsQueued.Add(-1)
	c.notifyWatchers()
}

// settled reports whether no attempt is queued or running.
func (c *connection) settled(s *types.Snapshot) bool {
	if c.attemptsQueued.Load() > 0 {
		return false
	}
	switch s.State {
	case types.StateConnecting, types.StateHandshaking:
		return false
	}
	return true
}

// drainWaiters releases Disconnect callers queued behind shutdown.
func (c *connection) drainWaiters() {
	for _, cmd := range c.takeQueue() {
		if cmd.done != nil {
			close(cmd.done)
		}
	}
}

func (c *connection) handleConnect(inst *contracts.Installation) {
	prev := c.inst.Load()
	c.inst.Store(inst)

	switch c.state.Current().State {
	case types.StateConnected:
		if sameConnectionConfig(prev, inst) {
			return
		}
		c.logger.Info("Backend configuration changed, reconnecting")
		c.restart()
	case types.StateReconnecting:
		c.stopRetry()
		c.attempt(false)
	default:
		c.attempt(true)
	}
}

func (c *connection) handleDisconnect() {
	c.stopRetry()
	c.teardown()
	if c.state.Current().State != types.StateDisabled {
		c.transition(types.StateDisabled, func(s *types.Snapshot) {
			s.RetryCount = 0
			s.NextRetryAt = time.Time{}
		})
	}
	c.attemptMu.Lock()
	c.aborting = false
	c.attemptMu.Unlock()
}

func (c *connection) handleReconnect() {
	switch c.state.Current().State {
	case types.StateDisabled:
		c.logger.Debug("Ignoring reconnect for disabled backend")
	case types.StateConnected:
		c.restart()
	default:
		c.stopRetry()
		c.attempt(true)
	}
}

func (c *connection) handleDegrade(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	switch c.state.Current().State {
	case types.StateConnected:
		c.teardown()
		c.transition(types.StateDegraded, func(s *types.Snapshot) { s.LastError = msg })
	case types.StateDisabled:
	default:
		c.mirror(c.state.Update(func(s *types.Snapshot) { s.LastError = msg }))
		c.notifyWatchers()
	}
}

// handleUnauthorized runs the reactive refresh after a backend 401. The
// token is sent as a static header, so a new token needs a new session.
func (c *connection) handleUnauthorized() {
	if c.m.auth == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.m.opts.RequestTimeout)
	defer cancel()
	if _, err := c.m.auth.ForceRefresh(ctx, c.id); err != nil {
		c.logger.Warn("Reactive token refresh failed", zap.Error(err))
		c.teardown()
		c.transition(types.StateDegraded, func(s *types.Snapshot) { s.LastError = err.Error() })
		return
	}
	c.restart()
}

// restart tears down a connected session and immediately reconnects.
func (c *connection) restart() {
	c.teardown()
	if c.state.Current().State == types.StateConnected {
		c.transition(types.StateReconnecting, func(s *types.Snapshot) { s.NextRetryAt = time.Now() })
	}
	c.attempt(false)
}

func (c *connection) beginAttempt() (context.Context, bool) {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()
	if c.aborting {
		return nil, false
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.attemptCancel = cancel
	return ctx, true
}

func (c *connection) endAttempt() {
	c.attemptMu.Lock()
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.attemptMu.Unlock()
}

func (c *connection) isAborting() bool {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()
	return c.aborting
}

// abort cancels an in-progress attempt and every in-flight request. It is
// called from the Disconnect caller, not the run goroutine.
func (c *connection) abort() {
	c.attemptMu.Lock()
	c.aborting = true
	if c.attemptCancel != nil {
		c.attemptCancel()
	}
	c.attemptMu.Unlock()
	if a := c.current.Load(); a != nil {
		a.cancel()
	}
}

// attempt runs Connecting → Handshaking → Connected. reset clears the retry
// counter (explicit connect from Failed, Degraded or Disabled).
func (c *connection) attempt(reset bool) {
	ctx, ok := c.beginAttempt()
	if !ok {
		return
	}
	defer c.endAttempt()

	inst := c.inst.Load()
	if err := types.ValidateTransition(c.state.Current().State, types.StateConnecting); err != nil {
		c.logger.Debug("Skipping connect attempt", zap.Error(err))
		return
	}
	c.transition(types.StateConnecting, func(s *types.Snapshot) {
		if reset {
			s.RetryCount = 0
		}
		s.NextRetryAt = time.Time{}
	})

	spec, err := c.m.resolver.Resolve(ctx, inst)
	if err != nil {
		c.fail(err)
		return
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, c.m.opts.HandshakeTimeout)
	defer hsCancel()

	sess, err := c.m.dialer.Dial(hsCtx, spec)
	if err != nil {
		c.fail(err)
		return
	}

	c.gen++
	gen := c.gen
	sess.OnNotification(func(method string) { c.onNotification(gen, method) })
	sess.OnConnectionLost(func(err error) { c.post(command{kind: cmdLost, gen: gen, err: err}) })

	c.transition(types.StateHandshaking, nil)

	init, err := sess.Initialize(hsCtx)
	if err != nil {
		closeSession(sess, c.logger)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = gwerr.Connection("upstream.handshake", errors.New("handshake timed out"))
		}
		c.fail(err)
		return
	}

	caps, err := c.listAll(ctx, sess, init)
	if err != nil {
		closeSession(sess, c.logger)
		c.fail(err)
		return
	}

	if ctx.Err() != nil {
		closeSession(sess, c.logger)
		return
	}

	sctx, scancel := context.WithCancel(c.ctx)
	c.current.Store(&activeSession{session: sess, ctx: sctx, cancel: scancel, gen: gen})

	c.transition(types.StateConnected, func(s *types.Snapshot) {
		s.Capabilities = caps
		s.ServerName = init.ServerName
		s.ServerVersion = init.ServerVersion
		s.ProtocolVersion = init.ProtocolVersion
		s.ConnectedAt = time.Now()
	})
	c.logger.Info("Backend connected",
		zap.String("server_name", init.ServerName),
		zap.Int("tools", len(caps.Tools)),
		zap.Int("prompts", len(caps.Prompts)),
		zap.Int("resources", len(caps.Resources)))
	c.m.publishFeaturesRefreshed(inst, caps)
}

func (c *connection) listAll(ctx context.Context, sess core.Session, init *core.InitializeResult) (*types.Capabilities, error) {
	caps := &types.Capabilities{}
	for _, kind := range contracts.FeatureKinds {
		if !advertises(init, kind) {
			continue
		}
		if err := c.listKind(ctx, sess, kind, caps); err != nil {
			return nil, err
		}
	}
	return caps, nil
}

func (c *connection) listKind(ctx context.Context, sess core.Session, kind contracts.FeatureKind, caps *types.Capabilities) error {
	ctx, cancel := context.WithTimeout(ctx, c.m.opts.RequestTimeout)
	defer cancel()

	var err error
	switch kind {
	case contracts.FeatureTool:
		caps.Tools, err = sess.ListTools(ctx)
	case contracts.FeaturePrompt:
		caps.Prompts, err = sess.ListPrompts(ctx)
	case contracts.FeatureResource:
		caps.Resources, err = sess.ListResources(ctx)
	}
	return err
}

func advertises(init *core.InitializeResult, kind contracts.FeatureKind) bool {
	switch kind {
	case contracts.FeatureTool:
		return init.HasTools
	case contracts.FeaturePrompt:
		return init.HasPrompts
	case contracts.FeatureResource:
		return init.HasResources
	}
	return false
}

func (c *connection) onNotification(gen uint64, method string) {
	for _, kind := range contracts.FeatureKinds {
		if method == kind.ListChangedMethod() {
			c.post(command{kind: cmdRefresh, gen: gen, feature: kind})
			return
		}
	}
}

// refreshFeatures re-lists each changed kind once and emits one
// CapabilityChanged per kind, however many notifications were coalesced.
func (c *connection) refreshFeatures(kinds map[contracts.FeatureKind]bool) {
	a := c.current.Load()
	if a == nil || c.state.Current().State != types.StateConnected {
		return
	}

	snap := c.state.Current()
	next := &types.Capabilities{}
	if snap.Capabilities != nil {
		*next = *snap.Capabilities
	}

	var changed []contracts.FeatureKind
	for _, kind := range contracts.FeatureKinds {
		if !kinds[kind] {
			continue
		}
		if err := c.listKind(a.ctx, a.session, kind, next); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			c.logger.Warn("Failed to re-list features after list_changed",
				zap.String("kind", string(kind)), zap.Error(err))
			c.teardown()
			c.scheduleRetry(gwerr.Connection("upstream.refresh", err))
			return
		}
		changed = append(changed, kind)
	}

	updated := c.state.Update(func(s *types.Snapshot) { s.Capabilities = next })
	c.mirror(updated)
	c.notifyWatchers()
	inst := c.inst.Load()
	for _, kind := range changed {
		c.m.publishCapabilityChanged(inst, kind)
	}
	c.m.publishFeaturesRefreshed(inst, next)
}

func (c *connection) checkHealth() {
	a := c.current.Load()
	if a == nil || c.state.Current().State != types.StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, c.m.opts.RequestTimeout)
	defer cancel()
	if err := a.session.Ping(ctx); err != nil {
		if a.ctx.Err() != nil {
			return
		}
		if core.IsUnauthorized(err) {
			c.handleUnauthorized()
			return
		}
		c.logger.Warn("Backend health check failed", zap.Error(err))
		c.teardown()
		c.scheduleRetry(gwerr.Connection("upstream.ping", err))
	}
}

// fail classifies an attempt error and moves to the matching state.
func (c *connection) fail(err error) {
	if c.isAborting() || c.ctx.Err() != nil {
		return
	}

	switch {
	case core.IsConfigError(err) || gwerr.KindOf(err) == gwerr.KindConfiguration:
		c.logger.Error("Backend configuration error", zap.Error(err))
		c.transition(types.StateFailed, func(s *types.Snapshot) { s.LastError = err.Error() })

	case gwerr.KindOf(err) == gwerr.KindStorage:
		c.logger.Error("Backend secrets unavailable", zap.Error(err))
		c.transition(types.StateDegraded, func(s *types.Snapshot) { s.LastError = err.Error() })

	case gwerr.KindOf(err) == gwerr.KindAuth:
		c.logger.Warn("Backend requires authorization", zap.Error(err))
		c.transition(types.StateFailed, func(s *types.Snapshot) { s.LastError = err.Error() })

	case core.IsUnauthorized(err):
		c.failUnauthorized(err)

	default:
		c.scheduleRetry(err)
	}
}

// failUnauthorized handles a 401 during connect: one forced refresh, then
// an immediate retry; otherwise the backend needs an interactive login.
func (c *connection) failUnauthorized(err error) {
	var ue *core.UnauthorizedError
	if errors.As(err, &ue) && ue.ResourceMetadata != "" {
		if rec, ok := c.m.auth.(ChallengeRecorder); ok {
			rec.RecordChallenge(c.id, ue.ResourceMetadata)
		}
	}
	if c.m.auth != nil && c.state.Current().RetryCount == 0 {
		ctx, cancel := context.WithTimeout(c.ctx, c.m.opts.RequestTimeout)
		_, rerr := c.m.auth.ForceRefresh(ctx, c.id)
		cancel()
		if rerr == nil {
			c.transition(types.StateReconnecting, func(s *types.Snapshot) {
				s.RetryCount = 1
				s.NextRetryAt = time.Now()
			})
			c.retry = time.NewTimer(0)
			return
		}
		err = rerr
	}
	authErr := gwerr.Auth("upstream.connect", "authorization required: %v", err)
	c.logger.Warn("Backend rejected credentials", zap.Error(err))
	c.transition(types.StateFailed, func(s *types.Snapshot) { s.LastError = authErr.Error() })
}

// scheduleRetry enters Reconnecting with exponential backoff, or Failed once
// the attempt budget is spent.
func (c *connection) scheduleRetry(err error) {
	n := c.state.Current().RetryCount + 1
	msg := err.Error()

	if n > c.m.opts.MaxReconnectAttempts {
		c.logger.Error("Backend connection failed, giving up",
			zap.Int("attempts", n-1), zap.Error(err))
		c.transition(types.StateFailed, func(s *types.Snapshot) {
			s.RetryCount = n - 1
			s.LastError = msg
		})
		return
	}

	delay := types.Backoff(c.m.opts.ReconnectBase, c.m.opts.ReconnectMax, n)
	c.logger.Warn("Backend connection error, will retry",
		zap.Int("attempt", n),
		zap.Duration("retry_in", delay),
		zap.Error(err))
	c.transition(types.StateReconnecting, func(s *types.Snapshot) {
		s.RetryCount = n
		s.LastError = msg
		s.NextRetryAt = time.Now().Add(delay)
	})
	c.retry = time.NewTimer(delay)
}

func (c *connection) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// teardown drops the current session. Capabilities are cleared by the
// caller's transition out of Connected.
func (c *connection) teardown() {
	a := c.current.Swap(nil)
	if a == nil {
		return
	}
	a.cancel()
	closeSession(a.session, c.logger)
}

func closeSession(s core.Session, logger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Close(); err != nil {
			logger.Debug("Error closing backend session", zap.Error(err))
		}
	}()
	select {
	case <-done:
	case <-time.After(sessionCloseWait):
		logger.Warn("Backend session did not close in time")
	}
}

// transition validates, publishes the event and mirrors the new snapshot.
func (c *connection) transition(to types.ConnectionState, mutate func(*types.Snapshot)) {
	old, next, err := c.state.TransitionTo(to, mutate)
	if err != nil {
		c.logger.Error("Invalid connection state transition", zap.Error(err))
		return
	}
	c.logger.Debug("Connection state transition",
		zap.String("from", old.State.String()),
		zap.String("to", next.State.String()))
	c.m.publishStateChanged(c.inst.Load(), old, next)
	c.mirror(next)
	c.notifyWatchers()
}

func (c *connection) mirror(s *types.Snapshot) {
	if c.m.view != nil {
		c.m.mirror(c.inst.Load(), s)
	}
}

func (c *connection) notifyWatchers() {
	c.watchMu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.watchMu.Unlock()
}

// waitFor blocks until pred holds for the current snapshot.
func (c *connection) waitFor(ctx context.Context, pred func(*types.Snapshot) bool) (*types.Snapshot, error) {
	for {
		c.watchMu.Lock()
		ch := c.changed
		c.watchMu.Unlock()

		if s := c.state.Current(); pred(s) {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return c.state.Current(), ctx.Err()
		case <-c.done:
			return c.state.Current(), errors.New("connection closed")
		}
	}
}

func sameConnectionConfig(a, b *contracts.Installation) bool {
	if a == nil || b == nil {
		return false
	}
	return reflect.DeepEqual(a.Transport, b.Transport) &&
		reflect.DeepEqual(a.Inputs, b.Inputs) &&
		reflect.DeepEqual(a.InputValues, b.InputValues)
}
