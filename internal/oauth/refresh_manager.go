package oauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

// Default refresh configuration
const (
	// DefaultRefreshThreshold is the fraction of token lifetime at which proactive refresh triggers.
	DefaultRefreshThreshold = 0.8

	// MinRefreshInterval prevents too-frequent refresh attempts.
	MinRefreshInterval = 5 * time.Second

	// RetryBackoffBase is the base duration for exponential backoff on retry.
	RetryBackoffBase = 10 * time.Second

	// MaxRetryBackoff caps the retry backoff.
	MaxRetryBackoff = 5 * time.Minute
)

// RefreshState represents the current state of token refresh for status reporting.
type RefreshState int

const (
	// RefreshStateIdle means no refresh is pending or in progress.
	RefreshStateIdle RefreshState = iota
	// RefreshStateScheduled means a proactive refresh is scheduled.
	RefreshStateScheduled
	// RefreshStateRetrying means refresh failed and is retrying with exponential backoff.
	RefreshStateRetrying
	// RefreshStateFailed means refresh permanently failed (e.g., invalid_grant).
	RefreshStateFailed
)

// String returns the string representation of RefreshState.
func (s RefreshState) String() string {
	switch s {
	case RefreshStateIdle:
		return "idle"
	case RefreshStateScheduled:
		return "scheduled"
	case RefreshStateRetrying:
		return "retrying"
	case RefreshStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RefreshSchedule tracks the proactive refresh state for a single installation.
type RefreshSchedule struct {
	InstallationID   string
	ExpiresAt        time.Time
	ScheduledRefresh time.Time
	RetryCount       int
	LastError        string
	State            RefreshState
	timer            *time.Timer
}

// RefreshStateInfo is a copy of a schedule for status reporting.
type RefreshStateInfo struct {
	State       RefreshState
	RetryCount  int
	LastError   string
	NextAttempt *time.Time
	ExpiresAt   time.Time
}

// RefreshDelay returns how long to wait before proactively refreshing a
// token issued at issued and expiring at expires: the moment the elapsed
// share of its lifetime reaches threshold. ok is false when the token has
// no expiry or proactive refresh is no longer possible before expiry.
func RefreshDelay(now, issued, expires time.Time, threshold float64) (time.Duration, bool) {
	if expires.IsZero() {
		return 0, false
	}
	if !now.Before(expires) {
		return 0, true
	}
	if issued.IsZero() || issued.After(now) {
		issued = now
	}
	lifetime := expires.Sub(issued)
	refreshAt := issued.Add(time.Duration(float64(lifetime) * threshold))
	if latest := expires.Add(-MinRefreshInterval); refreshAt.After(latest) {
		refreshAt = latest
	}
	delay := refreshAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// RefreshManager schedules proactive refreshes and retries failed ones with
// backoff. The refresh itself goes through the Manager so proactive and
// reactive refreshes share one in-flight call per installation.
type RefreshManager struct {
	refresh   func(ctx context.Context, installationID string) (*oauth2.Token, error)
	busy      func(installationID string) bool
	conns     ConnectionControl
	schedules map[string]*RefreshSchedule
	threshold float64
	now       func() time.Time
	mu        sync.Mutex
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

func newRefreshManager(threshold float64, logger *zap.Logger) *RefreshManager {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultRefreshThreshold
	}
	return &RefreshManager{
		schedules: make(map[string]*RefreshSchedule),
		threshold: threshold,
		now:       time.Now,
		logger:    logger.Named("refresh-manager"),
	}
}

// Start arms a schedule for every stored token. Expired tokens with a
// refresh token are refreshed immediately.
func (m *RefreshManager) Start(ctx context.Context, tokens map[string]*StoredToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	for id, st := range tokens {
		m.scheduleLocked(id, st)
	}
	m.logger.Info("Starting RefreshManager", zap.Int("tokens", len(tokens)))
}

// Stop cancels all scheduled refreshes.
func (m *RefreshManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.cancel()
	for id, s := range m.schedules {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(m.schedules, id)
	}
	m.started = false
}

// OnTokenSaved reschedules the proactive refresh for a new token.
func (m *RefreshManager) OnTokenSaved(installationID string, st *StoredToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.scheduleLocked(installationID, st)
}

// OnTokenCleared cancels any scheduled refresh for the installation.
func (m *RefreshManager) OnTokenCleared(installationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[installationID]; ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(m.schedules, installationID)
	}
}

// OnRefreshFailed records a failed refresh. Permanent failures stop the
// schedule; anything else is retried with exponential backoff.
func (m *RefreshManager) OnRefreshFailed(installationID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	s, ok := m.schedules[installationID]
	if !ok {
		s = &RefreshSchedule{InstallationID: installationID}
		m.schedules[installationID] = s
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.RetryCount++
	s.LastError = err.Error()

	if isPermanentRefreshError(err) {
		s.State = RefreshStateFailed
		s.ScheduledRefresh = time.Time{}
		m.logger.Error("OAuth refresh token rejected, re-authentication required",
			zap.String("installation", installationID), zap.Error(err))
		return
	}

	delay := types.Backoff(RetryBackoffBase, MaxRetryBackoff, s.RetryCount)
	s.State = RefreshStateRetrying
	s.ScheduledRefresh = m.now().Add(delay)
	s.timer = time.AfterFunc(delay, func() { m.execute(installationID) })
	m.logger.Info("OAuth token refresh retry scheduled",
		zap.String("installation", installationID),
		zap.Duration("delay", delay),
		zap.Int("retry_count", s.RetryCount))
}

// GetRefreshState returns the refresh state for an installation, or nil.
func (m *RefreshManager) GetRefreshState(installationID string) *RefreshStateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.schedules[installationID]
	if s == nil {
		return nil
	}
	info := &RefreshStateInfo{
		State:      s.State,
		RetryCount: s.RetryCount,
		LastError:  s.LastError,
		ExpiresAt:  s.ExpiresAt,
	}
	if !s.ScheduledRefresh.IsZero() {
		next := s.ScheduledRefresh
		info.NextAttempt = &next
	}
	return info
}

func (m *RefreshManager) scheduleLocked(installationID string, st *StoredToken) {
	if old, ok := m.schedules[installationID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	now := m.now()
	s := &RefreshSchedule{InstallationID: installationID, ExpiresAt: st.Token.Expiry}
	m.schedules[installationID] = s

	delay, ok := RefreshDelay(now, st.IssuedAt, st.Token.Expiry, m.threshold)
	switch {
	case !ok:
		s.State = RefreshStateIdle
		return
	case st.Token.RefreshToken == "":
		if !now.Before(st.Token.Expiry) {
			s.State = RefreshStateFailed
			s.LastError = ErrNoRefreshToken.Error()
		} else {
			s.State = RefreshStateIdle
		}
		return
	}

	s.State = RefreshStateScheduled
	s.ScheduledRefresh = now.Add(delay)
	s.timer = time.AfterFunc(delay, func() { m.execute(installationID) })
	m.logger.Debug("OAuth token refresh scheduled",
		zap.String("installation", installationID),
		zap.Time("expires_at", st.Token.Expiry),
		zap.Duration("delay", delay))
}

// execute runs a scheduled refresh. Success reconnects the backend so the
// new token is used; failure degrades it (the failure path reschedules).
func (m *RefreshManager) execute(installationID string) {
	m.mu.Lock()
	if !m.started || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if _, ok := m.schedules[installationID]; !ok {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	if m.busy != nil && m.busy(installationID) {
		m.logger.Info("Skipping proactive refresh, OAuth flow in progress",
			zap.String("installation", installationID))
		m.OnRefreshFailed(installationID, ErrFlowInProgress)
		return
	}

	if _, err := m.refresh(ctx, installationID); err != nil {
		if ctx.Err() != nil {
			return
		}
		if m.conns != nil {
			m.conns.Degrade(installationID, err)
		}
		return
	}
	if m.conns != nil {
		if err := m.conns.Reconnect(installationID); err != nil {
			m.logger.Debug("No connection to restart after refresh",
				zap.String("installation", installationID), zap.Error(err))
		}
	}
}

// classifyRefreshError categorizes a refresh error for logging.
func classifyRefreshError(err error) string {
	switch {
	case err == nil:
		return "success"
	case isPermanentRefreshError(err):
		return "failed_invalid_grant"
	case errors.Is(err, context.DeadlineExceeded):
		return "failed_network"
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection refused", "connection reset", "no such host", "dial tcp", "eof"} {
		if strings.Contains(msg, pattern) {
			return "failed_network"
		}
	}
	return "failed_other"
}

// isPermanentRefreshError reports failures that retrying cannot fix: the
// refresh token was rejected or never existed.
func isPermanentRefreshError(err error) bool {
	if errors.Is(err, ErrNoRefreshToken) || errors.Is(err, ErrAuthorizationRequired) {
		return true
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client"
	}
	return strings.Contains(strings.ToLower(err.Error()), "invalid_grant")
}
