package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultFlowTTL is how long a pending interactive flow waits for its callback.
const DefaultFlowTTL = 10 * time.Minute

// FlowState represents the current state of an interactive authorization flow.
type FlowState int

const (
	// FlowPending indicates the authorization URL was handed out and the callback has not arrived.
	FlowPending FlowState = iota
	// FlowTokenExchange indicates the authorization code is being exchanged for tokens.
	FlowTokenExchange
	// FlowCompleted indicates the flow completed successfully.
	FlowCompleted
	// FlowFailed indicates the flow failed or was abandoned.
	FlowFailed
)

// String returns a human-readable representation of the flow state.
func (s FlowState) String() string {
	switch s {
	case FlowPending:
		return "pending"
	case FlowTokenExchange:
		return "token_exchange"
	case FlowCompleted:
		return "completed"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Flow is one interactive PKCE authorization for an installation.
type Flow struct {
	// CorrelationID links all log entries of this flow.
	CorrelationID  string
	InstallationID string
	Alias          string
	State          string // OAuth state parameter
	AuthURL        string
	Resource       string
	StartedAt      time.Time
	ExpiresAt      time.Time
	Status         FlowState

	verifier string
	config   *oauth2.Config
}

// Duration returns the time elapsed since the flow started.
func (f *Flow) Duration() time.Duration {
	return time.Since(f.StartedAt)
}

// flowCoordinator ensures a single pending flow per installation and maps
// callback states back to flows. Expired flows are swept lazily.
type flowCoordinator struct {
	mu             sync.Mutex
	byState        map[string]*Flow
	byInstallation map[string]*Flow
	ttl            time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

func newFlowCoordinator(ttl time.Duration, logger *zap.Logger) *flowCoordinator {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	return &flowCoordinator{
		byState:        make(map[string]*Flow),
		byInstallation: make(map[string]*Flow),
		ttl:            ttl,
		now:            time.Now,
		logger:         logger.Named("flows"),
	}
}

// newFlow allocates identifiers for a flow; start registers it.
func (c *flowCoordinator) newFlow(installationID, alias string) *Flow {
	now := c.now()
	return &Flow{
		CorrelationID:  uuid.NewString(),
		InstallationID: installationID,
		Alias:          alias,
		State:          randomState(),
		StartedAt:      now,
		ExpiresAt:      now.Add(c.ttl),
		verifier:       oauth2.GenerateVerifier(),
	}
}

// start registers f. If an unexpired flow already exists for the
// installation it is returned together with ErrFlowInProgress.
func (c *flowCoordinator) start(f *Flow) (*Flow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byInstallation[f.InstallationID]; ok {
		if c.now().Before(existing.ExpiresAt) {
			return existing, ErrFlowInProgress
		}
		c.logger.Warn("Clearing stale OAuth flow",
			zap.String("installation", existing.InstallationID),
			zap.String("correlation_id", existing.CorrelationID))
		c.removeLocked(existing)
	}
	c.byState[f.State] = f
	c.byInstallation[f.InstallationID] = f
	return f, nil
}

// take removes and returns the flow for a callback state. Each state is
// redeemable once.
func (c *flowCoordinator) take(state string) (*Flow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.byState[state]
	if !ok {
		return nil, ErrFlowNotFound
	}
	c.removeLocked(f)
	if !c.now().Before(f.ExpiresAt) {
		f.Status = FlowFailed
		return nil, ErrFlowNotFound
	}
	f.Status = FlowTokenExchange
	return f, nil
}

// active returns the pending flow of an installation, if any.
func (c *flowCoordinator) active(installationID string) *Flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.byInstallation[installationID]
	if !ok || !c.now().Before(f.ExpiresAt) {
		return nil
	}
	return f
}

// cancel drops the pending flow of an installation.
func (c *flowCoordinator) cancel(installationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.byInstallation[installationID]; ok {
		f.Status = FlowFailed
		c.removeLocked(f)
	}
}

// sweep removes expired flows and returns how many were dropped.
func (c *flowCoordinator) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cleaned := 0
	for _, f := range c.byState {
		if !now.Before(f.ExpiresAt) {
			f.Status = FlowFailed
			c.removeLocked(f)
			cleaned++
		}
	}
	return cleaned
}

func (c *flowCoordinator) removeLocked(f *Flow) {
	delete(c.byState, f.State)
	if cur, ok := c.byInstallation[f.InstallationID]; ok && cur == f {
		delete(c.byInstallation, f.InstallationID)
	}
}

func randomState() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
