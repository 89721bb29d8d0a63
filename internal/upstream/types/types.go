package types

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// ConnectionState represents the state of a backend connection
type ConnectionState int

const (
	// StateDisabled indicates the installation is disabled or was disconnected
	StateDisabled ConnectionState = iota
	// StateConnecting indicates the transport is being spawned or dialed
	StateConnecting
	// StateHandshaking indicates initialize and capability listing are in progress
	StateHandshaking
	// StateConnected indicates the backend is ready for requests
	StateConnected
	// StateDegraded indicates the backend needs attention (e.g. an OAuth refresh failed)
	StateDegraded
	// StateReconnecting indicates a backoff wait before the next attempt
	StateReconnecting
	// StateFailed indicates the backend gave up until an explicit connect
	StateFailed
)

// String returns the string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateDegraded:
		return "Degraded"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisabled:     {StateConnecting},
	StateConnecting:   {StateHandshaking, StateReconnecting, StateFailed, StateDegraded, StateDisabled},
	StateHandshaking:  {StateConnected, StateReconnecting, StateFailed, StateDisabled},
	StateConnected:    {StateDegraded, StateReconnecting, StateDisabled, StateFailed, StateHandshaking},
	StateDegraded:     {StateConnecting, StateReconnecting, StateDisabled, StateFailed},
	StateReconnecting: {StateConnecting, StateDisabled, StateFailed},
	StateFailed:       {StateConnecting, StateDisabled},
}

// ValidateTransition validates if a state transition is allowed
func ValidateTransition(from, to ConnectionState) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("invalid source state: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

// Backoff returns base * 2^(attempt-1) capped at max. attempt starts at 1.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Capabilities is the feature listing of a connected backend.
type Capabilities struct {
	Tools     []mcp.Tool
	Prompts   []mcp.Prompt
	Resources []mcp.Resource
}

// Count returns the number of features per kind.
func (c *Capabilities) Count() (tools, prompts, resources int) {
	if c == nil {
		return 0, 0, 0
	}
	return len(c.Tools), len(c.Prompts), len(c.Resources)
}

// Snapshot is an immutable picture of one backend connection.
// Capabilities is nil whenever State is not StateConnected.
type Snapshot struct {
	InstallationID  string
	State           ConnectionState
	LastError       string
	RetryCount      int
	NextRetryAt     time.Time
	ServerName      string
	ServerVersion   string
	ProtocolVersion string
	ConnectedAt     time.Time
	Capabilities    *Capabilities
}

// StateManager holds the current snapshot of a connection. It has a single
// writer (the connection goroutine); any goroutine may read.
type StateManager struct {
	current atomic.Pointer[Snapshot]
}

// NewStateManager creates a manager in the Disabled state.
func NewStateManager(installationID string) *StateManager {
	sm := &StateManager{}
	sm.current.Store(&Snapshot{InstallationID: installationID, State: StateDisabled})
	return sm
}

// Current returns the latest published snapshot.
func (sm *StateManager) Current() *Snapshot {
	return sm.current.Load()
}

// TransitionTo validates and publishes a transition. mutate may adjust the
// copy before it is published. Capabilities are dropped when leaving Connected.
func (sm *StateManager) TransitionTo(to ConnectionState, mutate func(*Snapshot)) (old, next *Snapshot, err error) {
	old = sm.current.Load()
	if err := ValidateTransition(old.State, to); err != nil {
		return old, old, err
	}
	cp := *old
	cp.State = to
	if to != StateConnected {
		cp.Capabilities = nil
	}
	if to == StateConnected {
		cp.RetryCount = 0
		cp.LastError = ""
		cp.NextRetryAt = time.Time{}
	}
	if mutate != nil {
		mutate(&cp)
	}
	sm.current.Store(&cp)
	return old, &cp, nil
}

// Update publishes a modified copy without changing state, e.g. a refreshed
// capability list while Connected.
func (sm *StateManager) Update(mutate func(*Snapshot)) *Snapshot {
	cp := *sm.current.Load()
	mutate(&cp)
	if cp.State != StateConnected {
		cp.Capabilities = nil
	}
	sm.current.Store(&cp)
	return &cp
}
