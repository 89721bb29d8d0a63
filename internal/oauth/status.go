package oauth

import (
	"time"
)

// AuthStatus represents the current authentication state of a backend installation.
type AuthStatus string

const (
	// AuthStatusNone indicates no token has been obtained.
	AuthStatusNone AuthStatus = "none"
	// AuthStatusPending indicates an interactive flow is waiting for its callback.
	AuthStatusPending AuthStatus = "pending"
	// AuthStatusAuthenticated indicates a valid token is available.
	AuthStatusAuthenticated AuthStatus = "authenticated"
	// AuthStatusExpired indicates the access token has expired.
	AuthStatusExpired AuthStatus = "expired"
	// AuthStatusError indicates refresh failed permanently and the user must log in again.
	AuthStatusError AuthStatus = "error"
)

// Status is the OAuth view of one installation for the control API.
type Status struct {
	InstallationID  string     `json:"installation_id"`
	Status          AuthStatus `json:"status"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Scope           string     `json:"scope,omitempty"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	RefreshState    string     `json:"refresh_state,omitempty"`
	RetryCount      int        `json:"retry_count,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	NextAttempt     *time.Time `json:"next_attempt,omitempty"`
	PendingURL      string     `json:"pending_url,omitempty"`
}

// CalculateStatus derives the status of an installation from its token,
// refresh schedule and pending flow. Any argument may be nil.
func CalculateStatus(tok *StoredToken, refresh *RefreshStateInfo, pending *Flow, now time.Time) AuthStatus {
	switch {
	case pending != nil:
		return AuthStatusPending
	case tok == nil:
		return AuthStatusNone
	case refresh != nil && refresh.State == RefreshStateFailed:
		return AuthStatusError
	case !tok.Token.Expiry.IsZero() && !now.Before(tok.Token.Expiry):
		return AuthStatusExpired
	default:
		return AuthStatusAuthenticated
	}
}
