package eventbus

import (
	"time"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// EventType represents a domain event category broadcast to subscribers.
type EventType string

const (
	// EventTypeConnectionStateChanged is emitted on every backend connection transition.
	EventTypeConnectionStateChanged EventType = "connection.state_changed"
	// EventTypeCapabilityChanged is emitted once per kind whenever a backend's list of that kind was re-read.
	EventTypeCapabilityChanged EventType = "capability.changed"
	// EventTypeServerFeaturesRefreshed is emitted after a full capability listing completes.
	EventTypeServerFeaturesRefreshed EventType = "server.features_refreshed"
	// EventTypeInstallationsChanged is emitted when installations are added, removed or reconfigured.
	EventTypeInstallationsChanged EventType = "installations.changed"
	// EventTypeSpacesChanged is emitted when spaces are created, renamed or deleted.
	EventTypeSpacesChanged EventType = "spaces.changed"
	// EventTypeActiveSpaceChanged is emitted when the process-wide active space switches.
	EventTypeActiveSpaceChanged EventType = "space.active_changed"
	// EventTypeFeatureSetsChanged is emitted when feature set membership or visibility changes.
	EventTypeFeatureSetsChanged EventType = "featuresets.changed"
	// EventTypeGrantsChanged is emitted when a client's grants or connection mode change.
	EventTypeGrantsChanged EventType = "grants.changed"
	// EventTypeClientRegistered is emitted when a downstream client registers.
	EventTypeClientRegistered EventType = "client.registered"
	// EventTypeClientApprovalRequested is emitted when an unapproved or undecided client needs user action.
	EventTypeClientApprovalRequested EventType = "client.approval_requested"
	// EventTypeGrantIssued is emitted when an authorization code is issued to a client.
	EventTypeGrantIssued EventType = "auth.grant_issued"
	// EventTypeOAuthTokenRefreshed is emitted when a backend token refresh succeeds.
	EventTypeOAuthTokenRefreshed EventType = "oauth.token_refreshed"
	// EventTypeOAuthRefreshFailed is emitted when a backend token refresh fails.
	EventTypeOAuthRefreshFailed EventType = "oauth.refresh_failed"
	// EventTypeOAuthAuthorizationRequired is emitted when a backend needs an interactive login.
	EventTypeOAuthAuthorizationRequired EventType = "oauth.authorization_required"
)

// Event is a typed notification published on the bus. The routing fields are
// set when relevant; Payload carries display details.
type Event struct {
	ID             string                `json:"id"`
	Type           EventType             `json:"type"`
	Timestamp      time.Time             `json:"timestamp"`
	InstallationID string                `json:"installation_id,omitempty"`
	SpaceID        string                `json:"space_id,omitempty"`
	ClientID       string                `json:"client_id,omitempty"`
	Kind           contracts.FeatureKind `json:"kind,omitempty"`
	Payload        map[string]any        `json:"payload,omitempty"`
}

// New builds an event of the given type; ID and Timestamp are assigned on publish.
func New(eventType EventType, payload map[string]any) Event {
	return Event{Type: eventType, Payload: payload}
}
