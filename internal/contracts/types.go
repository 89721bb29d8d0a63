// Package contracts defines the gateway's domain records and the typed data
// transfer objects exchanged over the control API.
package contracts

import (
	"time"
)

// FeatureKind is one of the three MCP capability families.
type FeatureKind string

const (
	FeatureTool     FeatureKind = "tool"
	FeaturePrompt   FeatureKind = "prompt"
	FeatureResource FeatureKind = "resource"
)

// FeatureKinds lists every kind in notification order.
var FeatureKinds = []FeatureKind{FeatureTool, FeaturePrompt, FeatureResource}

// Valid reports whether k is a known kind.
func (k FeatureKind) Valid() bool {
	switch k {
	case FeatureTool, FeaturePrompt, FeatureResource:
		return true
	}
	return false
}

// ListChangedMethod returns the MCP notification method for this kind.
func (k FeatureKind) ListChangedMethod() string {
	switch k {
	case FeaturePrompt:
		return "notifications/prompts/list_changed"
	case FeatureResource:
		return "notifications/resources/list_changed"
	default:
		return "notifications/tools/list_changed"
	}
}

// TransportKind selects how a backend is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "streamable-http"
)

// StdioTransport describes a spawned child process speaking MCP on stdin/stdout.
type StdioTransport struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
}

// HTTPTransport describes a remote streamable HTTP backend.
type HTTPTransport struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	OAuth   *OAuthSettings    `json:"oauth,omitempty"`
}

// OAuthSettings are the optional static OAuth client settings of a backend.
// An empty ClientID triggers dynamic client registration.
type OAuthSettings struct {
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// TransportConfig is the tagged union of the two transport variants.
type TransportConfig struct {
	Kind  TransportKind   `json:"kind"`
	Stdio *StdioTransport `json:"stdio,omitempty"`
	HTTP  *HTTPTransport  `json:"http,omitempty"`
}

// InputDecl declares a value a server definition needs from the user.
type InputDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Secret      bool   `json:"secret"`
}

// Space is a named grouping of installations and feature sets.
type Space struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Installation is a configured instance of a backend server within a Space.
type Installation struct {
	ID           string            `json:"id"`
	Alias        string            `json:"alias"`
	ServerDefRef string            `json:"server_def_ref,omitempty"`
	SpaceID      string            `json:"space_id"`
	Enabled      bool              `json:"enabled"`
	Transport    TransportConfig   `json:"transport"`
	Inputs       []InputDecl       `json:"inputs,omitempty"`
	InputValues  map[string][]byte `json:"input_values,omitempty"` // encrypted blobs
	Status       string            `json:"connection_status"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RequiresOAuth reports whether the installation authenticates through the backend OAuth flow.
func (i *Installation) RequiresOAuth() bool {
	return i.Transport.Kind == TransportHTTP && i.Transport.HTTP != nil && i.Transport.HTTP.OAuth != nil
}

// FeatureSetKind distinguishes builtin, per-server and user-defined sets.
type FeatureSetKind string

const (
	FeatureSetBuiltin   FeatureSetKind = "builtin"
	FeatureSetServerAll FeatureSetKind = "server-all"
	FeatureSetCustom    FeatureSetKind = "custom"
)

// Names of the two builtin feature sets present in every Space.
const (
	BuiltinAllFeatures = "All Features"
	BuiltinDefault     = "Default"
)

// FeatureRef addresses one feature by its stable internal key.
type FeatureRef struct {
	ServerID string      `json:"server_id"`
	Kind     FeatureKind `json:"kind"`
	Name     string      `json:"name"`
}

// FeatureSet is a named selection of features within a Space.
type FeatureSet struct {
	ID        string         `json:"id"`
	SpaceID   string         `json:"space_id"`
	Name      string         `json:"name"`
	Kind      FeatureSetKind `json:"kind"`
	ServerID  string         `json:"server_id,omitempty"`
	Hidden    bool           `json:"hidden"`
	Members   []FeatureRef   `json:"members,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IsAllFeatures reports whether fs is the builtin set covering the whole Space.
func (fs *FeatureSet) IsAllFeatures() bool {
	return fs.Kind == FeatureSetBuiltin && fs.Name == BuiltinAllFeatures
}

// IsDefault reports whether fs is the implicitly granted builtin set.
func (fs *FeatureSet) IsDefault() bool {
	return fs.Kind == FeatureSetBuiltin && fs.Name == BuiltinDefault
}

// ConnectionMode decides which Space a client's sessions resolve to.
type ConnectionMode string

const (
	ModeFollowActive  ConnectionMode = "follow-active"
	ModeLockedToSpace ConnectionMode = "locked-to-space"
	ModeAsk           ConnectionMode = "ask"
)

// Valid reports whether m is a known connection mode.
func (m ConnectionMode) Valid() bool {
	switch m {
	case ModeFollowActive, ModeLockedToSpace, ModeAsk:
		return true
	}
	return false
}

// Client is a downstream AI application identity.
type Client struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Approved      bool                `json:"approved"`
	Mode          ConnectionMode      `json:"connection_mode"`
	LockedSpaceID string              `json:"locked_space_id,omitempty"`
	ChosenSpaceID string              `json:"chosen_space_id,omitempty"`
	Grants        map[string][]string `json:"grants,omitempty"` // space id -> feature set ids
	RegisteredAt  time.Time           `json:"registered_at"`
	LastSeen      time.Time           `json:"last_seen,omitempty"`
}

// AdvertisedFeature records that an installation has advertised a feature at least once.
type AdvertisedFeature struct {
	InstallationID string      `json:"installation_id"`
	Kind           FeatureKind `json:"kind"`
	Name           string      `json:"name"`
	FirstSeen      time.Time   `json:"first_seen"`
}

// Ref returns the feature reference for the advertised record.
func (a AdvertisedFeature) Ref() FeatureRef {
	return FeatureRef{ServerID: a.InstallationID, Kind: a.Kind, Name: a.Name}
}
