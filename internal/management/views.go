package management

import (
	"time"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/oauth"
)

const redacted = "********"

// InstallRequest describes a new installation. Values are plaintext input
// values; they are encrypted before they are stored.
type InstallRequest struct {
	SpaceID      string                    `json:"space_id"`
	Alias        string                    `json:"alias"`
	ServerDefRef string                    `json:"server_def_ref,omitempty"`
	Transport    contracts.TransportConfig `json:"transport"`
	Inputs       []contracts.InputDecl     `json:"inputs,omitempty"`
	Values       map[string]string         `json:"values,omitempty"`
	Enabled      bool                      `json:"enabled"`
}

// InputStatus reports whether a declared input has a value.
type InputStatus struct {
	contracts.InputDecl
	Set bool `json:"set"`
}

// InstallationView is an installation as shown to the control API. Input
// values and OAuth client secrets never leave the process.
type InstallationView struct {
	ID           string                    `json:"id"`
	Alias        string                    `json:"alias"`
	ServerDefRef string                    `json:"server_def_ref,omitempty"`
	SpaceID      string                    `json:"space_id"`
	Enabled      bool                      `json:"enabled"`
	Transport    contracts.TransportConfig `json:"transport"`
	Inputs       []InputStatus             `json:"inputs,omitempty"`

	State         string     `json:"connection_status"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
	RetryCount    int        `json:"retry_count,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	ServerName    string     `json:"server_name,omitempty"`
	ServerVersion string     `json:"server_version,omitempty"`
	ToolCount     int        `json:"tool_count"`
	PromptCount   int        `json:"prompt_count"`
	ResourceCount int        `json:"resource_count"`

	OAuth *oauth.Status `json:"oauth,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Service) view(inst *contracts.Installation) *InstallationView {
	v := &InstallationView{
		ID:           inst.ID,
		Alias:        inst.Alias,
		ServerDefRef: inst.ServerDefRef,
		SpaceID:      inst.SpaceID,
		Enabled:      inst.Enabled,
		Transport:    redactTransport(inst.Transport),
		State:        "Disabled",
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
	}
	for _, in := range inst.Inputs {
		_, set := inst.InputValues[in.Name]
		v.Inputs = append(v.Inputs, InputStatus{InputDecl: in, Set: set})
	}

	if s.status != nil {
		if st, ok := s.status.Get(inst.ID); ok {
			v.State = st.State
			v.LastError = st.LastError
			v.LastErrorTime = st.LastErrorTime
			v.RetryCount = st.RetryCount
			v.ConnectedAt = st.ConnectedAt
			v.ServerName = st.ServerName
			v.ServerVersion = st.ServerVersion
			v.ToolCount = st.ToolCount
			v.PromptCount = st.PromptCount
			v.ResourceCount = st.ResourceCount
		}
	}

	if s.auth != nil && inst.Transport.Kind == contracts.TransportHTTP {
		if st, err := s.auth.Status(inst.ID); err == nil {
			v.OAuth = st
		}
	}
	return v
}

// redactTransport copies t with secret-bearing fields masked.
func redactTransport(t contracts.TransportConfig) contracts.TransportConfig {
	if t.HTTP != nil && t.HTTP.OAuth != nil && t.HTTP.OAuth.ClientSecret != "" {
		h := *t.HTTP
		o := *h.OAuth
		o.ClientSecret = redacted
		h.OAuth = &o
		t.HTTP = &h
	}
	return t
}
