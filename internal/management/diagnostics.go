package management

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/smart-mcp-proxy/mcpgate/internal/oauth"
)

// UpstreamError is a backend that failed or is retrying.
type UpstreamError struct {
	InstallationID string    `json:"installation_id"`
	Alias          string    `json:"alias"`
	SpaceID        string    `json:"space_id"`
	State          string    `json:"state"`
	ErrorMessage   string    `json:"error_message"`
	Timestamp      time.Time `json:"timestamp"`
}

// OAuthRequirement is a backend waiting for an interactive login.
type OAuthRequirement struct {
	InstallationID string `json:"installation_id"`
	Alias          string `json:"alias"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// MissingInput lists required inputs without a value.
type MissingInput struct {
	InstallationID string   `json:"installation_id"`
	Alias          string   `json:"alias"`
	Inputs         []string `json:"inputs"`
}

// Diagnostics aggregates problems across every installation.
type Diagnostics struct {
	Timestamp      time.Time          `json:"timestamp"`
	TotalIssues    int                `json:"total_issues"`
	UpstreamErrors []UpstreamError    `json:"upstream_errors"`
	OAuthRequired  []OAuthRequirement `json:"oauth_required"`
	MissingInputs  []MissingInput     `json:"missing_inputs"`
}

// Doctor aggregates health diagnostics from connection status, OAuth
// state and input configuration. Disabled installations are skipped.
func (s *Service) Doctor(_ context.Context) (*Diagnostics, error) {
	diag := &Diagnostics{
		Timestamp:      time.Now(),
		UpstreamErrors: []UpstreamError{},
		OAuthRequired:  []OAuthRequirement{},
		MissingInputs:  []MissingInput{},
	}

	for _, v := range s.List("") {
		if !v.Enabled {
			continue
		}

		switch v.State {
		case "Failed", "Reconnecting", "Degraded":
			ts := time.Now()
			if v.LastErrorTime != nil {
				ts = *v.LastErrorTime
			}
			diag.UpstreamErrors = append(diag.UpstreamErrors, UpstreamError{
				InstallationID: v.ID,
				Alias:          v.Alias,
				SpaceID:        v.SpaceID,
				State:          v.State,
				ErrorMessage:   v.LastError,
				Timestamp:      ts,
			})
		}

		if v.OAuth != nil && loginNeeded(v) {
			diag.OAuthRequired = append(diag.OAuthRequired, OAuthRequirement{
				InstallationID: v.ID,
				Alias:          v.Alias,
				Status:         string(v.OAuth.Status),
				Message:        fmt.Sprintf("Run: mcpgate servers login %s", v.Alias),
			})
		}

		if missing := missingInputs(v); len(missing) > 0 {
			diag.MissingInputs = append(diag.MissingInputs, MissingInput{
				InstallationID: v.ID,
				Alias:          v.Alias,
				Inputs:         missing,
			})
		}
	}

	diag.TotalIssues = len(diag.UpstreamErrors) + len(diag.OAuthRequired) + len(diag.MissingInputs)
	s.logger.Infow("Doctor diagnostics completed",
		"total_issues", diag.TotalIssues,
		"upstream_errors", len(diag.UpstreamErrors),
		"oauth_required", len(diag.OAuthRequired),
		"missing_inputs", len(diag.MissingInputs))
	return diag, nil
}

func missingInputs(v *InstallationView) []string {
	var out []string
	for _, in := range v.Inputs {
		if in.Required && !in.Set {
			out = append(out, in.Name)
		}
	}
	sort.Strings(out)
	return out
}

// loginNeeded reports an OAuth state only a user login can fix. A backend
// without OAuth settings counts once it holds or awaits a token.
func loginNeeded(v *InstallationView) bool {
	switch v.OAuth.Status {
	case oauth.AuthStatusExpired, oauth.AuthStatusError, oauth.AuthStatusPending:
		return true
	case oauth.AuthStatusNone:
		return v.Transport.HTTP != nil && v.Transport.HTTP.OAuth != nil
	}
	return false
}
