package runtime

import (
	"fmt"
	"reflect"

	"github.com/smart-mcp-proxy/mcpgate/internal/config"
)

// ConfigApplyResult describes how a reloaded configuration was handled.
type ConfigApplyResult struct {
	Success            bool     `json:"success"`
	AppliedImmediately bool     `json:"applied_immediately"`
	RequiresRestart    bool     `json:"requires_restart"`
	RestartReason      string   `json:"restart_reason,omitempty"`
	ChangedFields      []string `json:"changed_fields,omitempty"`
}

// restartFields are compared in order; the first difference names the
// restart reason.
var restartFields = []struct {
	name   string
	reason string
	get    func(*config.Config) any
}{
	{"listen", "Listen address changed - requires HTTP server restart", func(c *config.Config) any { return c.Listen }},
	{"data_dir", "Data directory changed - requires database restart", func(c *config.Config) any { return c.DataDir }},
	{"api_key", "API key changed - requires control API restart", func(c *config.Config) any { return c.APIKey }},
	{"read_only", "Read-only mode changed - requires restart", func(c *config.Config) any { return c.ReadOnly }},
	{"secrets", "Secret provider changed - requires restart", func(c *config.Config) any { return c.Secrets }},
	{"auth", "Authorization server settings changed - requires restart", func(c *config.Config) any { return c.Auth }},
	{"oauth", "Backend OAuth settings changed - requires restart", func(c *config.Config) any { return c.OAuth }},
	{"gateway", "Connection tuning changed - requires restart", func(c *config.Config) any { return c.Gateway }},
	{"telemetry", "Telemetry settings changed - requires restart", func(c *config.Config) any { return c.Telemetry }},
	{"logging", "Logging settings changed - requires restart", func(c *config.Config) any { return c.Logging }},
}

// DetectConfigChanges compares two configurations. Only new space and
// server seeds apply to a running gateway; everything else needs a restart.
func DetectConfigChanges(oldCfg, newCfg *config.Config) *ConfigApplyResult {
	result := &ConfigApplyResult{Success: true}
	if oldCfg == nil || newCfg == nil {
		result.Success = false
		return result
	}

	for _, f := range restartFields {
		if reflect.DeepEqual(f.get(oldCfg), f.get(newCfg)) {
			continue
		}
		result.ChangedFields = append(result.ChangedFields, f.name)
		if !result.RequiresRestart {
			result.RequiresRestart = true
			result.RestartReason = f.reason
		}
	}

	if !reflect.DeepEqual(oldCfg.Spaces, newCfg.Spaces) {
		result.ChangedFields = append(result.ChangedFields, "spaces")
		result.AppliedImmediately = true
	}

	if len(result.ChangedFields) == 0 {
		result.RestartReason = "No configuration changes detected"
	}
	return result
}

// FormatChangedFields returns a human-readable string of changed fields
func (r *ConfigApplyResult) FormatChangedFields() string {
	switch len(r.ChangedFields) {
	case 0:
		return "none"
	case 1:
		return r.ChangedFields[0]
	case 2:
		return fmt.Sprintf("%s and %s", r.ChangedFields[0], r.ChangedFields[1])
	}
	return fmt.Sprintf("%s, %s, and %d others", r.ChangedFields[0], r.ChangedFields[1], len(r.ChangedFields)-2)
}
