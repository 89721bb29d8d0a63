package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smart-mcp-proxy/mcpgate/internal/configimport"
	"github.com/smart-mcp-proxy/mcpgate/internal/management"
)

// ImportRequest imports servers from the content of another client's
// configuration file into a space.
type ImportRequest struct {
	Content string `json:"content"`
	// Format skips detection, e.g. "claude_desktop" or "codex".
	Format string `json:"format,omitempty"`
	// Only restricts the import to these source names.
	Only []string `json:"only,omitempty"`
	// Preview parses without installing anything.
	Preview bool `json:"preview,omitempty"`
	// KeepSecretsInline stores credentials as written instead of lifting
	// them into encrypted inputs.
	KeepSecretsInline bool `json:"keep_secrets_inline,omitempty"`
}

// ImportResponse reports what was parsed and what was installed.
type ImportResponse struct {
	*configimport.Result
	Installed []*management.InstallationView `json:"installed"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	spaceID := chi.URLParam(r, "spaceID")
	snap := s.deps.Access.Current()
	if _, ok := snap.Spaces[spaceID]; !ok {
		s.writeError(w, r, http.StatusNotFound, "space not found: "+spaceID, "not_found")
		return
	}

	var req ImportRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		s.writeError(w, r, http.StatusBadRequest, "content is required", "invalid")
		return
	}

	existing := make([]string, 0)
	for _, inst := range snap.InstallationsIn(spaceID) {
		existing = append(existing, inst.Alias)
	}
	res, err := configimport.Import([]byte(req.Content), configimport.Options{
		FormatHint:        configimport.ConfigFormat(req.Format),
		Only:              req.Only,
		ExistingAliases:   existing,
		KeepSecretsInline: req.KeepSecretsInline,
	})
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error(), "invalid")
		return
	}

	resp := ImportResponse{Result: res, Installed: []*management.InstallationView{}}
	if req.Preview {
		s.writeSuccess(w, r, resp)
		return
	}

	var kept []*configimport.Candidate
	for _, c := range res.Candidates {
		v, err := s.deps.Installations.Install(r.Context(), management.InstallRequest{
			SpaceID:   spaceID,
			Alias:     c.Alias,
			Transport: c.Transport,
			Inputs:    c.Inputs,
			Values:    c.Values,
			Enabled:   c.Enabled,
		})
		if err != nil {
			if errors.Is(err, management.ErrReadOnly) {
				s.writeErr(w, r, err)
				return
			}
			res.Failed = append(res.Failed, configimport.FailedServer{Name: c.OriginalName, Error: "install_failed", Details: err.Error()})
			continue
		}
		kept = append(kept, c)
		resp.Installed = append(resp.Installed, v)
	}
	res.Candidates = kept
	res.Summary.Imported = len(kept)
	res.Summary.Failed = len(res.Failed)

	logger.Infow("Configuration imported",
		"space_id", spaceID,
		"format", res.Format,
		"installed", len(resp.Installed),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed))
	s.writeSuccess(w, r, resp)
}
