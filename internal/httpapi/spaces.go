package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// SpaceView is a space with its installation count.
type SpaceView struct {
	*contracts.Space
	Installations int `json:"installations"`
}

// SpaceRequest names a space.
type SpaceRequest struct {
	Name string `json:"name"`
}

// FeatureSetRequest creates or replaces a custom feature set.
type FeatureSetRequest struct {
	Name    string                 `json:"name"`
	Members []contracts.FeatureRef `json:"members"`
}

func (s *Server) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Access.Current()
	spaces := snap.SpaceList()
	out := make([]SpaceView, 0, len(spaces))
	for _, sp := range spaces {
		out = append(out, SpaceView{Space: sp, Installations: len(snap.InstallationsIn(sp.ID))})
	}
	s.writeSuccess(w, r, out)
}

func (s *Server) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	var req SpaceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sp, err := s.deps.Access.CreateSpace(req.Name)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	GetLogger(r.Context()).Infow("Space created", "space_id", sp.ID, "name", sp.Name)
	s.writeCreated(w, r, sp)
}

func (s *Server) handleRenameSpace(w http.ResponseWriter, r *http.Request) {
	var req SpaceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "spaceID")
	if err := s.deps.Access.RenameSpace(id, req.Name); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, s.deps.Access.Current().Spaces[id])
}

func (s *Server) handleDeleteSpace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "spaceID")
	if err := s.deps.Access.DeleteSpace(id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	GetLogger(r.Context()).Infow("Space deleted", "space_id", id)
	s.writeSuccess(w, r, map[string]string{"deleted": id})
}

func (s *Server) handleActivateSpace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "spaceID")
	if err := s.deps.Access.SetActiveSpace(id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	GetLogger(r.Context()).Infow("Active space changed", "space_id", id)
	s.writeSuccess(w, r, s.deps.Access.Current().Spaces[id])
}

// handleListFeatureSets lists the sets of a space. Hidden server-all sets
// are left out unless include_hidden=true.
func (s *Server) handleListFeatureSets(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "spaceID")
	snap := s.deps.Access.Current()
	if _, ok := snap.Spaces[id]; !ok {
		s.writeError(w, r, http.StatusNotFound, "space not found: "+id, "not_found")
		return
	}
	includeHidden := r.URL.Query().Get("include_hidden") == "true"
	sets := snap.FeatureSetsIn(id)
	out := make([]*contracts.FeatureSet, 0, len(sets))
	for _, fs := range sets {
		if fs.Hidden && !includeHidden {
			continue
		}
		out = append(out, fs)
	}
	s.writeSuccess(w, r, out)
}

func (s *Server) handleCreateFeatureSet(w http.ResponseWriter, r *http.Request) {
	var req FeatureSetRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	fs, err := s.deps.Access.CreateFeatureSet(chi.URLParam(r, "spaceID"), req.Name, req.Members)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeCreated(w, r, fs)
}

func (s *Server) handleUpdateFeatureSet(w http.ResponseWriter, r *http.Request) {
	var req FeatureSetRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	fs, err := s.deps.Access.UpdateFeatureSet(chi.URLParam(r, "setID"), req.Name, req.Members)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, fs)
}

func (s *Server) handleDeleteFeatureSet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "setID")
	if err := s.deps.Access.DeleteFeatureSet(id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, map[string]string{"deleted": id})
}
