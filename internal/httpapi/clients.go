package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// ClientView is a client with the space its next session would bind to.
type ClientView struct {
	*contracts.Client
	ResolvedSpaceID string `json:"resolved_space_id,omitempty"`
	ResolveError    string `json:"resolve_error,omitempty"`
}

// ModeRequest changes a client's connection mode. SpaceID is required for
// locked-to-space.
type ModeRequest struct {
	Mode    contracts.ConnectionMode `json:"mode"`
	SpaceID string                   `json:"space_id,omitempty"`
}

// ChooseSpaceRequest picks the space of an ask-mode client.
type ChooseSpaceRequest struct {
	SpaceID string `json:"space_id"`
}

// GrantRequest grants or revokes one feature set in one space.
type GrantRequest struct {
	SpaceID      string `json:"space_id"`
	FeatureSetID string `json:"feature_set_id"`
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Access.Current()
	clients := snap.ClientList()
	out := make([]ClientView, 0, len(clients))
	for _, c := range clients {
		v := ClientView{Client: c}
		if spaceID, err := snap.ResolveSpace(c.ID); err != nil {
			v.ResolveError = err.Error()
		} else {
			v.ResolvedSpaceID = spaceID
		}
		out = append(out, v)
	}
	s.writeSuccess(w, r, out)
}

func (s *Server) clientResult(w http.ResponseWriter, r *http.Request, id string, err error) {
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, s.deps.Access.Current().Clients[id])
}

func (s *Server) handleApproveClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clientID")
	err := s.deps.Access.ApproveClient(id, true)
	if err == nil {
		GetLogger(r.Context()).Infow("Client approved", "client_id", id)
	}
	s.clientResult(w, r, id, err)
}

func (s *Server) handleRevokeApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clientID")
	s.clientResult(w, r, id, s.deps.Access.ApproveClient(id, false))
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "clientID")
	s.clientResult(w, r, id, s.deps.Access.SetConnectionMode(id, req.Mode, req.SpaceID))
}

func (s *Server) handleChooseSpace(w http.ResponseWriter, r *http.Request) {
	var req ChooseSpaceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "clientID")
	s.clientResult(w, r, id, s.deps.Access.ChooseSpace(id, req.SpaceID))
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "clientID")
	s.clientResult(w, r, id, s.deps.Access.Grant(id, req.SpaceID, req.FeatureSetID))
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "clientID")
	s.clientResult(w, r, id, s.deps.Access.Revoke(id, req.SpaceID, req.FeatureSetID))
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clientID")
	if err := s.deps.Access.DeleteClient(id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, map[string]string{"deleted": id})
}

func (s *Server) handleListAuthorizations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Authz == nil {
		s.unavailable(w, r, "authorization server")
		return
	}
	s.writeSuccess(w, r, s.deps.Authz.PendingRequests())
}

func (s *Server) handleApproveAuthorization(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, "approve")
}

func (s *Server) handleDenyAuthorization(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, "deny")
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, decision string) {
	if s.deps.Authz == nil {
		s.unavailable(w, r, "authorization server")
		return
	}
	id := chi.URLParam(r, "requestID")
	fn := s.deps.Authz.Deny
	if decision == "approve" {
		fn = s.deps.Authz.Approve
	}
	if err := fn(id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	GetLogger(r.Context()).Infow("Authorization request decided", "request_id", id, "decision", decision)
	s.writeSuccess(w, r, map[string]string{"id": id, "decision": decision})
}
