package httpapi

import (
	"net/http"
	"time"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Version               string         `json:"version"`
	Listen                string         `json:"listen"`
	StartedAt             time.Time      `json:"started_at"`
	UptimeSeconds         int64          `json:"uptime_seconds"`
	ActiveSpaceID         string         `json:"active_space_id"`
	ActiveSpace           string         `json:"active_space"`
	Spaces                int            `json:"spaces"`
	Installations         int            `json:"installations"`
	Clients               int            `json:"clients"`
	Sessions              int            `json:"sessions"`
	Backends              map[string]int `json:"backends"`
	PendingAuthorizations int            `json:"pending_authorizations"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Access.Current()
	resp := StatusResponse{
		Version:       s.opts.Version,
		Listen:        s.opts.Listen,
		StartedAt:     s.started,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		ActiveSpaceID: snap.ActiveSpaceID,
		Spaces:        len(snap.Spaces),
		Installations: len(snap.Installations),
		Clients:       len(snap.Clients),
		Backends:      map[string]int{},
	}
	if sp, ok := snap.Spaces[snap.ActiveSpaceID]; ok {
		resp.ActiveSpace = sp.Name
	}
	if s.deps.Sessions != nil {
		resp.Sessions = len(s.deps.Sessions.List())
	}
	if s.deps.Status != nil {
		resp.Backends = s.deps.Status.CountByState()
	}
	if s.deps.Authz != nil {
		resp.PendingAuthorizations = len(s.deps.Authz.PendingRequests())
	}
	s.writeSuccess(w, r, resp)
}

func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	diag, err := s.deps.Installations.Doctor(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, diag)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, r, "session listing")
		return
	}
	s.writeSuccess(w, r, s.deps.Sessions.List())
}
