package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smart-mcp-proxy/mcpgate/internal/management"
)

// ConfigureRequest sets input values; an empty value clears the input.
type ConfigureRequest struct {
	Values map[string]string `json:"values"`
}

// LoginResponse carries the URL the user opens to finish a backend login.
type LoginResponse struct {
	AuthURL string `json:"auth_url"`
}

// ActionResponse acknowledges a lifecycle action.
type ActionResponse struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, r, s.deps.Installations.List(r.URL.Query().Get("space")))
}

func (s *Server) handleGetInstallation(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Installations.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, v)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req management.InstallRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.SpaceID == "" {
		req.SpaceID = s.deps.Access.Current().ActiveSpaceID
	}
	v, err := s.deps.Installations.Install(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeCreated(w, r, v)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, "uninstall", s.deps.Installations.Uninstall)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, "restart", s.deps.Installations.Restart)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, "logout", s.deps.Installations.Logout)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, true)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, false)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, enabled bool) {
	action := "disable"
	if enabled {
		action = "enable"
	}
	s.action(w, r, action, func(ctx context.Context, id string) error {
		return s.deps.Installations.SetEnabled(ctx, id, enabled)
	})
}

func (s *Server) action(w http.ResponseWriter, r *http.Request, name string, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	GetLogger(r.Context()).Infow("Installation action completed", "installation", id, "action", name)
	s.writeSuccess(w, r, ActionResponse{ID: id, Action: name})
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req ConfigureRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	v, err := s.deps.Installations.Configure(r.Context(), chi.URLParam(r, "id"), req.Values)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, v)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	url, err := s.deps.Installations.Login(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, LoginResponse{AuthURL: url})
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	caps, err := s.deps.Installations.Features(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, caps)
}

func (s *Server) handleEnableAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Installations.EnableAll(r.Context(), r.URL.Query().Get("space"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, res)
}

func (s *Server) handleDisableAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Installations.DisableAll(r.Context(), r.URL.Query().Get("space"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, r, res)
}
