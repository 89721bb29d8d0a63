package authserver

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

var pendingPage = template.Must(template.New("pending").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="2">
<title>Waiting for approval</title></head>
<body><h1>Waiting for approval</h1>
<p>{{.ClientName}} is asking to connect to mcpgate. Approve or deny the request in mcpgate; this page continues automatically.</p>
</body></html>`))

// authorizeRequest carries the validated parameters of one authorize call.
type authorizeRequest struct {
	client              *storage.AuthClientRecord
	redirectURI         string
	state               string
	scope               string
	resource            string
	codeChallenge       string
	codeChallengeMethod string
}

// handleAuthorize validates the request and either redirects with a code
// (approved client) or parks it as a pending authorization.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if clientID == "" {
		http.Error(w, "invalid_request: missing client_id", http.StatusBadRequest)
		return
	}
	rec, err := s.store.GetAuthClient(clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("Failed to load client", zap.String("client_id", clientID), zap.Error(err))
		}
		http.Error(w, "invalid_client: unknown client_id", http.StatusBadRequest)
		return
	}
	// Errors are only redirected once the redirect URI is known to belong to the client.
	if !redirectRegistered(rec, redirectURI) {
		http.Error(w, "invalid_request: redirect_uri is not registered", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" {
		redirectWith(w, r, redirectURI, url.Values{"error": {"unsupported_response_type"}, "state": {state}})
		return
	}
	req := &authorizeRequest{
		client:              rec,
		redirectURI:         redirectURI,
		state:               state,
		scope:               Scope,
		resource:            q.Get("resource"),
		codeChallenge:       q.Get("code_challenge"),
		codeChallengeMethod: q.Get("code_challenge_method"),
	}
	if req.codeChallenge == "" {
		redirectWith(w, r, redirectURI, url.Values{
			"error":             {"invalid_request"},
			"error_description": {"code_challenge is required"},
			"state":             {state},
		})
		return
	}
	if req.codeChallengeMethod == "" {
		req.codeChallengeMethod = "plain"
	}
	if req.codeChallengeMethod != "S256" && req.codeChallengeMethod != "plain" {
		redirectWith(w, r, redirectURI, url.Values{
			"error":             {"invalid_request"},
			"error_description": {"unsupported code_challenge_method"},
			"state":             {state},
		})
		return
	}

	approved, err := s.clientApproved(rec)
	if err != nil {
		s.logger.Error("Failed to resolve client approval", zap.String("client_id", clientID), zap.Error(err))
		redirectWith(w, r, redirectURI, url.Values{"error": {"server_error"}, "state": {state}})
		return
	}
	if approved {
		code := s.issueCode(req)
		redirectWith(w, r, redirectURI, url.Values{"code": {code}, "state": {state}})
		return
	}

	p := s.park(req)
	http.Redirect(w, r, s.opts.Issuer+pathPending+p.ID, http.StatusFound)
}

// clientApproved reports the client's approval, recording clients the
// access layer does not know yet.
func (s *Server) clientApproved(rec *storage.AuthClientRecord) (bool, error) {
	if c, ok := s.clients.Current().Clients[rec.ClientID]; ok {
		return c.Approved, nil
	}
	c, err := s.clients.RegisterClient(rec.ClientID, rec.ClientName, s.opts.AutoApprove)
	if err != nil {
		return false, err
	}
	return c.Approved, nil
}

func (s *Server) issueCode(req *authorizeRequest) string {
	s.mu.Lock()
	code := s.issueCodeLocked(req.client.ClientID, req.redirectURI, req.scope, req.resource, req.codeChallenge, req.codeChallengeMethod)
	s.mu.Unlock()
	s.publish(grantIssued(req.client.ClientID))
	return code
}

func (s *Server) issueCodeLocked(clientID, redirectURI, scope, resource, challenge, method string) string {
	code := randomToken(32)
	s.codes[code] = &authCode{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		Resource:            resource,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ExpiresAt:           s.now().Add(s.opts.CodeTTL),
	}
	return code
}

func (s *Server) park(req *authorizeRequest) *PendingAuthorization {
	now := s.now()
	p := &PendingAuthorization{
		ID:                  uuid.NewString(),
		ClientID:            req.client.ClientID,
		ClientName:          req.client.ClientName,
		RedirectURI:         req.redirectURI,
		Scope:               req.scope,
		Status:              PendingWaiting,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.opts.PendingTTL),
		state:               req.state,
		resource:            req.resource,
		codeChallenge:       req.codeChallenge,
		codeChallengeMethod: req.codeChallengeMethod,
	}
	s.mu.Lock()
	s.pending[p.ID] = p
	s.mu.Unlock()

	evt := eventbus.New(eventbus.EventTypeClientApprovalRequested, map[string]any{
		"request_id": p.ID,
		"name":       p.ClientName,
		"reason":     "authorization",
	})
	evt.ClientID = p.ClientID
	s.publish(evt)
	s.logger.Info("Authorization request awaits approval",
		zap.String("request_id", p.ID),
		zap.String("client_id", p.ClientID),
		zap.String("client_name", p.ClientName))
	return p
}

// handlePending is polled by the client's browser. Once the request is
// decided it redirects to the client like a direct authorize would.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	now := s.now()

	s.mu.Lock()
	p, ok := s.pending[id]
	if ok && now.After(p.ExpiresAt) {
		delete(s.pending, id)
		ok = false
	}
	var view PendingAuthorization
	if ok {
		view = *p
		if p.Status != PendingWaiting {
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "authorization request not found or expired", http.StatusNotFound)
		return
	}
	switch view.Status {
	case PendingApproved:
		redirectWith(w, r, view.RedirectURI, url.Values{"code": {view.code}, "state": {view.state}})
	case PendingDenied:
		redirectWith(w, r, view.RedirectURI, url.Values{
			"error":             {"access_denied"},
			"error_description": {"The user denied the request"},
			"state":             {view.state},
		})
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = pendingPage.Execute(w, view)
	}
}

// Approve approves a pending authorization: the client becomes approved
// and a code is issued for the waiting browser.
func (s *Server) Approve(requestID string) error {
	const op = "authserver.approve"
	p, err := s.waiting(op, requestID)
	if err != nil {
		return err
	}
	if err := s.clients.ApproveClient(p.ClientID, true); err != nil {
		return err
	}

	s.mu.Lock()
	if p.Status != PendingWaiting {
		s.mu.Unlock()
		return gwerr.Invalid(op, "authorization request %s is already %s", requestID, p.Status)
	}
	p.code = s.issueCodeLocked(p.ClientID, p.RedirectURI, p.Scope, p.resource, p.codeChallenge, p.codeChallengeMethod)
	p.Status = PendingApproved
	s.mu.Unlock()

	s.publish(grantIssued(p.ClientID))
	s.logger.Info("Authorization request approved", zap.String("request_id", requestID), zap.String("client_id", p.ClientID))
	return nil
}

// Deny rejects a pending authorization; the client's browser is
// redirected with access_denied.
func (s *Server) Deny(requestID string) error {
	const op = "authserver.deny"
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[requestID]
	if !ok || s.now().After(p.ExpiresAt) {
		return gwerr.NotFound(op, "authorization request", requestID)
	}
	if p.Status != PendingWaiting {
		return gwerr.Invalid(op, "authorization request %s is already %s", requestID, p.Status)
	}
	p.Status = PendingDenied
	s.logger.Info("Authorization request denied", zap.String("request_id", requestID), zap.String("client_id", p.ClientID))
	return nil
}

func (s *Server) waiting(op, requestID string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[requestID]
	if !ok || s.now().After(p.ExpiresAt) {
		return nil, gwerr.NotFound(op, "authorization request", requestID)
	}
	if p.Status != PendingWaiting {
		return nil, gwerr.Invalid(op, "authorization request %s is already %s", requestID, p.Status)
	}
	return p, nil
}

// PendingRequests lists undecided, unexpired authorization requests, oldest first.
func (s *Server) PendingRequests() []PendingAuthorization {
	now := s.now()
	s.mu.Lock()
	out := make([]PendingAuthorization, 0, len(s.pending))
	for _, p := range s.pending {
		if p.Status == PendingWaiting && !now.After(p.ExpiresAt) {
			out = append(out, *p)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func grantIssued(clientID string) eventbus.Event {
	evt := eventbus.New(eventbus.EventTypeGrantIssued, nil)
	evt.ClientID = clientID
	return evt
}

// redirectWith sends a 302 to base with params merged into its query.
// Empty values are dropped.
func redirectWith(w http.ResponseWriter, r *http.Request, base string, params url.Values) {
	u, err := url.Parse(base)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid redirect_uri: %v", err), http.StatusBadRequest)
		return
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
