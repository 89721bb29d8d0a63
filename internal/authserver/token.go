package authserver

import (
	"errors"
	"net/http"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/hash"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

// ErrInvalidToken is wrapped by every access token validation failure.
var ErrInvalidToken = errors.New("invalid access token")

// handleToken implements the authorization_code and refresh_token grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "Failed to parse form")
		return
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if user, pass, ok := r.BasicAuth(); ok {
		clientID, clientSecret = user, pass
	}
	if clientID == "" {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "Missing client credentials")
		return
	}
	client, err := s.store.GetAuthClient(clientID)
	if err != nil {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "Unknown client")
		return
	}
	if !authenticateClient(client, clientSecret) {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "Invalid client secret")
		return
	}

	switch grant := r.PostFormValue("grant_type"); grant {
	case "authorization_code":
		s.authorizationCodeGrant(w, r, client)
	case "refresh_token":
		s.refreshTokenGrant(w, r, client)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant type: "+grant)
	}
}

func (s *Server) authorizationCodeGrant(w http.ResponseWriter, r *http.Request, client *storage.AuthClientRecord) {
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	verifier := r.PostFormValue("code_verifier")

	s.mu.Lock()
	ac, ok := s.codes[code]
	switch {
	case !ok:
		s.mu.Unlock()
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Invalid authorization code")
		return
	case ac.Used:
		s.mu.Unlock()
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Authorization code already used")
		return
	case ac.expired(s.now()):
		delete(s.codes, code)
		s.mu.Unlock()
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Authorization code expired")
		return
	case ac.ClientID != client.ClientID:
		s.mu.Unlock()
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Client ID mismatch")
		return
	case ac.RedirectURI != redirectURI:
		s.mu.Unlock()
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Redirect URI mismatch")
		return
	case !verifyPKCE(verifier, ac.CodeChallenge, ac.CodeChallengeMethod):
		s.mu.Unlock()
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Invalid code_verifier")
		return
	}
	ac.Used = true
	scope := ac.Scope
	s.mu.Unlock()

	s.respondWithTokens(w, client, scope)
}

func (s *Server) refreshTokenGrant(w http.ResponseWriter, r *http.Request, client *storage.AuthClientRecord) {
	presented := r.PostFormValue("refresh_token")
	if presented == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "Missing refresh_token")
		return
	}
	oldHash := hash.StringHash(presented)
	rec, err := s.store.GetRefreshToken(oldHash)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Invalid refresh token")
		return
	case err != nil:
		s.logger.Error("Failed to load refresh token", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "Failed to load refresh token")
		return
	case rec.Revoked:
		s.logger.Warn("Revoked refresh token presented", zap.String("client_id", rec.ClientID))
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Refresh token was already used")
		return
	case rec.IsExpired(s.now()):
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Refresh token expired")
		return
	case rec.ClientID != client.ClientID:
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Refresh token belongs to different client")
		return
	}

	next, nextRec := s.newRefreshToken(client.ClientID, rec.Scope)
	if err := s.store.RotateRefreshToken(oldHash, nextRec); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) || errors.Is(err, storage.ErrNotFound) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "Refresh token was already used")
			return
		}
		s.logger.Error("Failed to rotate refresh token", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "Failed to rotate refresh token")
		return
	}

	access, err := s.signAccessToken(client.ClientID, rec.Scope)
	if err != nil {
		s.logger.Error("Failed to sign access token", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "Failed to generate access token")
		return
	}
	s.sendTokens(w, TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.opts.AccessTokenTTL.Seconds()),
		RefreshToken: next,
		Scope:        rec.Scope,
	})
}

// respondWithTokens issues an access token and, for clients allowed the
// refresh_token grant, a refresh token.
func (s *Server) respondWithTokens(w http.ResponseWriter, client *storage.AuthClientRecord, scope string) {
	access, err := s.signAccessToken(client.ClientID, scope)
	if err != nil {
		s.logger.Error("Failed to sign access token", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "Failed to generate access token")
		return
	}
	resp := TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.opts.AccessTokenTTL.Seconds()),
		Scope:       scope,
	}
	if slices.Contains(client.GrantTypes, "refresh_token") {
		token, rec := s.newRefreshToken(client.ClientID, scope)
		if err := s.store.SaveRefreshToken(rec); err != nil {
			s.logger.Error("Failed to persist refresh token", zap.Error(err))
			oauthError(w, http.StatusInternalServerError, "server_error", "Failed to generate refresh token")
			return
		}
		resp.RefreshToken = token
	}
	s.sendTokens(w, resp)
}

// newRefreshToken creates an opaque token; only its hash is stored.
func (s *Server) newRefreshToken(clientID, scope string) (string, *storage.RefreshTokenRecord) {
	token := randomToken(32)
	now := s.now()
	return token, &storage.RefreshTokenRecord{
		TokenHash: hash.StringHash(token),
		ClientID:  clientID,
		Scope:     scope,
		ExpiresAt: now.Add(s.opts.RefreshTokenTTL),
		Created:   now,
	}
}

func (s *Server) signAccessToken(clientID, scope string) (string, error) {
	now := s.now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.opts.Issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{s.ResourceURL()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.AccessTokenTTL)),
			ID:        randomToken(16),
		},
		ClientID: clientID,
		Scope:    scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.key.kid
	return token.SignedString(s.key.private)
}

func (s *Server) sendTokens(w http.ResponseWriter, resp TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// ValidateAccessToken verifies a bearer token and returns the client id it
// was issued to. Tokens of unknown or unapproved clients are rejected.
func (s *Server) ValidateAccessToken(raw string) (string, error) {
	const op = "authserver.validate_token"
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.key.kid {
			return nil, errors.New("unknown signing key")
		}
		return &s.key.private.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.opts.Issuer),
		jwt.WithAudience(s.ResourceURL()),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", gwerr.E(gwerr.KindAuth, op, errors.Join(ErrInvalidToken, err))
	}

	clientID := claims.ClientID
	if clientID == "" {
		clientID = claims.Subject
	}
	c, ok := s.clients.Current().Clients[clientID]
	if !ok {
		return "", gwerr.E(gwerr.KindAuth, op, ErrInvalidToken)
	}
	if !c.Approved {
		return "", gwerr.Auth(op, "client %s is not approved", clientID)
	}
	return clientID, nil
}
