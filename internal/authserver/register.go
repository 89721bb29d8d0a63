package authserver

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/hash"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

const authMethodNone = "none"

// handleRegister implements dynamic client registration (RFC 7591).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "Failed to parse request body")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "At least one redirect_uri is required")
		return
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", err.Error())
			return
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, g := range grantTypes {
		if g != "authorization_code" && g != "refresh_token" {
			oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "Unsupported grant type: "+g)
			return
		}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	authMethod := req.TokenEndpointAuthMethod
	switch authMethod {
	case "":
		authMethod = "client_secret_basic"
	case "client_secret_basic", "client_secret_post", authMethodNone:
	default:
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "Unsupported token_endpoint_auth_method: "+authMethod)
		return
	}

	now := s.now()
	rec := &storage.AuthClientRecord{
		ClientID:     uuid.NewString(),
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   grantTypes,
		Scope:        Scope,
		Created:      now,
	}
	var clientSecret string
	if authMethod != authMethodNone {
		clientSecret = randomToken(32)
		rec.ClientSecretHash = hash.StringHash(clientSecret)
	}
	if err := s.store.SaveAuthClient(rec); err != nil {
		s.logger.Error("Failed to persist registered client", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "Failed to register client")
		return
	}
	if _, err := s.clients.RegisterClient(rec.ClientID, req.ClientName, s.opts.AutoApprove); err != nil {
		s.logger.Error("Failed to record client identity", zap.String("client_id", rec.ClientID), zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "Failed to register client")
		return
	}

	s.logger.Info("Registered downstream client",
		zap.String("client_id", rec.ClientID),
		zap.String("client_name", req.ClientName),
		zap.Bool("approved", s.opts.AutoApprove))

	writeJSON(w, http.StatusCreated, RegistrationResponse{
		ClientID:                rec.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        now.Unix(),
		RedirectURIs:            rec.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scope:                   Scope,
		TokenEndpointAuthMethod: authMethod,
	})
}

var (
	errRedirectFragment = errors.New("redirect_uri must not contain a fragment")
	errRedirectScheme   = errors.New("redirect_uri must use https, a loopback http address or a private scheme")
)

// validateRedirectURI accepts https URIs, http URIs on a loopback host and
// custom (private-use) schemes.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Fragment != "" {
		return errRedirectFragment
	}
	switch u.Scheme {
	case "":
		return errRedirectScheme
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return errRedirectScheme
	case "javascript", "data", "file":
		return errRedirectScheme
	default:
		return nil
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// redirectRegistered requires an exact match with a registered URI.
func redirectRegistered(rec *storage.AuthClientRecord, uri string) bool {
	return uri != "" && slices.Contains(rec.RedirectURIs, uri)
}

// authenticateClient checks the client secret of confidential clients.
// Public clients (registered with auth method none) carry no secret.
func authenticateClient(rec *storage.AuthClientRecord, secret string) bool {
	if rec.ClientSecretHash == "" {
		return true
	}
	got := hash.StringHash(secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(rec.ClientSecretHash)) == 1
}

// verifyPKCE checks a code_verifier against the stored challenge.
func verifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

// randomToken returns n random bytes hex-encoded.
func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
