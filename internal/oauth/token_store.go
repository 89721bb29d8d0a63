package oauth

import (
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/secret"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

// TokenRepository is the storage surface the token store needs. *storage.BoltDB implements it.
type TokenRepository interface {
	SaveBackendToken(rec *storage.BackendTokenRecord) error
	GetBackendToken(installationID string) (*storage.BackendTokenRecord, error)
	DeleteBackendToken(installationID string) error
	ListBackendTokens() ([]storage.BackendTokenRecord, error)
	SaveBackendClient(rec *storage.BackendClientRecord) error
	GetBackendClient(installationID string) (*storage.BackendClientRecord, error)
	DeleteBackendClient(installationID string) error
}

// StoredToken is a decrypted backend token plus the issue time the
// proactive refresh schedule is computed from.
type StoredToken struct {
	Token    *oauth2.Token
	IssuedAt time.Time
}

// ClientRegistration is a decrypted BackendClientRecord.
type ClientRegistration struct {
	ClientID              string
	ClientSecret          string
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
	Resource              string
	Scopes                []string
}

// Config builds the oauth2 client configuration for this registration.
func (r *ClientRegistration) Config(redirectURL string) *oauth2.Config {
	style := oauth2.AuthStyleAutoDetect
	if r.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   r.AuthorizationEndpoint,
			TokenURL:  r.TokenEndpoint,
			AuthStyle: style,
		},
		RedirectURL: redirectURL,
		Scopes:      r.Scopes,
	}
}

// TokenStore persists backend tokens and registrations, encrypting every
// credential through the secret store. There is no plaintext fallback.
type TokenStore struct {
	repo    TokenRepository
	secrets secret.Store
	now     func() time.Time
}

// NewTokenStore creates a token store.
func NewTokenStore(repo TokenRepository, secrets secret.Store) *TokenStore {
	return &TokenStore{repo: repo, secrets: secrets, now: time.Now}
}

// Load returns the installation's token, or storage.ErrNotFound.
func (s *TokenStore) Load(installationID string) (*StoredToken, error) {
	const op = "oauth.load_token"
	rec, err := s.repo.GetBackendToken(installationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, gwerr.Storage(op, err)
	}
	access, err := secret.DecryptString(s.secrets, rec.AccessToken)
	if err != nil {
		return nil, gwerr.Storage(op, err)
	}
	var refresh string
	if len(rec.RefreshToken) > 0 {
		if refresh, err = secret.DecryptString(s.secrets, rec.RefreshToken); err != nil {
			return nil, gwerr.Storage(op, err)
		}
	}
	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    rec.TokenType,
		Expiry:       rec.ExpiresAt,
	}
	if rec.Scope != "" {
		tok = tok.WithExtra(map[string]any{"scope": rec.Scope})
	}
	return &StoredToken{Token: tok, IssuedAt: rec.IssuedAt}, nil
}

// Save encrypts and stores tok, stamping it as issued now.
func (s *TokenStore) Save(installationID string, tok *oauth2.Token) (*StoredToken, error) {
	const op = "oauth.save_token"
	access, err := secret.EncryptString(s.secrets, tok.AccessToken)
	if err != nil {
		return nil, gwerr.Storage(op, err)
	}
	rec := &storage.BackendTokenRecord{
		InstallationID: installationID,
		AccessToken:    access,
		TokenType:      tok.TokenType,
		ExpiresAt:      tok.Expiry,
		IssuedAt:       s.now(),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		rec.Scope = scope
	}
	if tok.RefreshToken != "" {
		if rec.RefreshToken, err = secret.EncryptString(s.secrets, tok.RefreshToken); err != nil {
			return nil, gwerr.Storage(op, err)
		}
	}
	if err := s.repo.SaveBackendToken(rec); err != nil {
		return nil, gwerr.Storage(op, err)
	}
	return &StoredToken{Token: tok, IssuedAt: rec.IssuedAt}, nil
}

// Delete forgets the installation's token.
func (s *TokenStore) Delete(installationID string) error {
	if err := s.repo.DeleteBackendToken(installationID); err != nil {
		return gwerr.Storage("oauth.delete_token", err)
	}
	return nil
}

// List returns the raw (still encrypted) records, for scheduling at startup.
func (s *TokenStore) List() ([]storage.BackendTokenRecord, error) {
	return s.repo.ListBackendTokens()
}

// LoadClient returns the cached registration of an installation, or storage.ErrNotFound.
func (s *TokenStore) LoadClient(installationID string) (*ClientRegistration, error) {
	const op = "oauth.load_client"
	rec, err := s.repo.GetBackendClient(installationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, gwerr.Storage(op, err)
	}
	reg := &ClientRegistration{
		ClientID:              rec.ClientID,
		Issuer:                rec.Issuer,
		AuthorizationEndpoint: rec.AuthorizationEndpoint,
		TokenEndpoint:         rec.TokenEndpoint,
		RegistrationEndpoint:  rec.RegistrationEndpoint,
		Resource:              rec.Resource,
		Scopes:                rec.Scopes,
	}
	if len(rec.ClientSecret) > 0 {
		if reg.ClientSecret, err = secret.DecryptString(s.secrets, rec.ClientSecret); err != nil {
			return nil, gwerr.Storage(op, err)
		}
	}
	return reg, nil
}

// SaveClient encrypts and stores a registration.
func (s *TokenStore) SaveClient(installationID string, reg *ClientRegistration) error {
	const op = "oauth.save_client"
	rec := &storage.BackendClientRecord{
		InstallationID:        installationID,
		ClientID:              reg.ClientID,
		Issuer:                reg.Issuer,
		AuthorizationEndpoint: reg.AuthorizationEndpoint,
		TokenEndpoint:         reg.TokenEndpoint,
		RegistrationEndpoint:  reg.RegistrationEndpoint,
		Resource:              reg.Resource,
		Scopes:                reg.Scopes,
		Created:               s.now(),
	}
	if reg.ClientSecret != "" {
		var err error
		if rec.ClientSecret, err = secret.EncryptString(s.secrets, reg.ClientSecret); err != nil {
			return gwerr.Storage(op, err)
		}
	}
	if err := s.repo.SaveBackendClient(rec); err != nil {
		return gwerr.Storage(op, err)
	}
	return nil
}

// DeleteClient forgets the cached registration.
func (s *TokenStore) DeleteClient(installationID string) error {
	if err := s.repo.DeleteBackendClient(installationID); err != nil {
		return gwerr.Storage("oauth.delete_client", err)
	}
	return nil
}
