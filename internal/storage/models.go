package storage

import (
	"time"
)

// Bucket names for bbolt database
const (
	MetaBucket          = "meta"
	SpacesBucket        = "spaces"
	InstallationsBucket = "installations"
	FeatureSetsBucket   = "feature_sets"
	ClientsBucket       = "clients"
	AdvertisedBucket    = "advertised"
	BackendTokenBucket  = "backend_oauth_tokens"
	BackendClientBucket = "backend_oauth_clients"
	AuthClientsBucket   = "auth_clients"
	RefreshTokensBucket = "auth_refresh_tokens"
	SigningKeyBucket    = "auth_signing_keys"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
	ActiveSpaceKey   = "active_space"
)

// CurrentSchemaVersion is written on every open.
const CurrentSchemaVersion = 1

// BackendTokenRecord stores a backend OAuth token. Token fields are
// encrypted blobs produced by the secret store.
type BackendTokenRecord struct {
	InstallationID string    `json:"installation_id"`
	AccessToken    []byte    `json:"access_token"`
	RefreshToken   []byte    `json:"refresh_token,omitempty"`
	TokenType      string    `json:"token_type"`
	Scope          string    `json:"scope,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	IssuedAt       time.Time `json:"issued_at"`
}

// BackendClientRecord caches discovery and dynamic registration results for
// one installation.
type BackendClientRecord struct {
	InstallationID        string    `json:"installation_id"`
	ClientID              string    `json:"client_id"`
	ClientSecret          []byte    `json:"client_secret,omitempty"` // encrypted
	Issuer                string    `json:"issuer"`
	AuthorizationEndpoint string    `json:"authorization_endpoint"`
	TokenEndpoint         string    `json:"token_endpoint"`
	RegistrationEndpoint  string    `json:"registration_endpoint,omitempty"`
	Resource              string    `json:"resource,omitempty"`
	Scopes                []string  `json:"scopes,omitempty"`
	Created               time.Time `json:"created"`
}

// AuthClientRecord is a downstream client registered with the gateway's
// authorization server.
type AuthClientRecord struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash,omitempty"`
	ClientName       string    `json:"client_name"`
	RedirectURIs     []string  `json:"redirect_uris"`
	GrantTypes       []string  `json:"grant_types"`
	Scope            string    `json:"scope,omitempty"`
	Created          time.Time `json:"created"`
}

// RefreshTokenRecord is keyed by the SHA-256 of the opaque token.
type RefreshTokenRecord struct {
	TokenHash string    `json:"token_hash"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	Created   time.Time `json:"created"`
}

// IsExpired reports whether the token is past its lifetime.
func (r *RefreshTokenRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// SigningKeyRecord holds the encrypted PKCS#1 RSA private key.
type SigningKeyRecord struct {
	KeyID      string    `json:"kid"`
	PrivateKey []byte    `json:"private_key"` // encrypted
	Created    time.Time `json:"created"`
}
