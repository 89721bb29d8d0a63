// Package oauth implements the gateway's OAuth client role toward backend
// servers: metadata discovery, dynamic client registration, the PKCE
// authorization-code flow, encrypted token persistence, and proactive and
// reactive refresh with a single in-flight refresh per installation.
package oauth

import "errors"

var (
	// ErrNotOAuth is returned for installations that cannot use OAuth (stdio backends).
	ErrNotOAuth = errors.New("installation does not use OAuth")

	// ErrAuthorizationRequired means no usable token exists and the user must log in.
	ErrAuthorizationRequired = errors.New("interactive authorization required")

	// ErrNoRefreshToken indicates refresh token is not available.
	// Some OAuth providers don't issue refresh tokens.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrFlowInProgress indicates an interactive flow is already pending for the installation.
	ErrFlowInProgress = errors.New("OAuth flow already in progress")

	// ErrFlowNotFound is returned for unknown, consumed or expired callback states.
	ErrFlowNotFound = errors.New("unknown or expired OAuth flow")

	// ErrRegistrationUnsupported means no client id is configured and the
	// authorization server offers no registration endpoint.
	ErrRegistrationUnsupported = errors.New("authorization server does not support dynamic client registration")
)
