// Package gwerr defines the gateway error taxonomy shared by every component.
//
// Each failure carries a Kind that decides how it is handled: configuration
// errors are fatal for an installation, connection errors are retried with
// backoff, auth errors are rejected with a stable code, permission errors hide
// the capability, and storage errors degrade the installation.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	// KindInternal is an unexpected failure. Its message never reaches clients.
	KindInternal Kind = iota
	// KindConfiguration covers missing required inputs and invalid transport specs.
	KindConfiguration
	// KindConnection covers spawn failures, handshake timeouts and protocol violations.
	KindConnection
	// KindAuth covers invalid or expired tokens, unknown clients and PKCE mismatches.
	KindAuth
	// KindPermission means the capability is outside the session's effective set.
	KindPermission
	// KindStorage covers encryption, decryption and vault failures.
	KindStorage
	// KindBackendUnavailable means the owning backend is not connected.
	KindBackendUnavailable
	// KindNotFound means the referenced entity does not exist.
	KindNotFound
	// KindInvalid means the request itself is malformed.
	KindInvalid
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindPermission:
		return "permission"
	case KindStorage:
		return "storage"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "upstream.connect"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, gwerr.ErrAuth) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is comparisons.
var (
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrConnection         = &Error{Kind: KindConnection}
	ErrAuth               = &Error{Kind: KindAuth}
	ErrPermission         = &Error{Kind: KindPermission}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalid            = &Error{Kind: KindInvalid}
)

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration returns a configuration error with a formatted message.
func Configuration(op, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Connection wraps err as a connection error.
func Connection(op string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// Auth returns an auth error with a formatted message.
func Auth(op, format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Permission returns a permission error with a formatted message.
func Permission(op, format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Storage wraps err as a storage error.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// BackendUnavailable reports that the installation is not connected.
func BackendUnavailable(op, installationID, state string) *Error {
	return &Error{Kind: KindBackendUnavailable, Op: op, Msg: fmt.Sprintf("backend %s is %s", installationID, state)}
}

// NotFound returns a not-found error for the given entity.
func NotFound(op, entity, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("%s %q not found", entity, id)}
}

// Invalid returns an invalid-request error with a formatted message.
func Invalid(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a failure should be retried with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConnection
}
