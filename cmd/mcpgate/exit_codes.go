package main

import (
	"errors"

	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/smart-mcp-proxy/mcpgate/internal/server"
)

// Exit codes let service managers tell startup failures apart.
const (
	ExitCodeSuccess      = 0
	ExitCodeGeneralError = 1
	// ExitCodePortConflict indicates the listen port is already in use
	ExitCodePortConflict = 2
	// ExitCodeDBLocked indicates another gateway holds the database
	ExitCodeDBLocked = 3
	// ExitCodeConfigError indicates the configuration could not be loaded
	ExitCodeConfigError = 4
)

// configError marks failures to load or validate configuration.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var portErr *server.PortInUseError
	var cfgErr *configError
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.As(err, &portErr):
		return ExitCodePortConflict
	case errors.Is(err, bolterrors.ErrTimeout):
		return ExitCodeDBLocked
	case errors.As(err, &cfgErr):
		return ExitCodeConfigError
	default:
		return ExitCodeGeneralError
	}
}

func exitCodeDescription(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "Success"
	case ExitCodePortConflict:
		return "Port conflict - address already in use"
	case ExitCodeDBLocked:
		return "Database locked by another process"
	case ExitCodeConfigError:
		return "Configuration error"
	default:
		return "General error"
	}
}
