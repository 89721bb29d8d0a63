package output

import "github.com/smart-mcp-proxy/mcpgate/internal/gwerr"

// StructuredError is an error with a machine-readable code, rendered by
// every formatter so scripts can branch on failures.
type StructuredError struct {
	Code            string         `json:"code" yaml:"code"`
	Message         string         `json:"message" yaml:"message"`
	Guidance        string         `json:"guidance,omitempty" yaml:"guidance,omitempty"`
	RecoveryCommand string         `json:"recovery_command,omitempty" yaml:"recovery_command,omitempty"`
	Context         map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

func (e StructuredError) Error() string {
	return e.Message
}

// Error codes for CLI operations.
const (
	ErrCodeGatewayNotRunning   = "GATEWAY_NOT_RUNNING"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAuthRequired        = "AUTH_REQUIRED"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeInvalidOutputFormat = "INVALID_OUTPUT_FORMAT"
	ErrCodeBackendUnavailable  = "BACKEND_UNAVAILABLE"
	ErrCodeOperationFailed     = "OPERATION_FAILED"
)

// NewStructuredError creates an error with code and message.
func NewStructuredError(code, message string) StructuredError {
	return StructuredError{Code: code, Message: message}
}

func (e StructuredError) WithGuidance(guidance string) StructuredError {
	e.Guidance = guidance
	return e
}

func (e StructuredError) WithRecoveryCommand(cmd string) StructuredError {
	e.RecoveryCommand = cmd
	return e
}

func (e StructuredError) WithContext(key string, value any) StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// FromError wraps err unless it already is a StructuredError.
func FromError(err error, code string) StructuredError {
	if se, ok := err.(StructuredError); ok {
		return se
	}
	return StructuredError{Code: code, Message: err.Error()}
}

// CodeForKind maps a control API error kind to a CLI error code.
func CodeForKind(kind string) string {
	switch kind {
	case gwerr.KindNotFound.String():
		return ErrCodeNotFound
	case gwerr.KindAuth.String():
		return ErrCodeAuthRequired
	case gwerr.KindPermission.String():
		return ErrCodePermissionDenied
	case gwerr.KindInvalid.String(), gwerr.KindConfiguration.String():
		return ErrCodeInvalidInput
	case gwerr.KindBackendUnavailable.String(), gwerr.KindConnection.String():
		return ErrCodeBackendUnavailable
	default:
		return ErrCodeOperationFailed
	}
}
