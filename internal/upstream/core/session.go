package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// ClientName and ClientVersion identify the gateway in backend initialize requests.
const (
	ClientName    = "mcpgate"
	ClientVersion = "1.0.0"
)

// InitializeResult is the subset of a backend initialize response the gateway keeps.
type InitializeResult struct {
	ServerName      string
	ServerVersion   string
	ProtocolVersion string
	HasTools        bool
	HasPrompts      bool
	HasResources    bool
}

// Session is a live MCP client session with one backend. Implementations
// must allow concurrent requests once Initialize has returned.
type Session interface {
	Initialize(ctx context.Context) (*InitializeResult, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	Ping(ctx context.Context) error

	// OnNotification registers the handler for backend notifications. Only the
	// method name is forwarded.
	OnNotification(func(method string))
	// OnConnectionLost registers the handler invoked when the transport dies
	// outside of a request.
	OnConnectionLost(func(error))
	Close() error
}

// DialSpec describes one backend to dial. Transport values are already expanded.
type DialSpec struct {
	InstallationID string
	Alias          string
	Transport      contracts.TransportConfig
	// Headers are added to every HTTP request (e.g. Authorization from the OAuth manager).
	Headers map[string]string
	Logger  *zap.Logger
}

// Dialer opens a Session for a DialSpec.
type Dialer interface {
	Dial(ctx context.Context, spec DialSpec) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, spec DialSpec) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, spec DialSpec) (Session, error) {
	return f(ctx, spec)
}

// MultiDialer routes by transport kind.
type MultiDialer struct {
	Stdio Dialer
	HTTP  Dialer
}

// NewDialer returns the default dialer for both transport kinds.
func NewDialer(logger *zap.Logger) *MultiDialer {
	return &MultiDialer{
		Stdio: &StdioDialer{logger: logger.Named("stdio")},
		HTTP:  &HTTPDialer{logger: logger.Named("http")},
	}
}

// Dial implements Dialer.
func (m *MultiDialer) Dial(ctx context.Context, spec DialSpec) (Session, error) {
	switch spec.Transport.Kind {
	case contracts.TransportStdio:
		return m.Stdio.Dial(ctx, spec)
	case contracts.TransportHTTP:
		return m.HTTP.Dial(ctx, spec)
	default:
		return nil, &ConfigError{Reason: fmt.Sprintf("unsupported transport %q", spec.Transport.Kind)}
	}
}

// ConfigError reports a backend definition that can never connect as given.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "invalid backend configuration: " + e.Reason }

// UnauthorizedError is returned when an HTTP backend answers 401.
type UnauthorizedError struct {
	// ResourceMetadata is the resource_metadata parameter of WWW-Authenticate, if any.
	ResourceMetadata string
	Err              error
}

func (e *UnauthorizedError) Error() string {
	if e.Err != nil {
		return "backend requires authorization: " + e.Err.Error()
	}
	return "backend requires authorization"
}

func (e *UnauthorizedError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is (or wraps) an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
