package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// maxListPages bounds cursor pagination against misbehaving backends.
const maxListPages = 100

// mcpSession adapts a mark3labs mcp-go client to Session.
type mcpSession struct {
	client *client.Client
	alias  string
	logger *zap.Logger
	// classify rewrites transport errors, e.g. into UnauthorizedError.
	classify func(error) error
	closer   func()

	mu             sync.Mutex
	onNotification func(string)
	onLost         func(error)
	closed         bool
}

func newMCPSession(c *client.Client, alias string, logger *zap.Logger, classify func(error) error, closer func()) *mcpSession {
	if classify == nil {
		classify = func(err error) error { return err }
	}
	s := &mcpSession{client: c, alias: alias, logger: logger, classify: classify, closer: closer}

	c.OnNotification(func(n mcp.JSONRPCNotification) {
		s.mu.Lock()
		h := s.onNotification
		s.mu.Unlock()
		if h != nil {
			h(n.Method)
		}
	})
	c.OnConnectionLost(func(err error) {
		s.logger.Warn("Backend connection lost", zap.Error(err))
		s.mu.Lock()
		h := s.onLost
		closed := s.closed
		s.mu.Unlock()
		if h != nil && !closed {
			h(err)
		}
	})
	return s
}

func (s *mcpSession) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, s.classify(err))
}

// trace starts a span for one backend request; finish records the outcome.
func (s *mcpSession) trace(ctx context.Context, method string) (context.Context, func(error) error) {
	ctx, span := startSpan(ctx, s.alias, method)
	return ctx, func(err error) error {
		endSpan(span, err)
		return s.wrap(method, err)
	}
}

// Initialize performs the MCP handshake.
func (s *mcpSession) Initialize(ctx context.Context) (*InitializeResult, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    ClientName,
		Version: ClientVersion,
	}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	ctx, finish := s.trace(ctx, "initialize")
	res, err := s.client.Initialize(ctx, req)
	if err != nil {
		return nil, finish(err)
	}
	_ = finish(nil)

	s.logger.Debug("Backend initialized",
		zap.String("server_name", res.ServerInfo.Name),
		zap.String("server_version", res.ServerInfo.Version),
		zap.String("protocol_version", res.ProtocolVersion))

	return &InitializeResult{
		ServerName:      res.ServerInfo.Name,
		ServerVersion:   res.ServerInfo.Version,
		ProtocolVersion: res.ProtocolVersion,
		HasTools:        res.Capabilities.Tools != nil,
		HasPrompts:      res.Capabilities.Prompts != nil,
		HasResources:    res.Capabilities.Resources != nil,
	}, nil
}

func (s *mcpSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	ctx, finish := s.trace(ctx, "tools/list")
	var out []mcp.Tool
	req := mcp.ListToolsRequest{}
	for page := 0; page < maxListPages; page++ {
		res, err := s.client.ListTools(ctx, req)
		if err != nil {
			return nil, finish(err)
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return out, finish(nil)
}

func (s *mcpSession) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	ctx, finish := s.trace(ctx, "prompts/list")
	var out []mcp.Prompt
	req := mcp.ListPromptsRequest{}
	for page := 0; page < maxListPages; page++ {
		res, err := s.client.ListPrompts(ctx, req)
		if err != nil {
			return nil, finish(err)
		}
		out = append(out, res.Prompts...)
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return out, finish(nil)
}

func (s *mcpSession) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	ctx, finish := s.trace(ctx, "resources/list")
	var out []mcp.Resource
	req := mcp.ListResourcesRequest{}
	for page := 0; page < maxListPages; page++ {
		res, err := s.client.ListResources(ctx, req)
		if err != nil {
			return nil, finish(err)
		}
		out = append(out, res.Resources...)
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return out, finish(nil)
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	ctx, finish := s.trace(ctx, "tools/call")
	res, err := s.client.CallTool(ctx, req)
	return res, finish(err)
}

func (s *mcpSession) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	ctx, finish := s.trace(ctx, "prompts/get")
	res, err := s.client.GetPrompt(ctx, req)
	return res, finish(err)
}

func (s *mcpSession) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	ctx, finish := s.trace(ctx, "resources/read")
	res, err := s.client.ReadResource(ctx, req)
	return res, finish(err)
}

func (s *mcpSession) Ping(ctx context.Context) error {
	ctx, finish := s.trace(ctx, "ping")
	return finish(s.client.Ping(ctx))
}

func (s *mcpSession) OnNotification(h func(method string)) {
	s.mu.Lock()
	s.onNotification = h
	s.mu.Unlock()
}

func (s *mcpSession) OnConnectionLost(h func(error)) {
	s.mu.Lock()
	s.onLost = h
	s.mu.Unlock()
}

// Close terminates the transport. Safe to call more than once.
func (s *mcpSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.closer != nil {
		s.closer()
	}
	return s.client.Close()
}
