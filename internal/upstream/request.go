package upstream

import (
	"context"
	"fmt"

	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/core"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

// Backend request methods accepted by SendRequest.
const (
	MethodCallTool     = "tools/call"
	MethodGetPrompt    = "prompts/get"
	MethodReadResource = "resources/read"
	MethodPing         = "ping"
)

// Request is a single backend request using native (un-prefixed) names.
type Request struct {
	Method    string
	Name      string
	URI       string
	Arguments map[string]any
}

// SendRequest delivers req to a Connected backend and returns the mcp-go
// result (*mcp.CallToolResult, *mcp.GetPromptResult or *mcp.ReadResourceResult).
// A backend that is not Connected fails fast with BackendUnavailable.
// Requests run concurrently; Disconnect cancels those in flight.
func (m *Manager) SendRequest(ctx context.Context, installationID string, req Request) (any, error) {
	const op = "upstream.send"

	c := m.get(installationID)
	if c == nil {
		return nil, gwerr.NotFound(op, "installation", installationID)
	}
	snap := c.state.Current()
	active := c.current.Load()
	if snap.State != types.StateConnected || active == nil {
		return nil, gwerr.BackendUnavailable(op, installationID, snap.State.String())
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	stop := context.AfterFunc(active.ctx, cancel)
	defer stop()

	res, err := dispatch(ctx, active.session, req)
	if err == nil {
		return res, nil
	}

	switch {
	case active.ctx.Err() != nil:
		return nil, gwerr.BackendUnavailable(op, installationID, c.state.Current().State.String())
	case core.IsUnauthorized(err):
		c.post(command{kind: cmdUnauthorized, gen: active.gen})
		return nil, gwerr.Connection(op, err)
	case gwerr.KindOf(err) == gwerr.KindInvalid:
		return nil, err
	default:
		return nil, gwerr.Connection(op, err)
	}
}

func dispatch(ctx context.Context, s core.Session, req Request) (any, error) {
	switch req.Method {
	case MethodCallTool:
		return s.CallTool(ctx, req.Name, req.Arguments)
	case MethodGetPrompt:
		return s.GetPrompt(ctx, req.Name, stringArgs(req.Arguments))
	case MethodReadResource:
		return s.ReadResource(ctx, req.URI)
	case MethodPing:
		return struct{}{}, s.Ping(ctx)
	default:
		return nil, gwerr.Invalid("upstream.send", "unsupported method %q", req.Method)
	}
}

// stringArgs converts prompt arguments, which MCP defines as strings.
func stringArgs(args map[string]any) map[string]string {
	if args == nil {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
