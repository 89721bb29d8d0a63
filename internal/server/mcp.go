package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/reqcontext"
	"github.com/smart-mcp-proxy/mcpgate/internal/router"
)

const (
	// MCPPath is where the gateway serves its MCP endpoint.
	MCPPath = "/mcp"

	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"

	maxBodyBytes = 4 << 20
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}

	supportedProtocolVersions = []string{mcp.LATEST_PROTOCOL_VERSION, "2025-06-18", "2025-03-26", "2024-11-05"}
)

// Capabilities is the router surface used by sessions.
type Capabilities interface {
	EffectiveCapabilities(clientID, spaceID string) *router.View
	Invoke(ctx context.Context, clientID, spaceID string, kind contracts.FeatureKind, name string, args map[string]any) (any, error)
	Watch(sessionID, clientID, spaceID string) *router.Watcher
}

// SessionResolver binds new sessions to a space.
type SessionResolver interface {
	ResolveSession(clientID string) (string, error)
	TouchClient(id string, at time.Time) error
}

// TokenValidator checks bearer tokens presented on /mcp.
type TokenValidator interface {
	ValidateAccessToken(raw string) (string, error)
	ResourceMetadataURL() string
}

// HandlerOptions tunes the session protocol handler.
type HandlerOptions struct {
	ServerName         string
	ServerVersion      string
	Instructions       string
	SessionIdleTimeout time.Duration
	SSEKeepalive       time.Duration
	SSERetry           time.Duration
}

// Handler serves the MCP streamable HTTP transport at /mcp.
type Handler struct {
	sessions *SessionStore
	caps     Capabilities
	access   SessionResolver
	auth     TokenValidator
	opts     HandlerOptions
	logger   *zap.Logger
}

// NewHandler creates the /mcp handler.
func NewHandler(caps Capabilities, access SessionResolver, auth TokenValidator, opts HandlerOptions, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ServerName == "" {
		opts.ServerName = "mcpgate"
	}
	if opts.SSEKeepalive <= 0 {
		opts.SSEKeepalive = 25 * time.Second
	}
	if opts.SSERetry <= 0 {
		opts.SSERetry = 3 * time.Second
	}
	logger = logger.Named("mcp")
	return &Handler{
		sessions: NewSessionStore(logger),
		caps:     caps,
		access:   access,
		auth:     auth,
		opts:     opts,
		logger:   logger,
	}
}

// Sessions exposes the live session store.
func (h *Handler) Sessions() *SessionStore {
	return h.sessions
}

// Mount registers the MCP endpoint.
func (h *Handler) Mount(r chi.Router) {
	r.Post(MCPPath, h.handlePost)
	r.Get(MCPPath, h.handleGet)
	r.Delete(MCPPath, h.handleDelete)
}

// Run expires idle sessions until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	if h.opts.SessionIdleTimeout <= 0 {
		return
	}
	interval := h.opts.SessionIdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sessions.ExpireIdle(h.opts.SessionIdleTimeout)
		}
	}
}

// authenticate returns the client id behind the bearer token or writes a
// 401 carrying the protected resource metadata location.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	raw = strings.TrimSpace(raw)
	if ok && raw != "" {
		clientID, err := h.auth.ValidateAccessToken(raw)
		if err == nil {
			return clientID, true
		}
		h.logger.Debug("Bearer token rejected", zap.Error(err))
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata=%q`, h.auth.ResourceMetadataURL()))
	writeRPC(w, http.StatusUnauthorized, errorResponse(nil, gwerr.CodeUnauthorized, "Unauthorized"))
	return "", false
}

// session loads the session named by the request header. Missing headers
// are a 400, unknown ids a 404.
func (h *Handler) session(w http.ResponseWriter, r *http.Request, clientID string, id json.RawMessage) (*Session, bool) {
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		writeRPC(w, http.StatusBadRequest, errorResponse(id, gwerr.CodeInvalidRequest, "Missing "+headerSessionID+" header"))
		return nil, false
	}
	sess, err := h.sessions.Get(sid, clientID)
	if err != nil {
		writeRPC(w, http.StatusNotFound, errorResponse(id, gwerr.CodeSessionNotFound, "Session not found"))
		return nil, false
	}
	if pv := r.Header.Get(headerProtocolVersion); pv != "" && pv != sess.ProtocolVersion {
		writeRPC(w, http.StatusBadRequest, errorResponse(id, gwerr.CodeInvalidRequest, "Unsupported protocol version: "+pv))
		return nil, false
	}
	return sess, true
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	ctx := reqcontext.WithClientID(r.Context(), clientID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeRPC(w, http.StatusBadRequest, errorResponse(nil, gwerr.CodeParseError, "Parse error"))
		return
	}
	msg, rpcErr := decodeMessage(body)
	if rpcErr != nil {
		writeRPC(w, http.StatusBadRequest, rpcErr)
		return
	}

	if msg.Method == string(mcp.MethodInitialize) {
		h.initialize(w, r.WithContext(ctx), clientID, msg)
		return
	}

	sess, ok := h.session(w, r, clientID, msg.ID)
	if !ok {
		return
	}
	sess.touch(time.Now())
	ctx = reqcontext.WithSessionID(ctx, sess.ID)
	w.Header().Set(headerSessionID, sess.ID)

	if msg.isNotification() {
		h.notification(sess, msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	reqCtx, release := sess.track(ctx, requestKey(msg.ID))
	defer release()
	resp := h.dispatch(reqCtx, sess, msg)
	writeRPC(w, http.StatusOK, resp)
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request, clientID string, msg *rpcMessage) {
	if msg.isNotification() {
		writeRPC(w, http.StatusBadRequest, errorResponse(nil, gwerr.CodeInvalidRequest, "initialize must be a request"))
		return
	}
	var params struct {
		ProtocolVersion string             `json:"protocolVersion"`
		ClientInfo      mcp.Implementation `json:"clientInfo"`
	}
	if err := decodeParams(msg.Params, &params); err != nil {
		writeRPC(w, http.StatusBadRequest, errorResponse(msg.ID, gwerr.CodeInvalidParams, "Invalid params"))
		return
	}

	spaceID, err := h.access.ResolveSession(clientID)
	if err != nil {
		h.logger.Info("Session refused",
			zap.String("client_id", clientID),
			zap.String("client_name", params.ClientInfo.Name),
			zap.Error(err))
		status, code, text := http.StatusInternalServerError, gwerr.CodeInternalError, "Internal error"
		if gwerr.KindOf(err) == gwerr.KindPermission {
			status, code, text = http.StatusForbidden, gwerr.CodeUnauthorized, "Client approval required"
		}
		writeRPC(w, status, errorResponse(msg.ID, code, text))
		return
	}

	version := negotiateVersion(params.ProtocolVersion)
	sess := h.sessions.Create(clientID, spaceID, version, params.ClientInfo)
	if err := h.access.TouchClient(clientID, sess.CreatedAt); err != nil {
		h.logger.Debug("Failed to record client activity", zap.String("client_id", clientID), zap.Error(err))
	}

	w.Header().Set(headerSessionID, sess.ID)
	w.Header().Set(headerProtocolVersion, version)
	writeRPC(w, http.StatusOK, resultResponse(msg.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities: serverCapabilities{
			Tools:     &listChanged{ListChanged: true},
			Prompts:   &listChanged{ListChanged: true},
			Resources: &listChanged{ListChanged: true},
		},
		ServerInfo:   mcp.Implementation{Name: h.opts.ServerName, Version: h.opts.ServerVersion},
		Instructions: h.opts.Instructions,
	}))
}

// negotiateVersion echoes the client's version when supported and falls
// back to the latest otherwise.
func negotiateVersion(requested string) string {
	if slices.Contains(supportedProtocolVersions, requested) {
		return requested
	}
	return mcp.LATEST_PROTOCOL_VERSION
}

func (h *Handler) notification(sess *Session, msg *rpcMessage) {
	switch msg.Method {
	case "notifications/initialized":
		sess.markActive()
	case "notifications/cancelled":
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason"`
		}
		if err := decodeParams(msg.Params, &params); err != nil || len(params.RequestID) == 0 {
			return
		}
		if sess.cancelRequest(requestKey(params.RequestID)) {
			h.logger.Debug("Request cancelled by client",
				zap.String("session_id", sess.ID),
				zap.String("request_id", requestKey(params.RequestID)),
				zap.String("reason", params.Reason))
		}
	default:
		h.logger.Debug("Ignoring notification", zap.String("method", msg.Method))
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *Session, msg *rpcMessage) *rpcResponse {
	switch msg.Method {
	case string(mcp.MethodPing):
		return resultResponse(msg.ID, struct{}{})
	case string(mcp.MethodToolsList):
		return resultResponse(msg.ID, mcp.ListToolsResult{Tools: h.caps.EffectiveCapabilities(sess.ClientID, sess.SpaceID).Tools})
	case string(mcp.MethodPromptsList):
		return resultResponse(msg.ID, mcp.ListPromptsResult{Prompts: h.caps.EffectiveCapabilities(sess.ClientID, sess.SpaceID).Prompts})
	case string(mcp.MethodResourcesList):
		return resultResponse(msg.ID, mcp.ListResourcesResult{Resources: h.caps.EffectiveCapabilities(sess.ClientID, sess.SpaceID).Resources})
	case string(mcp.MethodResourcesTemplatesList):
		// Templates are not aggregated: grants name concrete resource URIs.
		return resultResponse(msg.ID, mcp.ListResourceTemplatesResult{ResourceTemplates: []mcp.ResourceTemplate{}})
	case string(mcp.MethodToolsCall):
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := decodeParams(msg.Params, &params); err != nil || params.Name == "" {
			return errorResponse(msg.ID, gwerr.CodeInvalidParams, "Invalid params")
		}
		return h.invoke(ctx, sess, msg.ID, contracts.FeatureTool, params.Name, params.Arguments)
	case string(mcp.MethodPromptsGet):
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := decodeParams(msg.Params, &params); err != nil || params.Name == "" {
			return errorResponse(msg.ID, gwerr.CodeInvalidParams, "Invalid params")
		}
		var args map[string]any
		if len(params.Arguments) > 0 {
			args = make(map[string]any, len(params.Arguments))
			for k, v := range params.Arguments {
				args[k] = v
			}
		}
		return h.invoke(ctx, sess, msg.ID, contracts.FeaturePrompt, params.Name, args)
	case string(mcp.MethodResourcesRead):
		var params struct {
			URI string `json:"uri"`
		}
		if err := decodeParams(msg.Params, &params); err != nil || params.URI == "" {
			return errorResponse(msg.ID, gwerr.CodeInvalidParams, "Invalid params")
		}
		return h.invoke(ctx, sess, msg.ID, contracts.FeatureResource, params.URI, nil)
	default:
		return errorResponse(msg.ID, gwerr.CodeMethodNotFound, "Method not found: "+msg.Method)
	}
}

func (h *Handler) invoke(ctx context.Context, sess *Session, id json.RawMessage, kind contracts.FeatureKind, name string, args map[string]any) *rpcResponse {
	res, err := h.caps.Invoke(ctx, sess.ClientID, sess.SpaceID, kind, name, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			h.logger.Debug("Request aborted", zap.String("session_id", sess.ID), zap.String("name", name))
		}
		return errResponse(id, err)
	}
	if res == nil {
		res = struct{}{}
	}
	return resultResponse(id, res)
}

// handleGet opens the session's notification stream.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		http.Error(w, "accept must allow text/event-stream", http.StatusNotAcceptable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sess, ok := h.session(w, r, clientID, nil)
	if !ok {
		return
	}
	if !sess.openStream() {
		http.Error(w, "notification stream already open for this session", http.StatusConflict)
		return
	}
	defer sess.closeStream()

	watcher := h.caps.Watch(sess.ID, sess.ClientID, sess.SpaceID)
	defer watcher.Close()

	w.Header().Set(headerSessionID, sess.ID)
	w.Header().Set(headerProtocolVersion, sess.ProtocolVersion)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, f: flusher}
	if err := sw.retry(h.opts.SSERetry); err != nil {
		return
	}
	h.logger.Debug("Notification stream opened", zap.String("session_id", sess.ID))

	keepalive := time.NewTicker(h.opts.SSEKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.ctx.Done():
			return
		case <-keepalive.C:
			if err := sw.comment("ping"); err != nil {
				return
			}
		case n, ok := <-watcher.C:
			if !ok {
				return
			}
			data, err := json.Marshal(rpcNotification{JSONRPC: jsonrpcVersion, Method: n.Method})
			if err != nil {
				h.logger.Error("Failed to encode notification", zap.Error(err))
				continue
			}
			if err := sw.event(ulid.Make().String(), data); err != nil {
				h.logger.Debug("Notification stream closed", zap.String("session_id", sess.ID), zap.Error(err))
				return
			}
			sess.touch(time.Now())
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	sess, ok := h.session(w, r, clientID, nil)
	if !ok {
		return
	}
	h.sessions.Terminate(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

type listChanged struct {
	ListChanged bool `json:"listChanged"`
}

type serverCapabilities struct {
	Tools     *listChanged `json:"tools,omitempty"`
	Prompts   *listChanged `json:"prompts,omitempty"`
	Resources *listChanged `json:"resources,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// requestKey normalizes a JSON-RPC id for in-flight bookkeeping.
func requestKey(id json.RawMessage) string {
	return strings.TrimSpace(string(id))
}

func writeRPC(w http.ResponseWriter, status int, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// sseWriter frames server-sent events.
type sseWriter struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func (s *sseWriter) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) retry(d time.Duration) error {
	return s.write(fmt.Sprintf("retry: %d\n\n", d.Milliseconds()))
}

func (s *sseWriter) comment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *sseWriter) event(id string, data []byte) error {
	return s.write(fmt.Sprintf("id: %s\nevent: message\ndata: %s\n\n", id, data))
}
