// Package testutil provides in-process fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/core"
)

// FakeBackend is an in-memory MCP backend. Every Dial returns a new
// FakeSession that reads the backend's current feature lists.
type FakeBackend struct {
	Name string

	mu        sync.Mutex
	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource
	dialErr   error
	initErr   error
	callErr   error
	block     chan struct{}
	sessions  []*FakeSession
	dials     int
	lists     map[string]int
	lastSpec  core.DialSpec
}

// NewFakeBackend creates a backend advertising the given tools.
func NewFakeBackend(name string, tools ...mcp.Tool) *FakeBackend {
	return &FakeBackend{Name: name, tools: tools, lists: make(map[string]int)}
}

func (b *FakeBackend) SetTools(tools ...mcp.Tool) {
	b.mu.Lock()
	b.tools = tools
	b.mu.Unlock()
}

func (b *FakeBackend) SetPrompts(prompts ...mcp.Prompt) {
	b.mu.Lock()
	b.prompts = prompts
	b.mu.Unlock()
}

func (b *FakeBackend) SetResources(resources ...mcp.Resource) {
	b.mu.Lock()
	b.resources = resources
	b.mu.Unlock()
}

// FailDial makes subsequent dials fail with err (nil clears).
func (b *FakeBackend) FailDial(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// FailInitialize makes subsequent initialize calls fail with err (nil clears).
func (b *FakeBackend) FailInitialize(err error) {
	b.mu.Lock()
	b.initErr = err
	b.mu.Unlock()
}

// FailCalls makes tool calls fail with err (nil clears).
func (b *FakeBackend) FailCalls(err error) {
	b.mu.Lock()
	b.callErr = err
	b.mu.Unlock()
}

// BlockCalls makes tool calls wait until the returned release func is called
// or the request context ends.
func (b *FakeBackend) BlockCalls() (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.block = ch
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Dials returns how many sessions were opened.
func (b *FakeBackend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// ListCalls returns how many times method (e.g. "tools/list") was served.
func (b *FakeBackend) ListCalls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists[method]
}

// LastSpec returns the spec of the most recent dial.
func (b *FakeBackend) LastSpec() core.DialSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSpec
}

// Notify sends a notification to every open session.
func (b *FakeBackend) Notify(method string) {
	for _, s := range b.openSessions() {
		s.notify(method)
	}
}

// DropConnections reports transport loss on every open session.
func (b *FakeBackend) DropConnections(err error) {
	for _, s := range b.openSessions() {
		s.lose(err)
	}
}

// OpenSessions returns the number of sessions not yet closed.
func (b *FakeBackend) OpenSessions() int {
	return len(b.openSessions())
}

func (b *FakeBackend) openSessions() []*FakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*FakeSession
	for _, s := range b.sessions {
		if !s.isClosed() {
			out = append(out, s)
		}
	}
	return out
}

// Dial implements core.Dialer.
func (b *FakeBackend) Dial(ctx context.Context, spec core.DialSpec) (core.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	b.lastSpec = spec
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	s := &FakeSession{backend: b}
	b.sessions = append(b.sessions, s)
	return s, nil
}

// FakeSession implements core.Session against a FakeBackend.
type FakeSession struct {
	backend *FakeBackend

	mu       sync.Mutex
	onNotify func(string)
	onLost   func(error)
	closed   bool
}

func (s *FakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeSession) notify(method string) {
	s.mu.Lock()
	h := s.onNotify
	s.mu.Unlock()
	if h != nil {
		h(method)
	}
}

func (s *FakeSession) lose(err error) {
	s.mu.Lock()
	h := s.onLost
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}

var errClosed = errors.New("session closed")

func (s *FakeSession) check(ctx context.Context) error {
	if s.isClosed() {
		return errClosed
	}
	return ctx.Err()
}

func (s *FakeSession) Initialize(ctx context.Context) (*core.InitializeResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initErr != nil {
		return nil, b.initErr
	}
	return &core.InitializeResult{
		ServerName:      b.Name,
		ServerVersion:   "1.0.0",
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		HasTools:        true,
		HasPrompts:      true,
		HasResources:    true,
	}, nil
}

func (s *FakeSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists["tools/list"]++
	return append([]mcp.Tool(nil), b.tools...), nil
}

func (s *FakeSession) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists["prompts/list"]++
	return append([]mcp.Prompt(nil), b.prompts...), nil
}

func (s *FakeSession) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists["resources/list"]++
	return append([]mcp.Resource(nil), b.resources...), nil
}

// CallTool echoes "<backend>:<tool>" unless a failure or block is configured.
func (s *FakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	b := s.backend
	b.mu.Lock()
	callErr, block := b.callErr, b.block
	known := false
	for _, t := range b.tools {
		if t.Name == name {
			known = true
		}
	}
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if callErr != nil {
		return nil, callErr
	}
	if !known {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	text := fmt.Sprintf("%s:%s", b.Name, name)
	if msg, ok := args["message"].(string); ok {
		text += ":" + msg
	}
	return mcp.NewToolResultText(text), nil
}

func (s *FakeSession) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return &mcp.GetPromptResult{
		Description: s.backend.Name + ":" + name,
		Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: mcp.NewTextContent(fmt.Sprintf("%s %v", name, args)),
		}},
	}, nil
}

func (s *FakeSession) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     s.backend.Name + ":" + uri,
		}},
	}, nil
}

func (s *FakeSession) Ping(ctx context.Context) error {
	return s.check(ctx)
}

func (s *FakeSession) OnNotification(h func(method string)) {
	s.mu.Lock()
	s.onNotify = h
	s.mu.Unlock()
}

func (s *FakeSession) OnConnectionLost(h func(error)) {
	s.mu.Lock()
	s.onLost = h
	s.mu.Unlock()
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// FakeDialer routes dials to FakeBackends by alias.
type FakeDialer struct {
	mu       sync.Mutex
	backends map[string]*FakeBackend
}

// NewFakeDialer creates an empty dialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{backends: make(map[string]*FakeBackend)}
}

// Add registers b under alias.
func (d *FakeDialer) Add(alias string, b *FakeBackend) *FakeBackend {
	d.mu.Lock()
	d.backends[alias] = b
	d.mu.Unlock()
	return b
}

// Dial implements core.Dialer.
func (d *FakeDialer) Dial(ctx context.Context, spec core.DialSpec) (core.Session, error) {
	d.mu.Lock()
	b := d.backends[spec.Alias]
	d.mu.Unlock()
	if b == nil {
		return nil, fmt.Errorf("no fake backend for %q", spec.Alias)
	}
	return b.Dial(ctx, spec)
}
