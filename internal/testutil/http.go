package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RPCResponse is a decoded JSON-RPC response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MCPClient speaks the gateway's streamable HTTP protocol in tests.
type MCPClient struct {
	client    *http.Client
	endpoint  string
	Token     string
	SessionID string
	nextID    atomic.Int64
}

// NewMCPClient creates a client for the /mcp endpoint at endpoint.
func NewMCPClient(endpoint, token string) *MCPClient {
	return &MCPClient{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: strings.TrimRight(endpoint, "/"),
		Token:    token,
	}
}

// Do sends one raw body and returns the HTTP response.
func (c *MCPClient) Do(method string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(method, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.SessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.SessionID)
	}
	return c.client.Do(req)
}

// Call sends a request and decodes the JSON-RPC response. The HTTP status
// is returned alongside.
func (c *MCPClient) Call(method string, params any) (*RPCResponse, int, error) {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
	}
	if params != nil {
		msg["params"] = params
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.Do(http.MethodPost, body)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.SessionID = sid
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if len(raw) == 0 {
		return nil, resp.StatusCode, nil
	}
	var out RPCResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("invalid JSON-RPC response %q: %w", string(raw), err)
	}
	return &out, resp.StatusCode, nil
}

// Initialize performs initialize and notifications/initialized.
func (c *MCPClient) Initialize() (*RPCResponse, error) {
	resp, status, err := c.Call("initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "testutil", "version": "0"},
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || resp == nil || resp.Error != nil {
		return resp, fmt.Errorf("initialize failed: status %d", status)
	}
	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})
	hr, err := c.Do(http.MethodPost, body)
	if err != nil {
		return nil, err
	}
	hr.Body.Close()
	return resp, nil
}

// ToolNames extracts tool names from a tools/list result.
func ToolNames(resp *RPCResponse) []string {
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if resp == nil || json.Unmarshal(resp.Result, &res) != nil {
		return nil
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	return names
}
