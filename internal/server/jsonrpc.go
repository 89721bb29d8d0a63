package server

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
)

const jsonrpcVersion = "2.0"

var errBatch = errors.New("batch requests are not supported")

// rpcMessage is an incoming JSON-RPC request or notification.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports a message without an id.
func (m *rpcMessage) isNotification() bool {
	return len(m.ID) == 0
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

var nullID = json.RawMessage("null")

func resultResponse(id json.RawMessage, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, msg string) *rpcResponse {
	if len(id) == 0 {
		id = nullID
	}
	return &rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: msg}}
}

// errResponse maps err through the gateway error taxonomy; raw messages of
// internal errors never reach the client.
func errResponse(id json.RawMessage, err error) *rpcResponse {
	code, msg := gwerr.JSONRPCCode(err)
	return errorResponse(id, code, msg)
}

// decodeMessage parses one JSON-RPC message. Batches are refused.
func decodeMessage(body []byte) (*rpcMessage, *rpcResponse) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, errorResponse(nil, gwerr.CodeInvalidRequest, errBatch.Error())
	}
	var msg rpcMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, errorResponse(nil, gwerr.CodeParseError, "Parse error")
	}
	if msg.JSONRPC != jsonrpcVersion || msg.Method == "" {
		return nil, errorResponse(msg.ID, gwerr.CodeInvalidRequest, "Invalid request")
	}
	return &msg, nil
}

// decodeParams unmarshals params into v; absent params leave v untouched.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
