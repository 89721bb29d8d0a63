package gwerr

import "errors"

// JSON-RPC error codes returned to downstream clients.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeUnauthorized       = -32001
	CodeSessionNotFound    = -32002
	CodeBackendUnavailable = -32003
)

// JSONRPCCode maps err to a stable JSON-RPC code and a client-safe message.
// Permission failures are reported exactly like unknown features.
func JSONRPCCode(err error) (int, string) {
	var msg string
	var ge *Error
	if errors.As(err, &ge) {
		msg = ge.Msg
	}
	switch KindOf(err) {
	case KindAuth:
		return CodeUnauthorized, "Unauthorized"
	case KindPermission, KindNotFound:
		return CodeInvalidParams, "Unknown feature"
	case KindInvalid:
		if msg == "" {
			msg = "Invalid params"
		}
		return CodeInvalidParams, msg
	case KindBackendUnavailable:
		return CodeBackendUnavailable, "Backend unavailable"
	case KindConnection:
		return CodeBackendUnavailable, "Backend connection error"
	default:
		return CodeInternalError, "Internal error"
	}
}
