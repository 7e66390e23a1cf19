package jsonrpc

import "net/http"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined codes in the JSON-RPC server error range
// (-32000..-32099). Stable across both transports.
const (
	// ErrorCodeAlreadyInitialized indicates a second initialize on a session.
	ErrorCodeAlreadyInitialized ErrorCode = -32001
	// ErrorCodeUninitialized indicates a non-initialize call before the
	// initialize handshake completed.
	ErrorCodeUninitialized ErrorCode = -32002
	// ErrorCodeInvalidProtocolVersion indicates an unsupported protocol
	// version was requested during initialize.
	ErrorCodeInvalidProtocolVersion ErrorCode = -32003
	// ErrorCodeShuttingDown indicates the session accepted a shutdown request
	// and no longer takes new work.
	ErrorCodeShuttingDown ErrorCode = -32004
)

// HTTPStatus maps a JSON-RPC error code onto the HTTP status the streaming
// transport uses for the enclosing response. The line transport has no status
// concept and conveys everything through the error object alone.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrorCodeParseError, ErrorCodeInvalidRequest, ErrorCodeInvalidParams, ErrorCodeInvalidProtocolVersion:
		return http.StatusBadRequest
	case ErrorCodeMethodNotFound:
		return http.StatusNotFound
	case ErrorCodeUninitialized:
		return http.StatusUnauthorized
	case ErrorCodeAlreadyInitialized:
		return http.StatusConflict
	case ErrorCodeShuttingDown:
		return http.StatusConflict
	case ErrorCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
