// Package rpc implements the JSON-RPC 2.0 protocol spoken over the
// persistent transports. A Dispatcher owns a method table built from API
// definitions; each transport feeds it raw payloads and relays the
// encoded responses.
package rpc

import (
	"encoding/json"
)

// JSON-RPC error codes. Declared faults pass their HTTP-style status code
// through as the RPC error code instead.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -31000
)

const version = "2.0"

// request is an incoming JSON-RPC request or notification.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// isNotification reports whether the request carries no usable id. An
// explicit null id is treated the same as an absent one.
func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Error is the wire error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type successResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result"`
	ID      json.RawMessage `json:"id"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func marshalResult(result any, id json.RawMessage) json.RawMessage {
	data, err := json.Marshal(&successResponse{JSONRPC: version, Result: result, ID: id})
	if err != nil {
		return marshalError(CodeServerError, "Failed to encode result: "+err.Error(), id)
	}
	return data
}

func marshalError(code int, message string, id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	data, _ := json.Marshal(&errorResponse{
		JSONRPC: version,
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
	return data
}

// notification is an outbound server-initiated message.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// MarshalNotification encodes a server-to-client notification. Following
// convention, a non-nil payload is wrapped in a single-element params
// array.
func MarshalNotification(method string, payload any) ([]byte, error) {
	n := &notification{JSONRPC: version, Method: method}
	if payload != nil {
		n.Params = []any{payload}
	}
	return json.Marshal(n)
}
