// Package mcp implements the Model Context Protocol sub-protocol carried in
// the transport's mcp envelopes. The client plays both JSON-RPC 2.0 roles at
// once: it calls tools the server exposes and serves the local device tools
// registered in [Registry].
//
// Wire types (tool descriptors, call params and results) come from the
// official MCP Go SDK; only the framing is custom because the payloads
// travel inside the assistant protocol instead of an SDK transport.
package mcp

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the literal required in every payload's jsonrpc field.
const JSONRPCVersion = "2.0"

// ProtocolVersion is announced in the initialize exchange.
const ProtocolVersion = "2024-11-05"

// Method names used by this client.
const (
	methodInitialize = "initialize"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"
)

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// rpcMessage is the superset wire shape: requests carry method (and id unless
// they are notifications); responses carry result or error plus the id they
// answer.
type rpcMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// isRequest reports whether the payload is a request or notification, as
// opposed to a response.
func (m *rpcMessage) isRequest() bool { return m.Method != "" }

// isNotification reports whether the payload is a request without an id.
func (m *rpcMessage) isNotification() bool { return m.Method != "" && len(m.ID) == 0 }

// RPCError is a JSON-RPC 2.0 error object. It is preserved verbatim when a
// response rejects a pending request.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// newRequest builds an outbound request with an integer id.
func newRequest(id int64, method string, params any) (*rpcMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s params: %w", method, err)
	}
	idRaw, _ := json.Marshal(id)
	return &rpcMessage{Jsonrpc: JSONRPCVersion, ID: idRaw, Method: method, Params: raw}, nil
}

// newResponse builds a success response echoing the request id verbatim.
func newResponse(id json.RawMessage, result any) (*rpcMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &rpcMessage{Jsonrpc: JSONRPCVersion, ID: id, Result: raw}, nil
}

// newErrorResponse builds an error response echoing the request id verbatim.
func newErrorResponse(id json.RawMessage, code int, message string) *rpcMessage {
	return &rpcMessage{
		Jsonrpc: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
