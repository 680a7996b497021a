package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/verdureai/verdure/internal/observe"
)

// defaultRequestTimeout bounds every outbound request. A request that has
// not been answered in time is rejected and removed from the pending map;
// the connection stays up.
const defaultRequestTimeout = 10 * time.Second

// Sender transmits one JSON-RPC payload wrapped in an mcp envelope.
type Sender func(payload json.RawMessage) error

// Engine speaks JSON-RPC 2.0 in both directions over the assistant protocol:
// as a client toward the server's tools and as a server for the local device
// tools in its [Registry].
//
// Outbound requests are assigned monotonically increasing integer ids
// starting at 1 and correlated with responses through a pending map;
// responses may arrive in any order. Errors in responses are preserved as
// [*RPCError] values and never take the engine down.
type Engine struct {
	send     Sender
	registry *Registry
	metrics  *observe.Metrics

	clientInfo *mcpsdk.Implementation
	timeout    time.Duration

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcMessage

	initialized atomic.Bool

	toolsMu     sync.RWMutex
	serverTools []*mcpsdk.Tool
}

// EngineOption is a functional option for configuring an [Engine].
type EngineOption func(*Engine)

// WithRequestTimeout overrides the per-request timeout. Default: 10s.
func WithRequestTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClientInfo sets the implementation info announced in both initialize
// directions.
func WithClientInfo(name, version string) EngineOption {
	return func(e *Engine) {
		e.clientInfo = &mcpsdk.Implementation{Name: name, Version: version}
	}
}

// NewEngine creates an engine that transmits through send and serves local
// tools from registry.
func NewEngine(send Sender, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		send:       send,
		registry:   registry,
		metrics:    observe.DefaultMetrics(),
		clientInfo: &mcpsdk.Implementation{Name: "verdure", Version: "1.0.0"},
		timeout:    defaultRequestTimeout,
		pending:    make(map[int64]chan *rpcMessage),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Initialize performs the client-side initialize exchange and mirrors the
// server's tool catalogue. Call it only after the server's hello announced
// MCP support; tool calls before Initialize returns are rejected.
func (e *Engine) Initialize(ctx context.Context) error {
	params := &mcpsdk.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    &mcpsdk.ClientCapabilities{},
		ClientInfo:      e.clientInfo,
	}
	raw, err := e.call(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("mcp: initialize: %w", err)
	}

	var result mcpsdk.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("mcp: parse initialize result: %w", err)
	}
	e.initialized.Store(true)
	slog.Info("mcp: initialized",
		"protocol_version", result.ProtocolVersion,
	)

	if err := e.refreshServerTools(ctx); err != nil {
		return err
	}
	return nil
}

// Initialized reports whether the initialize exchange has completed.
func (e *Engine) Initialized() bool { return e.initialized.Load() }

// refreshServerTools mirrors the server's tools/list into the local cache.
func (e *Engine) refreshServerTools(ctx context.Context) error {
	raw, err := e.call(ctx, methodToolsList, struct{}{})
	if err != nil {
		return fmt.Errorf("mcp: list server tools: %w", err)
	}
	var result mcpsdk.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("mcp: parse tools/list result: %w", err)
	}

	e.toolsMu.Lock()
	e.serverTools = result.Tools
	e.toolsMu.Unlock()
	slog.Debug("mcp: server tool catalogue mirrored", "tools", len(result.Tools))
	return nil
}

// ServerTools returns the mirrored catalogue of tools the server exposes.
func (e *Engine) ServerTools() []*mcpsdk.Tool {
	e.toolsMu.RLock()
	defer e.toolsMu.RUnlock()
	out := make([]*mcpsdk.Tool, len(e.serverTools))
	copy(out, e.serverTools)
	return out
}

// CallServerTool invokes one of the server's tools. It fails immediately if
// the initialize exchange has not completed.
func (e *Engine) CallServerTool(ctx context.Context, name string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	if !e.initialized.Load() {
		return nil, fmt.Errorf("mcp: tools/call %q before initialize completed", name)
	}

	raw, err := e.call(ctx, methodToolsCall, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: call server tool %q: %w", name, err)
	}
	var result mcpsdk.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse tools/call result: %w", err)
	}
	return &result, nil
}

// PendingCount returns the number of unanswered outbound requests.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Reset drops the initialized flag and rejects every pending request; used
// when the connection is lost.
func (e *Engine) Reset() {
	e.initialized.Store(false)
	e.toolsMu.Lock()
	e.serverTools = nil
	e.toolsMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.pending {
		select {
		case ch <- &rpcMessage{Error: &RPCError{Code: codeInternalError, Message: "connection lost"}}:
		default:
		}
		delete(e.pending, id)
	}
}

// call sends one request and suspends the caller until its response, the
// timeout, or ctx cancellation.
func (e *Engine) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	ch := make(chan *rpcMessage, 1)
	e.pending[id] = ch
	e.mu.Unlock()
	e.metrics.PendingMCPRequests.Add(ctx, 1)

	start := time.Now()
	record := func(status string) {
		e.metrics.PendingMCPRequests.Add(ctx, -1)
		e.metrics.MCPRequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("status", status),
			))
	}

	req, err := newRequest(id, method, params)
	if err != nil {
		e.removePending(id)
		record("error")
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		e.removePending(id)
		record("error")
		return nil, fmt.Errorf("mcp: marshal %s request: %w", method, err)
	}
	if err := e.send(data); err != nil {
		e.removePending(id)
		record("error")
		return nil, fmt.Errorf("mcp: send %s request: %w", method, err)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			record("error")
			return nil, resp.Error
		}
		record("success")
		return resp.Result, nil
	case <-timer.C:
		e.removePending(id)
		record("timeout")
		return nil, fmt.Errorf("mcp: %s request %d timed out after %s", method, id, e.timeout)
	case <-ctx.Done():
		e.removePending(id)
		record("cancelled")
		return nil, ctx.Err()
	}
}

func (e *Engine) removePending(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, id)
}

// HandleMessage processes one inbound JSON-RPC payload from the transport
// dispatcher. Malformed payloads are logged and dropped; they never close
// the connection.
func (e *Engine) HandleMessage(ctx context.Context, payload json.RawMessage) {
	var msg rpcMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("mcp: dropping malformed payload", "error", err)
		return
	}
	if msg.Jsonrpc != JSONRPCVersion {
		slog.Warn("mcp: dropping payload with bad jsonrpc version", "version", msg.Jsonrpc)
		return
	}

	switch {
	case msg.isNotification():
		slog.Debug("mcp: notification received", "method", msg.Method)
	case msg.isRequest():
		// Tool handlers may block; keep the transport dispatcher free.
		go e.handleRequest(ctx, &msg)
	default:
		e.handleResponse(&msg)
	}
}

// handleResponse resolves the pending request matching the response id.
func (e *Engine) handleResponse(msg *rpcMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		slog.Warn("mcp: dropping response with non-integer id", "id", string(msg.ID))
		return
	}

	e.mu.Lock()
	ch, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()

	if !ok {
		slog.Debug("mcp: dropping response for unknown or expired request", "id", id)
		return
	}
	ch <- msg
}

// handleRequest dispatches one inbound request in the server role.
func (e *Engine) handleRequest(ctx context.Context, msg *rpcMessage) {
	switch msg.Method {
	case methodInitialize:
		result := &mcpsdk.InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    &mcpsdk.ServerCapabilities{Tools: &mcpsdk.ToolCapabilities{}},
			ServerInfo:      e.clientInfo,
		}
		e.reply(msg.ID, result)

	case methodToolsList:
		e.reply(msg.ID, &mcpsdk.ListToolsResult{Tools: e.registry.Tools()})

	case methodToolsCall:
		e.handleToolsCall(ctx, msg)

	default:
		slog.Warn("mcp: unknown method requested", "method", msg.Method)
		e.replyError(msg.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", msg.Method))
	}
}

// handleToolsCall validates and executes one local tool call.
func (e *Engine) handleToolsCall(ctx context.Context, msg *rpcMessage) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		e.replyError(msg.ID, codeInvalidParams, fmt.Sprintf("invalid tools/call params: %v", err))
		return
	}

	text, err := e.registry.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			e.replyError(msg.ID, rpcErr.Code, rpcErr.Message)
			return
		}
		e.replyError(msg.ID, codeInternalError, err.Error())
		return
	}

	// Local wire shape: the SDK struct omits isError when false, but the
	// server expects the field to always be present.
	e.reply(msg.ID, &struct {
		Content []mcpsdk.Content `json:"content"`
		IsError bool             `json:"isError"`
	}{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	})
}

// reply sends a success response.
func (e *Engine) reply(id json.RawMessage, result any) {
	resp, err := newResponse(id, result)
	if err != nil {
		slog.Error("mcp: building response failed", "error", err)
		e.replyError(id, codeInternalError, "internal error")
		return
	}
	e.transmit(resp)
}

// replyError sends an error response.
func (e *Engine) replyError(id json.RawMessage, code int, message string) {
	e.transmit(newErrorResponse(id, code, message))
}

func (e *Engine) transmit(msg *rpcMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("mcp: marshal response failed", "error", err)
		return
	}
	if err := e.send(data); err != nil {
		slog.Warn("mcp: send response failed", "error", err)
	}
}
