package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/verdureai/verdure/internal/observe"
)

// Handler executes one local tool call. The args map has already been
// validated against the tool's input schema.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// DeviceTool is one action a device exposes. It becomes addressable as
// self.<device>.<action>.
type DeviceTool struct {
	Action      string
	Description string
	InputSchema *jsonschema.Schema
	Handler     Handler
}

// Device is a local appliance adapter exposing tools and a status snapshot.
// State changes made by a successful tool call must show up in subsequent
// Status results.
type Device interface {
	Name() string
	Tools() []DeviceTool
	Status() map[string]any
}

// GetDeviceStatusTool is the built-in registered by every registry.
const GetDeviceStatusTool = "self.get_device_status"

type toolEntry struct {
	tool     *mcpsdk.Tool
	handler  Handler
	resolved *jsonschema.Resolved
}

// Registry holds the local tools exposed to the server. It is read-mostly:
// writes happen only during construction-time device registration, reads on
// every inbound tools/list and tools/call.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	devices map[string]Device
}

// NewRegistry creates a registry pre-populated with the
// self.get_device_status built-in.
func NewRegistry() *Registry {
	r := &Registry{
		tools:   make(map[string]toolEntry),
		devices: make(map[string]Device),
	}

	statusSchema := &jsonschema.Schema{Type: "object"}
	resolved, err := statusSchema.Resolve(nil)
	if err != nil {
		// An empty object schema always resolves; reaching this is a bug.
		panic(fmt.Sprintf("mcp: resolve builtin schema: %v", err))
	}
	r.tools[GetDeviceStatusTool] = toolEntry{
		tool: &mcpsdk.Tool{
			Name:        GetDeviceStatusTool,
			Description: "Report the current status of every registered device.",
			InputSchema: statusSchema,
		},
		handler:  r.deviceStatus,
		resolved: resolved,
	}
	return r
}

// RegisterDevice registers every tool of d under self.<device>.<action>.
// Input schemas are resolved eagerly so malformed descriptors fail at
// construction time, not on the first call.
func (r *Registry) RegisterDevice(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[d.Name()]; ok {
		return fmt.Errorf("mcp: device %q already registered", d.Name())
	}

	for _, dt := range d.Tools() {
		name := fmt.Sprintf("self.%s.%s", d.Name(), dt.Action)
		if _, ok := r.tools[name]; ok {
			return fmt.Errorf("mcp: tool %q already registered", name)
		}
		schema := dt.InputSchema
		if schema == nil {
			schema = &jsonschema.Schema{Type: "object"}
		}
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("mcp: resolve schema for %q: %w", name, err)
		}
		r.tools[name] = toolEntry{
			tool: &mcpsdk.Tool{
				Name:        name,
				Description: dt.Description,
				InputSchema: schema,
			},
			handler:  dt.Handler,
			resolved: resolved,
		}
	}

	r.devices[d.Name()] = d
	return nil
}

// Tools returns descriptors for every registered tool, sorted by name.
func (r *Registry) Tools() []*mcpsdk.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*mcpsdk.Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call validates args against the tool's input schema and invokes its
// handler. The error distinguishes unknown tools and invalid arguments from
// handler failures via [*RPCError] codes.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	metrics := observe.DefaultMetrics()
	ctx, span := observe.StartSpan(ctx, "mcp.tool_call",
		trace.WithAttributes(attribute.String("tool", name)))
	defer span.End()

	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		metrics.RecordToolCall(ctx, name, "not_found")
		return "", &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("tool %q not found", name)}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := entry.resolved.Validate(args); err != nil {
		metrics.RecordToolCall(ctx, name, "invalid_params")
		return "", &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid arguments for %q: %v", name, err)}
	}

	observe.Logger(ctx).Debug("mcp: executing tool", "tool", name)
	start := time.Now()
	text, err := entry.handler(ctx, args)
	metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("tool", name)))
	if err != nil {
		metrics.RecordToolCall(ctx, name, "error")
		return "", err
	}
	metrics.RecordToolCall(ctx, name, "success")
	return text, nil
}

// deviceStatus is the self.get_device_status handler.
func (r *Registry) deviceStatus(context.Context, map[string]any) (string, error) {
	r.mu.RLock()
	statuses := make(map[string]map[string]any, len(r.devices))
	for name, d := range r.devices {
		statuses[name] = d.Status()
	}
	r.mu.RUnlock()

	data, err := json.Marshal(statuses)
	if err != nil {
		return "", fmt.Errorf("mcp: marshal device status: %w", err)
	}
	return string(data), nil
}
