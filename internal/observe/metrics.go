// Package observe provides application-wide observability primitives for
// Verdure: OpenTelemetry metrics, tracing helpers, and the provider setup
// that bridges metrics to Prometheus.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via a standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Verdure metrics.
const meterName = "github.com/verdureai/verdure"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks time from dial to accepted server hello.
	HandshakeDuration metric.Float64Histogram

	// MCPRequestDuration tracks outbound MCP request round-trip latency.
	MCPRequestDuration metric.Float64Histogram

	// ToolExecutionDuration tracks local device tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts audio frames moved through the pipeline. Use with:
	//   attribute.String("direction", "capture"|"playback")
	AudioFrames metric.Int64Counter

	// AudioFramesDropped counts frames discarded under backpressure. Use with:
	//   attribute.String("path", ...)
	AudioFramesDropped metric.Int64Counter

	// Reconnects counts transport reconnection attempts. Use with:
	//   attribute.String("status", "success"|"failure")
	Reconnects metric.Int64Counter

	// StateTransitions counts conversation state changes. Use with:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("trigger", ...)
	StateTransitions metric.Int64Counter

	// KeywordDetections counts wake-phrase hits. Use with:
	//   attribute.String("keyword", ...), attribute.String("model", ...)
	KeywordDetections metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Use with:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Interrupts counts delivered interrupts. Use with:
	//   attribute.String("source", ...)
	Interrupts metric.Int64Counter

	// --- Gauges ---

	// PendingMCPRequests tracks in-flight outbound MCP requests.
	PendingMCPRequests metric.Int64UpDownCounter

	// CaptureSubscribers tracks live capture hub subscriptions.
	CaptureSubscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("verdure.transport.handshake.duration",
		metric.WithDescription("Time from dial to accepted server hello."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MCPRequestDuration, err = m.Float64Histogram("verdure.mcp.request.duration",
		metric.WithDescription("Outbound MCP request round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("verdure.tool_execution.duration",
		metric.WithDescription("Local device tool execution latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("verdure.audio.frames",
		metric.WithDescription("Audio frames moved through the pipeline by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesDropped, err = m.Int64Counter("verdure.audio.frames_dropped",
		metric.WithDescription("Audio frames discarded under backpressure by path."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("verdure.transport.reconnects",
		metric.WithDescription("Transport reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("verdure.conversation.transitions",
		metric.WithDescription("Conversation state changes by from, to, and trigger."),
	); err != nil {
		return nil, err
	}
	if met.KeywordDetections, err = m.Int64Counter("verdure.keyword.detections",
		metric.WithDescription("Wake-phrase detections by keyword and model."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("verdure.mcp.tool.calls",
		metric.WithDescription("MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("verdure.interrupts",
		metric.WithDescription("Delivered interrupts by source."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PendingMCPRequests, err = m.Int64UpDownCounter("verdure.mcp.pending_requests",
		metric.WithDescription("In-flight outbound MCP requests."),
	); err != nil {
		return nil, err
	}
	if met.CaptureSubscribers, err = m.Int64UpDownCounter("verdure.audio.capture_subscribers",
		metric.WithDescription("Live capture hub subscriptions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetricsMu sync.Mutex
	defaultMetrics   *Metrics
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsMu.Lock()
	defer defaultMetricsMu.Unlock()
	if defaultMetrics == nil {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
		defaultMetrics = m
	}
	return defaultMetrics
}

// SetDefaultMetrics replaces the package-level instance and returns the
// previous one. Tests use it with a ManualReader-backed [Metrics] to inspect
// what instrumented packages record; restore the returned instance when done.
func SetDefaultMetrics(m *Metrics) *Metrics {
	defaultMetricsMu.Lock()
	defer defaultMetricsMu.Unlock()
	prev := defaultMetrics
	defaultMetrics = m
	return prev
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStateTransition records one conversation state change with the
// standard attribute set.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to, trigger string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("trigger", trigger),
		),
	)
}

// RecordToolCall records one MCP tool invocation with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordKeywordDetection records one wake-phrase hit with the standard
// attribute set.
func (m *Metrics) RecordKeywordDetection(ctx context.Context, keyword, model string) {
	m.KeywordDetections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("keyword", keyword),
			attribute.String("model", model),
		),
	)
}

// RecordReconnect records one reconnection attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
