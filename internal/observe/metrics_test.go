package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"verdure.transport.handshake.duration", m.HandshakeDuration},
		{"verdure.mcp.request.duration", m.MCPRequestDuration},
		{"verdure.tool_execution.duration", m.ToolExecutionDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			found := findMetric(rm, tc.name)
			if found == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := found.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q data type = %T, want Histogram[float64]", tc.name, found.Data)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("observation count = %d, want 2", got)
			}
		})
	}
}

func TestCounterAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AudioFrames.Add(ctx, 3, metric.WithAttributes(attribute.String("direction", "capture")))
	m.AudioFrames.Add(ctx, 2, metric.WithAttributes(attribute.String("direction", "playback")))

	rm := collect(t, reader)
	found := findMetric(rm, "verdure.audio.frames")
	if found == nil {
		t.Fatal("verdure.audio.frames not found")
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T, want Sum[int64]", found.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points = %d, want 2 (one per direction)", len(sum.DataPoints))
	}

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 5 {
		t.Errorf("total frames = %d, want 5", total)
	}
}

func TestUpDownCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.PendingMCPRequests.Add(ctx, 1)
	m.PendingMCPRequests.Add(ctx, 1)
	m.PendingMCPRequests.Add(ctx, -1)

	rm := collect(t, reader)
	found := findMetric(rm, "verdure.mcp.pending_requests")
	if found == nil {
		t.Fatal("verdure.mcp.pending_requests not found")
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T, want Sum[int64]", found.Data)
	}
	if len(sum.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(sum.DataPoints))
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("pending requests = %d, want 1", got)
	}
}

func TestRecordStateTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordStateTransition(context.Background(), "idle", "connecting", "ConnectToServer")

	rm := collect(t, reader)
	found := findMetric(rm, "verdure.conversation.transitions")
	if found == nil {
		t.Fatal("verdure.conversation.transitions not found")
	}
	sum := found.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(sum.DataPoints))
	}

	dp := sum.DataPoints[0]
	for _, want := range []attribute.KeyValue{
		attribute.String("from", "idle"),
		attribute.String("to", "connecting"),
		attribute.String("trigger", "ConnectToServer"),
	} {
		if v, ok := dp.Attributes.Value(want.Key); !ok || v != want.Value {
			t.Errorf("attribute %s = %v, want %v", want.Key, v, want.Value)
		}
	}
}

func TestRecordConvenienceHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "self.lamp.turn_on", "ok")
	m.RecordKeywordDetection(ctx, "hey verdure", "tiny.en")
	m.RecordReconnect(ctx, "success")

	rm := collect(t, reader)
	for _, name := range []string{
		"verdure.mcp.tool.calls",
		"verdure.keyword.detections",
		"verdure.transport.reconnects",
	} {
		found := findMetric(rm, name)
		if found == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum := found.Data.(metricdata.Sum[int64])
		if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
			t.Errorf("metric %q not recorded exactly once", name)
		}
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Fatal("DefaultMetrics returned different instances")
	}
}
