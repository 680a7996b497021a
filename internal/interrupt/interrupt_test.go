package interrupt

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/verdureai/verdure/internal/conversation"
	"github.com/verdureai/verdure/internal/observe"
)

type call struct {
	trigger conversation.Trigger
	reason  string
}

// fakeMachine records dispatches. When entered/gate are set, Dispatch
// announces itself on entered and then blocks until gate is serviced,
// letting tests hold the merge loop mid-delivery.
type fakeMachine struct {
	entered chan struct{}
	gate    chan struct{}

	mu    sync.Mutex
	state conversation.DeviceState
	calls []call
}

func (m *fakeMachine) Dispatch(trigger conversation.Trigger, reason string) {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{trigger: trigger, reason: reason})
}

func (m *fakeMachine) State() conversation.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeMachine) recorded() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call, len(m.calls))
	copy(out, m.calls)
	return out
}

type fakeFlusher struct {
	mu      sync.Mutex
	flushes int
}

func (f *fakeFlusher) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func (f *fakeFlusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

func waitCalls(t *testing.T, m *fakeMachine, n int) []call {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if calls := m.recorded(); len(calls) >= n {
			return calls
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d dispatches, got %d", n, len(m.recorded()))
	return nil
}

func TestCoordinator_NetworkMapsToServerDisconnected(t *testing.T) {
	t.Parallel()

	fm := &fakeMachine{state: conversation.StateListening}
	c := NewCoordinator(fm, nil)
	defer c.Close()

	c.RaiseNetwork("read timeout")
	calls := waitCalls(t, fm, 1)
	want := call{trigger: conversation.TriggerServerDisconnected, reason: "read timeout"}
	if calls[0] != want {
		t.Fatalf("dispatch = %+v, want %+v", calls[0], want)
	}
}

func TestCoordinator_UserInterruptFlushesPlaybackWhileSpeaking(t *testing.T) {
	t.Parallel()

	fm := &fakeMachine{state: conversation.StateSpeaking}
	fl := &fakeFlusher{}
	c := NewCoordinator(fm, fl)
	defer c.Close()

	c.RaiseUser("keypress")
	calls := waitCalls(t, fm, 1)
	if calls[0].trigger != conversation.TriggerUserInterrupt {
		t.Fatalf("trigger = %v, want TriggerUserInterrupt", calls[0].trigger)
	}
	if fl.count() != 1 {
		t.Fatalf("flushes = %d, want 1", fl.count())
	}
}

func TestCoordinator_VoiceInterruptFlushesPlaybackWhileSpeaking(t *testing.T) {
	t.Parallel()

	fm := &fakeMachine{state: conversation.StateSpeaking}
	fl := &fakeFlusher{}
	c := NewCoordinator(fm, fl)
	defer c.Close()

	c.RaiseVoice("vad")
	calls := waitCalls(t, fm, 1)
	if calls[0].trigger != conversation.TriggerUserInterrupt {
		t.Fatalf("trigger = %v, want TriggerUserInterrupt", calls[0].trigger)
	}
	if fl.count() != 1 {
		t.Fatalf("flushes = %d, want 1", fl.count())
	}
}

func TestCoordinator_UserInterruptOutsideSpeakingDoesNotFlush(t *testing.T) {
	t.Parallel()

	fm := &fakeMachine{state: conversation.StateListening}
	fl := &fakeFlusher{}
	c := NewCoordinator(fm, fl)
	defer c.Close()

	c.RaiseUser("keypress")
	waitCalls(t, fm, 1)
	if fl.count() != 0 {
		t.Fatalf("flushes = %d, want 0 outside Speaking", fl.count())
	}
}

func TestCoordinator_KeywordFlushesPlaybackWhileSpeaking(t *testing.T) {
	t.Parallel()

	fm := &fakeMachine{state: conversation.StateSpeaking}
	fl := &fakeFlusher{}
	c := NewCoordinator(fm, fl)
	defer c.Close()

	c.RaiseKeyword("hey verdure")
	calls := waitCalls(t, fm, 1)
	if calls[0].trigger != conversation.TriggerKeywordDetected {
		t.Fatalf("trigger = %v, want TriggerKeywordDetected", calls[0].trigger)
	}
	if fl.count() != 1 {
		t.Fatalf("flushes = %d, want 1 for a barge-in while speaking", fl.count())
	}
}

func TestCoordinator_KeywordOutsideSpeakingDoesNotFlush(t *testing.T) {
	t.Parallel()

	fm := &fakeMachine{state: conversation.StateListening}
	fl := &fakeFlusher{}
	c := NewCoordinator(fm, fl)
	defer c.Close()

	c.RaiseKeyword("hey verdure")
	waitCalls(t, fm, 1)
	if fl.count() != 0 {
		t.Fatalf("flushes = %d, want 0 outside Speaking", fl.count())
	}
}

func TestCoordinator_HigherPrioritySourcesDrainFirst(t *testing.T) {
	t.Parallel()

	fm := &fakeMachine{
		state:   conversation.StateSpeaking,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	c := NewCoordinator(fm, nil)
	defer c.Close()

	// Hold the loop inside the keyword delivery, then pile up the other
	// sources so the cascade has to order them.
	c.RaiseKeyword("k")
	<-fm.entered
	c.RaiseVoice("v")
	c.RaiseUser("u")
	c.RaiseNetwork("n")
	fm.gate <- struct{}{}

	for i := 0; i < 3; i++ {
		<-fm.entered
		fm.gate <- struct{}{}
	}

	got := waitCalls(t, fm, 4)
	want := []call{
		{conversation.TriggerKeywordDetected, "k"},
		{conversation.TriggerServerDisconnected, "n"},
		{conversation.TriggerUserInterrupt, "u"},
		{conversation.TriggerUserInterrupt, "v"},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch %d = %+v, want %+v (full order %+v)", i, got[i], want[i], got)
		}
	}
}

func TestCoordinator_DeliveryCountsInterruptsBySource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	prev := observe.SetDefaultMetrics(m)
	t.Cleanup(func() {
		observe.SetDefaultMetrics(prev)
		_ = mp.Shutdown(context.Background())
	})

	fm := &fakeMachine{state: conversation.StateListening}
	c := NewCoordinator(fm, nil)
	defer c.Close()

	c.RaiseUser("keypress")
	waitCalls(t, fm, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "verdure.interrupts" {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
				t.Fatalf("interrupt counter = %+v, want one data point of 1", sum.DataPoints)
			}
			if v, ok := sum.DataPoints[0].Attributes.Value("source"); !ok || v.AsString() != "user" {
				t.Fatalf("source attribute = %v, want user", v)
			}
			return
		}
	}
	t.Fatal("verdure.interrupts not recorded")
}

func TestCoordinator_RaiseAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	fm := &fakeMachine{state: conversation.StateIdle}
	c := NewCoordinator(fm, nil)
	c.Close()

	c.RaiseUser("late")
	time.Sleep(20 * time.Millisecond)
	if n := len(fm.recorded()); n != 0 {
		t.Fatalf("dispatches after close = %d, want 0", n)
	}
}
