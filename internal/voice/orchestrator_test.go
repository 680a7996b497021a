package voice_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/verdureai/verdure/internal/conversation"
	"github.com/verdureai/verdure/internal/keyword"
	"github.com/verdureai/verdure/internal/mcp"
	"github.com/verdureai/verdure/internal/protocol"
	"github.com/verdureai/verdure/internal/transport"
	"github.com/verdureai/verdure/internal/voice"
	"github.com/verdureai/verdure/pkg/audio"
	"github.com/verdureai/verdure/pkg/audio/mock"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func waitState(t *testing.T, o *voice.Orchestrator, want conversation.DeviceState) {
	t.Helper()
	if !waitFor(t, 2*time.Second, func() bool { return o.State() == want }) {
		t.Fatalf("State() = %v, want %v", o.State(), want)
	}
}

// fakeConn records outbound traffic and exposes it decoded.
type fakeConn struct {
	hello *protocol.Hello

	mu     sync.Mutex
	texts  [][]byte
	audio  int
	closed bool
}

func (c *fakeConn) SendText(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SendAudio(context.Context, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio++
	return nil
}

func (c *fakeConn) Hello() *protocol.Hello { return c.hello }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

// envelopes decodes every recorded text frame, in send order.
func (c *fakeConn) envelopes(t *testing.T) []any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, 0, len(c.texts))
	for _, data := range c.texts {
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("sent undecodable envelope %s: %v", data, err)
		}
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) countListen(t *testing.T, state string) int {
	t.Helper()
	n := 0
	for _, msg := range c.envelopes(t) {
		if l, ok := msg.(*protocol.Listen); ok && l.State == state {
			n++
		}
	}
	return n
}

func (c *fakeConn) countMcp(t *testing.T) int {
	t.Helper()
	n := 0
	for _, msg := range c.envelopes(t) {
		if _, ok := msg.(*protocol.Mcp); ok {
			n++
		}
	}
	return n
}

func (c *fakeConn) aborts(t *testing.T) []*protocol.Abort {
	t.Helper()
	var out []*protocol.Abort
	for _, msg := range c.envelopes(t) {
		if a, ok := msg.(*protocol.Abort); ok {
			out = append(out, a)
		}
	}
	return out
}

// fakeDialer hands out fakeConns and keeps the callbacks so tests can drive
// inbound traffic.
type fakeDialer struct {
	hello protocol.Hello

	mu    sync.Mutex
	conns []*fakeConn
	cbs   []transport.Callbacks
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, cb transport.Callbacks) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	hello := d.hello
	conn := &fakeConn{hello: &hello}
	d.conns = append(d.conns, conn)
	d.cbs = append(d.cbs, cb)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) cb(i int) transport.Callbacks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cbs[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// serverSends delivers one envelope as if the server had sent it.
func serverSends(t *testing.T, cb transport.Callbacks, msg any) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	cb.OnText(data)
}

func ttsMsg(state string) *protocol.Tts {
	return &protocol.Tts{Type: protocol.TypeTts, SessionID: "sess-1", State: state}
}

var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

type harness struct {
	orch   *voice.Orchestrator
	dialer *fakeDialer
	in     *mock.InputDevice
	out    *mock.OutputDevice
	hub    *audio.CaptureHub
}

func newHarness(t *testing.T, mutate func(*voice.Config)) *harness {
	t.Helper()

	dialer := &fakeDialer{hello: protocol.Hello{
		Type:      protocol.TypeHello,
		SessionID: "sess-1",
		AudioParams: &protocol.AudioParams{
			Format:     "opus",
			SampleRate: testFormat.SampleRate,
			Channels:   testFormat.Channels,
		},
	}}
	in := &mock.InputDevice{}
	out := &mock.OutputDevice{}
	hub := audio.NewCaptureHub(in)

	cfg := voice.Config{
		Dialer:   dialer,
		Hub:      hub,
		Output:   out,
		Registry: mcp.NewRegistry(),
		Format:   testFormat,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	orch, err := voice.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { orch.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := orch.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return &harness{orch: orch, dialer: dialer, in: in, out: out, hub: hub}
}

// ---- stub recognizer for spotter-driven tests ----

type stubRecognizer struct {
	mu       sync.Mutex
	onDetect func(keyword.Detection)
}

func (r *stubRecognizer) Start(onDetect func(keyword.Detection)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDetect = onDetect
	return nil
}

func (r *stubRecognizer) Feed([]byte) {}
func (r *stubRecognizer) Close() error {
	return nil
}

func (r *stubRecognizer) detect(d keyword.Detection) {
	r.mu.Lock()
	fn := r.onDetect
	r.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

type stubFactory struct {
	mu   sync.Mutex
	made []*stubRecognizer
}

func (f *stubFactory) new() (keyword.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &stubRecognizer{}
	f.made = append(f.made, r)
	return r, nil
}

func (f *stubFactory) latest() *stubRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[len(f.made)-1]
}

// ---- tests ----

func TestOrchestrator_InitializeConnectsAndIdles(t *testing.T) {
	h := newHarness(t, nil)

	waitState(t, h.orch, conversation.StateIdle)
	if got := h.dialer.dialCount(); got != 1 {
		t.Errorf("dialCount() = %d, want 1", got)
	}
}

func TestOrchestrator_HelloWithoutMcpSkipsHandshake(t *testing.T) {
	h := newHarness(t, func(cfg *voice.Config) {
		cfg.Dialer.(*fakeDialer).hello.Features = &protocol.Features{}
	})

	waitState(t, h.orch, conversation.StateIdle)
	time.Sleep(50 * time.Millisecond)
	if got := h.dialer.conn(0).countMcp(t); got != 0 {
		t.Errorf("mcp envelopes sent = %d, want 0 when the server lacks the feature", got)
	}
	if h.orch.Engine().Initialized() {
		t.Error("engine initialized despite missing mcp feature")
	}
}

func TestOrchestrator_HelloWithMcpRunsHandshake(t *testing.T) {
	h := newHarness(t, func(cfg *voice.Config) {
		cfg.Dialer.(*fakeDialer).hello.Features = &protocol.Features{Mcp: true}
	})

	if !waitFor(t, 2*time.Second, func() bool { return h.dialer.conn(0).countMcp(t) >= 1 }) {
		t.Fatal("no mcp envelope sent despite advertised feature")
	}
}

func TestOrchestrator_McpRequestTimeoutConfigurable(t *testing.T) {
	h := newHarness(t, func(cfg *voice.Config) {
		cfg.Dialer.(*fakeDialer).hello.Features = &protocol.Features{Mcp: true}
		cfg.McpRequestTimeout = 30 * time.Millisecond
	})

	if !waitFor(t, 2*time.Second, func() bool { return h.dialer.conn(0).countMcp(t) >= 1 }) {
		t.Fatal("no mcp envelope sent despite advertised feature")
	}

	// The server never answers; the shortened timeout must expire the
	// request instead of holding it for the 10s default.
	if !waitFor(t, time.Second, func() bool { return h.orch.Engine().PendingCount() == 0 }) {
		t.Fatalf("PendingCount() = %d, want 0 after the configured timeout", h.orch.Engine().PendingCount())
	}
	if h.orch.Engine().Initialized() {
		t.Error("engine initialized without a server response")
	}
}

func TestOrchestrator_StartVoiceChatOpensTurn(t *testing.T) {
	h := newHarness(t, nil)
	waitState(t, h.orch, conversation.StateIdle)

	h.orch.StartVoiceChat()
	waitState(t, h.orch, conversation.StateListening)

	if !waitFor(t, 2*time.Second, func() bool {
		return h.dialer.conn(0).countListen(t, protocol.ListenStateStart) == 1
	}) {
		t.Fatal("no listen start envelope sent")
	}
	for _, msg := range h.dialer.conn(0).envelopes(t) {
		if l, ok := msg.(*protocol.Listen); ok && l.State == protocol.ListenStateStart {
			if l.SessionID != "sess-1" {
				t.Errorf("listen start session = %q, want sess-1", l.SessionID)
			}
			if l.Mode != conversation.ModeAutoStop.String() {
				t.Errorf("listen start mode = %q, want %q", l.Mode, conversation.ModeAutoStop)
			}
		}
	}
	if !h.in.IsOpen() {
		t.Error("capture device not open while listening")
	}
}

func TestOrchestrator_MicFramesFlowOnlyWhileListening(t *testing.T) {
	h := newHarness(t, nil)
	waitState(t, h.orch, conversation.StateIdle)

	frame := make([]byte, testFormat.FrameBytes())
	h.in.Inject(frame) // device closed, dropped
	time.Sleep(30 * time.Millisecond)
	if got := h.dialer.conn(0).audioCount(); got != 0 {
		t.Fatalf("audio sent while idle: %d frames", got)
	}

	h.orch.StartVoiceChat()
	waitState(t, h.orch, conversation.StateListening)
	h.in.Inject(frame)
	if !waitFor(t, 2*time.Second, func() bool { return h.dialer.conn(0).audioCount() >= 1 }) {
		t.Fatal("no audio sent while listening")
	}

	serverSends(t, h.dialer.cb(0), ttsMsg(protocol.TtsStateStart))
	waitState(t, h.orch, conversation.StateSpeaking)
	sent := h.dialer.conn(0).audioCount()
	h.in.Inject(frame)
	time.Sleep(50 * time.Millisecond)
	if got := h.dialer.conn(0).audioCount(); got != sent {
		t.Errorf("audio sent while speaking: %d extra frames", got-sent)
	}
}

func TestOrchestrator_TtsRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	waitState(t, h.orch, conversation.StateIdle)

	h.orch.StartVoiceChat()
	waitState(t, h.orch, conversation.StateListening)

	cb := h.dialer.cb(0)
	serverSends(t, cb, ttsMsg(protocol.TtsStateStart))
	waitState(t, h.orch, conversation.StateSpeaking)

	cb.OnAudio([]byte{0x01, 0x02, 0x03})
	if !waitFor(t, 2*time.Second, func() bool { return h.orch.Buffered() > 0 }) {
		t.Fatal("downlink audio not enqueued while speaking")
	}

	serverSends(t, cb, ttsMsg(protocol.TtsStateStop))
	waitState(t, h.orch, conversation.StateIdle)
}

func TestOrchestrator_DownlinkDroppedOutsideReply(t *testing.T) {
	h := newHarness(t, nil)
	waitState(t, h.orch, conversation.StateIdle)

	h.dialer.cb(0).OnAudio([]byte{0x01, 0x02})
	time.Sleep(30 * time.Millisecond)
	if d := h.orch.Buffered(); d > 0 {
		t.Errorf("Buffered() = %v after stray packet, want 0", d)
	}
}

func TestOrchestrator_KeywordWakeupFlow(t *testing.T) {
	var (
		fac stubFactory
		spt *keyword.Spotter
	)
	h := newHarness(t, func(cfg *voice.Config) {
		spt = keyword.NewSpotter(cfg.Hub, fac.new, keyword.WithDisposeGap(time.Millisecond))
		cfg.Spotter = spt
	})
	waitState(t, h.orch, conversation.StateIdle)

	fac.latest().detect(keyword.Detection{Keyword: "hey verdure", Confidence: 0.97, Model: "tiny"})
	waitState(t, h.orch, conversation.StateListening)

	conn := h.dialer.conn(0)
	if !waitFor(t, 2*time.Second, func() bool {
		return conn.countListen(t, protocol.ListenStateStart) == 1
	}) {
		t.Fatal("no listen start after wake word")
	}

	detectAt, startAt := -1, -1
	for i, msg := range conn.envelopes(t) {
		l, ok := msg.(*protocol.Listen)
		if !ok {
			continue
		}
		switch l.State {
		case protocol.ListenStateDetect:
			detectAt = i
			if l.Text != "hey verdure" {
				t.Errorf("detect text = %q, want the keyword", l.Text)
			}
		case protocol.ListenStateStart:
			startAt = i
		}
	}
	if detectAt == -1 {
		t.Fatal("no listen detect envelope after wake word")
	}
	if detectAt > startAt {
		t.Errorf("detect sent at %d after start at %d", detectAt, startAt)
	}

	cb := h.dialer.cb(0)
	serverSends(t, cb, ttsMsg(protocol.TtsStateStart))
	waitState(t, h.orch, conversation.StateSpeaking)
	serverSends(t, cb, ttsMsg(protocol.TtsStateStop))
	waitState(t, h.orch, conversation.StateIdle)
}

func TestOrchestrator_KeywordBargeInFlushesPlayback(t *testing.T) {
	var fac stubFactory
	h := newHarness(t, func(cfg *voice.Config) {
		cfg.Spotter = keyword.NewSpotter(cfg.Hub, fac.new, keyword.WithDisposeGap(time.Millisecond))
	})
	waitState(t, h.orch, conversation.StateIdle)

	h.orch.StartVoiceChat()
	waitState(t, h.orch, conversation.StateListening)
	cb := h.dialer.cb(0)
	serverSends(t, cb, ttsMsg(protocol.TtsStateStart))
	waitState(t, h.orch, conversation.StateSpeaking)

	cb.OnAudio([]byte{0x01, 0x02, 0x03})
	if !waitFor(t, 2*time.Second, func() bool { return h.orch.Buffered() > 0 }) {
		t.Fatal("no buffered playback to barge into")
	}

	fac.latest().detect(keyword.Detection{Keyword: "hey verdure", Confidence: 0.95, Model: "tiny"})
	waitState(t, h.orch, conversation.StateIdle)
	if !waitFor(t, 2*time.Second, func() bool { return h.orch.Buffered() == 0 }) {
		t.Errorf("Buffered() = %v after wake-word barge-in, want 0", h.orch.Buffered())
	}

	aborts := h.dialer.conn(0).aborts(t)
	if len(aborts) != 1 {
		t.Fatalf("abort envelopes = %d, want 1", len(aborts))
	}
	if aborts[0].Reason != "wake_word_detected" {
		t.Errorf("abort reason = %q, want wake_word_detected", aborts[0].Reason)
	}
}

func TestOrchestrator_InterruptWhileSpeaking(t *testing.T) {
	h := newHarness(t, nil)
	waitState(t, h.orch, conversation.StateIdle)

	h.orch.StartVoiceChat()
	waitState(t, h.orch, conversation.StateListening)
	cb := h.dialer.cb(0)
	serverSends(t, cb, ttsMsg(protocol.TtsStateStart))
	waitState(t, h.orch, conversation.StateSpeaking)

	cb.OnAudio([]byte{0x01, 0x02, 0x03})
	if !waitFor(t, 2*time.Second, func() bool { return h.orch.Buffered() > 0 }) {
		t.Fatal("no buffered playback to interrupt")
	}

	h.orch.Interrupt("button press")
	waitState(t, h.orch, conversation.StateIdle)
	if !waitFor(t, 2*time.Second, func() bool { return h.orch.Buffered() == 0 }) {
		t.Errorf("Buffered() = %v after interrupt, want 0", h.orch.Buffered())
	}

	conn := h.dialer.conn(0)
	aborts := conn.aborts(t)
	if len(aborts) != 1 {
		t.Fatalf("abort envelopes = %d, want 1", len(aborts))
	}
	if aborts[0].Reason != "user_interrupt" {
		t.Errorf("abort reason = %q, want user_interrupt", aborts[0].Reason)
	}
	if got := conn.countListen(t, protocol.ListenStateStop); got != 0 {
		t.Errorf("listen stop sent %d times on interrupt, want 0", got)
	}
	if got := conn.countListen(t, protocol.ListenStateStart); got != 1 {
		t.Errorf("listen start sent %d times, want 1 (no re-arm on interrupt)", got)
	}
}

func TestOrchestrator_StopVoiceChatSendsListenStop(t *testing.T) {
	h := newHarness(t, func(cfg *voice.Config) {
		cfg.Mode = conversation.ModeManual
	})
	waitState(t, h.orch, conversation.StateIdle)

	h.orch.StartVoiceChat()
	waitState(t, h.orch, conversation.StateListening)
	h.orch.StopVoiceChat()
	waitState(t, h.orch, conversation.StateIdle)

	if !waitFor(t, 2*time.Second, func() bool {
		return h.dialer.conn(0).countListen(t, protocol.ListenStateStop) == 1
	}) {
		t.Error("no listen stop envelope on explicit stop")
	}
}

func TestOrchestrator_KeepListeningReArms(t *testing.T) {
	h := newHarness(t, func(cfg *voice.Config) {
		cfg.KeepListening = true
	})
	waitState(t, h.orch, conversation.StateIdle)

	h.orch.StartVoiceChat()
	waitState(t, h.orch, conversation.StateListening)
	cb := h.dialer.cb(0)
	serverSends(t, cb, ttsMsg(protocol.TtsStateStart))
	waitState(t, h.orch, conversation.StateSpeaking)
	serverSends(t, cb, ttsMsg(protocol.TtsStateStop))

	waitState(t, h.orch, conversation.StateListening)
	if !waitFor(t, 2*time.Second, func() bool {
		return h.dialer.conn(0).countListen(t, protocol.ListenStateStart) == 2
	}) {
		t.Error("keep-listening did not re-arm a new turn")
	}
}

func TestOrchestrator_AlwaysOnStaysListening(t *testing.T) {
	h := newHarness(t, func(cfg *voice.Config) {
		cfg.Mode = conversation.ModeAlwaysOn
	})
	waitState(t, h.orch, conversation.StateIdle)

	h.orch.StartVoiceChat()
	waitState(t, h.orch, conversation.StateListening)
	serverSends(t, h.dialer.cb(0), ttsMsg(protocol.TtsStateStart))

	time.Sleep(50 * time.Millisecond)
	if got := h.orch.State(); got != conversation.StateListening {
		t.Errorf("State() = %v during tts in always-on mode, want Listening", got)
	}
	if got := h.dialer.conn(0).countListen(t, protocol.ListenStateStart); got != 1 {
		t.Errorf("listen start sent %d times, want 1 (self-loop must not restart the turn)", got)
	}
}

func TestOrchestrator_DisconnectReconnects(t *testing.T) {
	var (
		mu         sync.Mutex
		transports []error
	)
	h := newHarness(t, func(cfg *voice.Config) {
		cfg.InitialBackoff = 5 * time.Millisecond
		cfg.Events = voice.Events{
			Error: func(kind voice.ErrorKind, err error) {
				if kind == voice.ErrKindTransport {
					mu.Lock()
					transports = append(transports, err)
					mu.Unlock()
				}
			},
		}
	})
	waitState(t, h.orch, conversation.StateIdle)

	h.dialer.cb(0).OnClosed(errors.New("peer reset"))

	if !waitFor(t, 2*time.Second, func() bool { return h.dialer.dialCount() == 2 }) {
		t.Fatal("no reconnect after disconnect")
	}
	waitState(t, h.orch, conversation.StateIdle)

	mu.Lock()
	n := len(transports)
	mu.Unlock()
	if n == 0 {
		t.Error("no transport error surfaced on disconnect")
	}

	// The fresh connection carries the session for subsequent turns.
	h.orch.StartVoiceChat()
	waitState(t, h.orch, conversation.StateListening)
	if !waitFor(t, 2*time.Second, func() bool {
		return h.dialer.conn(1).countListen(t, protocol.ListenStateStart) == 1
	}) {
		t.Error("listen start not sent on the reconnected conn")
	}
}

func TestOrchestrator_ToggleChatState(t *testing.T) {
	h := newHarness(t, nil)
	waitState(t, h.orch, conversation.StateIdle)

	h.orch.ToggleChatState()
	waitState(t, h.orch, conversation.StateListening)
	h.orch.ToggleChatState()
	waitState(t, h.orch, conversation.StateIdle)
}

func TestOrchestrator_SendTextMessage(t *testing.T) {
	h := newHarness(t, nil)
	waitState(t, h.orch, conversation.StateIdle)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.orch.SendTextMessage(ctx, "what time is it"); err != nil {
		t.Fatalf("SendTextMessage() error = %v", err)
	}

	found := false
	for _, msg := range h.dialer.conn(0).envelopes(t) {
		if l, ok := msg.(*protocol.Listen); ok && l.State == protocol.ListenStateDetect {
			found = true
			if l.Text != "what time is it" {
				t.Errorf("detect text = %q, want the typed message", l.Text)
			}
		}
	}
	if !found {
		t.Error("no listen detect envelope for typed text")
	}
}

func TestOrchestrator_ServerMessagesRaiseEvents(t *testing.T) {
	var (
		mu    sync.Mutex
		stt   []string
		llm   []string
		music []*protocol.Music
	)
	h := newHarness(t, func(cfg *voice.Config) {
		cfg.Events = voice.Events{
			Transcript: func(text string) {
				mu.Lock()
				stt = append(stt, text)
				mu.Unlock()
			},
			LlmMessage: func(text, _ string) {
				mu.Lock()
				llm = append(llm, text)
				mu.Unlock()
			},
			MusicMessage: func(msg *protocol.Music) {
				mu.Lock()
				music = append(music, msg)
				mu.Unlock()
			},
		}
	})
	waitState(t, h.orch, conversation.StateIdle)

	cb := h.dialer.cb(0)
	serverSends(t, cb, &protocol.Stt{Type: protocol.TypeStt, Text: "hello"})
	serverSends(t, cb, &protocol.Llm{Type: protocol.TypeLlm, Text: "hi there", Emotion: "happy"})
	serverSends(t, cb, &protocol.Music{Type: protocol.TypeMusic, Song: "test song", Status: "playing"})

	ok := waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stt) == 1 && len(llm) == 1 && len(music) == 1
	})
	if !ok {
		t.Fatalf("events: stt=%d llm=%d music=%d, want 1 each", len(stt), len(llm), len(music))
	}
	mu.Lock()
	defer mu.Unlock()
	if stt[0] != "hello" || llm[0] != "hi there" || music[0].Song != "test song" {
		t.Error("event payloads do not match the server messages")
	}
}

func TestOrchestrator_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	waitState(t, h.orch, conversation.StateIdle)

	if err := h.orch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.orch.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
