// Package voice wires the conversation state machine, transport, audio
// pipeline, keyword spotter and MCP engine into one assistant client.
//
// The [Orchestrator] owns the glue and nothing else: state moves through
// [conversation.Machine], interrupts through [interrupt.Coordinator], and the
// orchestrator translates applied transitions into entry actions — starting
// and stopping the microphone stream, pausing the spotter, flushing playback
// and sending the listen/abort envelopes the server expects.
//
// Usage:
//
//	orch, err := voice.New(voice.Config{
//		Dialer:   transport.NewWebSocket(wsCfg),
//		Hub:      hub,
//		Output:   speaker,
//		Registry: registry,
//	})
//	if err != nil {
//		return err
//	}
//	defer orch.Close()
//	if err := orch.Initialize(ctx); err != nil {
//		return err
//	}
//	orch.StartVoiceChat()
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/verdureai/verdure/internal/conversation"
	"github.com/verdureai/verdure/internal/interrupt"
	"github.com/verdureai/verdure/internal/keyword"
	"github.com/verdureai/verdure/internal/mcp"
	"github.com/verdureai/verdure/internal/media"
	"github.com/verdureai/verdure/internal/observe"
	"github.com/verdureai/verdure/internal/protocol"
	"github.com/verdureai/verdure/internal/transport"
	"github.com/verdureai/verdure/pkg/audio"
	"github.com/verdureai/verdure/pkg/audio/opus"
)

const (
	// sendTimeout bounds every outbound envelope and audio packet.
	sendTimeout = 5 * time.Second

	// defaultDrainTimeout caps how long Close waits for queued playback.
	defaultDrainTimeout = 10 * time.Second

	// drainPoll is the interval at which Close samples the playback queue.
	drainPoll = 20 * time.Millisecond

	// micSubscriberName identifies the uplink subscription on the capture hub.
	micSubscriberName = "voice-uplink"
)

// ErrNotConnected is returned by operations that need a live server
// connection when there is none.
var ErrNotConnected = errors.New("voice: not connected")

// Config assembles an [Orchestrator]. Dialer, Hub, Output and Registry are
// required; everything else has a sensible default.
type Config struct {
	// Dialer establishes server connections. The dialer owns the hello
	// handshake; the orchestrator reads the negotiated reply off each
	// connection.
	Dialer transport.Dialer

	// Hub fans captured microphone audio out to the uplink and the spotter.
	Hub *audio.CaptureHub

	// Output is the playback device for server speech.
	Output audio.OutputDevice

	// Registry holds the local device tools exposed over MCP.
	Registry *mcp.Registry

	// Format is the capture format sent upstream. Defaults to 16 kHz mono.
	Format audio.Format

	// Mode is the initial listening policy. Defaults to auto-stop.
	Mode conversation.ListeningMode

	// KeepListening re-arms a new turn after each server reply in
	// auto-stop mode.
	KeepListening bool

	// Spotter is the offline wake-word spotter. Optional; without one the
	// conversation starts only on explicit calls.
	Spotter *keyword.Spotter

	// MusicPlayer, when set, is ducked while a conversation is active.
	MusicPlayer media.Player

	// Events receives orchestrator callbacks.
	Events Events

	// InitialBackoff and MaxBackoff tune the reconnect schedule. Zero
	// values take the transport defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// McpRequestTimeout bounds each outbound MCP request. Zero takes the
	// engine default of 10s.
	McpRequestTimeout time.Duration

	// DrainTimeout caps how long Close waits for playback to finish.
	// Defaults to 10s.
	DrainTimeout time.Duration
}

// Orchestrator is the top-level voice assistant client. All exported methods
// are safe for concurrent use.
type Orchestrator struct {
	events  Events
	metrics *observe.Metrics

	hub     *audio.CaptureHub
	player  *audio.Player
	spotter *keyword.Spotter
	music   *media.Coordinator

	enc *opus.Codec // capture format, uplink
	dec *opus.Codec // server format, downlink

	convCtx    *conversation.Context
	machine    *conversation.Machine
	interrupts *interrupt.Coordinator
	engine     *mcp.Engine
	recon      *transport.Reconnector

	captureFormat audio.Format
	drainTimeout  time.Duration

	// ttsActive spans from tts start to tts stop so that packets arriving
	// while the Speaking transition is still in flight are not dropped.
	ttsActive atomic.Bool

	mu         sync.Mutex
	conn       transport.Conn
	micSub     *audio.Subscription
	micConv    *audio.Converter
	playConv   *audio.Converter // nil until the player format diverges
	playFormat audio.Format
	playOpen   bool

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New assembles an orchestrator from cfg. The returned orchestrator is idle;
// call [Orchestrator.Initialize] to connect.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("voice: config requires a dialer")
	}
	if cfg.Hub == nil {
		return nil, errors.New("voice: config requires a capture hub")
	}
	if cfg.Output == nil {
		return nil, errors.New("voice: config requires an output device")
	}
	if cfg.Registry == nil {
		return nil, errors.New("voice: config requires a tool registry")
	}
	if !cfg.Format.Valid() {
		cfg.Format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	enc, err := opus.New(cfg.Format, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("voice: uplink codec: %w", err)
	}
	dec, err := opus.New(cfg.Format, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("voice: downlink codec: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		events:        cfg.Events,
		metrics:       observe.DefaultMetrics(),
		hub:           cfg.Hub,
		spotter:       cfg.Spotter,
		enc:           enc,
		dec:           dec,
		captureFormat: cfg.Format,
		drainTimeout:  cfg.DrainTimeout,
		runCtx:        runCtx,
		runCancel:     runCancel,
		done:          make(chan struct{}),
	}

	o.player = audio.NewPlayer(cfg.Output, audio.WithOnComplete(func() {
		o.machine.Dispatch(conversation.TriggerPlaybackCompleted, "queue drained")
	}))
	if cfg.MusicPlayer != nil {
		o.music = media.NewCoordinator(cfg.MusicPlayer)
	}

	o.convCtx = conversation.NewContext(cfg.Mode, cfg.KeepListening)
	o.machine = conversation.NewMachine(o.convCtx, o.onStateChange)
	o.interrupts = interrupt.NewCoordinator(o.machine, o.player)
	o.engine = mcp.NewEngine(o.sendMcp, cfg.Registry,
		mcp.WithRequestTimeout(cfg.McpRequestTimeout))
	o.recon = transport.NewReconnector(transport.ReconnectorConfig{
		Dialer: cfg.Dialer,
		Callbacks: transport.Callbacks{
			OnText:   o.onText,
			OnAudio:  o.onAudio,
			OnClosed: o.onClosed,
		},
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		OnConnect:      o.onConnect,
	})
	return o, nil
}

// ---- lifecycle ----

// Initialize connects to the server, starts the reconnect monitor and arms
// the keyword spotter. It blocks until the first connection is established
// or ctx expires.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.machine.Dispatch(conversation.TriggerConnectToServer, "initialize")
	if _, err := o.recon.Connect(ctx); err != nil {
		return fmt.Errorf("voice: initial connect: %w", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.recon.Monitor(o.runCtx)
	}()

	if o.spotter != nil {
		if err := o.spotter.Start(); err != nil {
			o.events.error(ErrKindKeyword, err)
			slog.Warn("voice: keyword spotter unavailable", "error", err)
		} else {
			o.wg.Add(1)
			go o.consumeDetections()
		}
	}
	return nil
}

// Close tears the client down: it stops the spotter and the reconnector,
// waits up to the drain timeout for queued playback, then releases the
// state machine. Safe to call more than once.
func (o *Orchestrator) Close() error {
	var err error
	o.stopOnce.Do(func() {
		close(o.done)
		o.runCancel()

		if o.spotter != nil {
			if serr := o.spotter.Stop(); serr != nil {
				err = errors.Join(err, serr)
			}
		}
		o.mu.Lock()
		if o.micSub != nil {
			o.micSub.Close()
			o.micSub = nil
		}
		o.mu.Unlock()

		if serr := o.recon.Stop(); serr != nil {
			err = errors.Join(err, serr)
		}

		o.drainPlayback()
		if serr := o.player.Close(); serr != nil {
			err = errors.Join(err, serr)
		}

		o.interrupts.Close()
		o.machine.Close()
		o.wg.Wait()
	})
	return err
}

// drainPlayback waits for the queue to empty so the tail of the last server
// reply is not cut off, bounded by the drain timeout.
func (o *Orchestrator) drainPlayback() {
	deadline := time.Now().Add(o.drainTimeout)
	for o.player.Buffered() > 0 {
		if time.Now().After(deadline) {
			slog.Warn("voice: playback drain timed out",
				"buffered", o.player.Buffered())
			return
		}
		time.Sleep(drainPoll)
	}
}

// ---- public operations ----

// State returns the current conversation state.
func (o *Orchestrator) State() conversation.DeviceState {
	return o.machine.State()
}

// StartVoiceChat begins a conversational turn.
func (o *Orchestrator) StartVoiceChat() {
	o.machine.Dispatch(conversation.TriggerStartVoiceChat, "user request")
}

// StopVoiceChat ends the conversation and returns to idle.
func (o *Orchestrator) StopVoiceChat() {
	o.machine.Dispatch(conversation.TriggerStopVoiceChat, "user request")
}

// ToggleChatState starts a turn when idle and stops the conversation
// otherwise.
func (o *Orchestrator) ToggleChatState() {
	if o.machine.State() == conversation.StateIdle {
		o.StartVoiceChat()
	} else {
		o.StopVoiceChat()
	}
}

// Interrupt raises an explicit user interruption: playback is flushed if the
// server is speaking and the conversation returns to idle.
func (o *Orchestrator) Interrupt(reason string) {
	o.interrupts.RaiseUser(reason)
}

// SendTextMessage submits text as if it had been spoken, using the wake-word
// detect envelope the server accepts for typed input.
func (o *Orchestrator) SendTextMessage(ctx context.Context, text string) error {
	snap := o.convCtx.Snapshot()
	return o.sendEnvelope(ctx, protocol.NewListenDetect(snap.SessionID, text))
}

// SetMode updates the listening policy for subsequent turns.
func (o *Orchestrator) SetMode(mode conversation.ListeningMode, keepListening bool) {
	o.convCtx.SetMode(mode, keepListening)
	o.events.modeChanged(mode, keepListening)
}

// Engine exposes the MCP engine for calling server-side tools.
func (o *Orchestrator) Engine() *mcp.Engine {
	return o.engine
}

// Buffered reports how much decoded server audio is queued for playback.
func (o *Orchestrator) Buffered() time.Duration {
	return o.player.Buffered()
}

// ---- transport callbacks ----

// onConnect runs after every successful dial, including reconnects. It adopts
// the server's session and audio parameters and re-runs the MCP handshake
// when the server advertises support.
func (o *Orchestrator) onConnect(conn transport.Conn) {
	hello := conn.Hello()
	o.convCtx.SetSessionID(hello.SessionID)

	serverFormat := o.captureFormat
	if hello.AudioParams != nil && hello.AudioParams.SampleRate > 0 {
		serverFormat = audio.Format{
			SampleRate: hello.AudioParams.SampleRate,
			Channels:   hello.AudioParams.Channels,
		}
		if serverFormat.Channels <= 0 {
			serverFormat.Channels = 1
		}
	}
	o.adoptDownlinkFormat(serverFormat)

	o.mu.Lock()
	o.conn = conn
	o.mu.Unlock()

	o.machine.Dispatch(conversation.TriggerForceIdle, "connected")

	if hello.Features != nil && hello.Features.Mcp {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.engine.Initialize(o.runCtx); err != nil {
				o.events.error(ErrKindMcp, err)
				slog.Warn("voice: mcp handshake failed", "error", err)
				return
			}
			o.convCtx.SetMcpInitialized(true)
		}()
	} else {
		o.convCtx.SetMcpInitialized(false)
		slog.Debug("voice: server did not advertise mcp, skipping handshake")
	}
}

// adoptDownlinkFormat points the decoder at the server's format. The playback
// device opens once, at the first format seen; if a later hello negotiates a
// different one, decoded frames are converted instead of reopening the device.
func (o *Orchestrator) adoptDownlinkFormat(format audio.Format) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.dec.Reconfigure(format); err != nil {
		o.events.error(ErrKindAudioDevice, err)
		slog.Warn("voice: downlink codec reconfigure failed",
			"format", format, "error", err)
		return
	}

	if !o.playOpen {
		if err := o.player.Open(format); err != nil {
			o.events.error(ErrKindAudioDevice, err)
			slog.Error("voice: open playback device", "error", err)
			return
		}
		o.playFormat = format
		o.playOpen = true
		o.playConv = nil
		return
	}
	if format == o.playFormat {
		o.playConv = nil
		return
	}
	o.playConv = &audio.Converter{Target: o.playFormat}
	slog.Info("voice: converting downlink audio to playback format",
		"server", format, "playback", o.playFormat)
}

func (o *Orchestrator) onClosed(err error) {
	if err != nil {
		o.events.error(ErrKindTransport, err)
	}

	o.mu.Lock()
	o.conn = nil
	o.mu.Unlock()

	o.ttsActive.Store(false)
	o.engine.Reset()
	o.convCtx.SetMcpInitialized(false)

	o.interrupts.RaiseNetwork("connection lost")
	o.recon.NotifyDisconnect()
	o.metrics.RecordReconnect(o.runCtx, "triggered")
}

// onText dispatches one decoded server envelope. It runs on the transport's
// reader goroutine, in arrival order.
func (o *Orchestrator) onText(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		o.events.error(ErrKindProtocol, err)
		slog.Warn("voice: undecodable server message", "error", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Tts:
		o.handleTts(m)
	case *protocol.Stt:
		o.events.transcript(m.Text)
	case *protocol.Llm:
		o.events.llmMessage(m.Text, m.Emotion)
	case *protocol.Music:
		o.events.musicMessage(m)
	case *protocol.Mcp:
		o.engine.HandleMessage(o.runCtx, m.Payload)
	case *protocol.Hello:
		// The handshake completed at dial time; a stray hello is noise.
		slog.Debug("voice: ignoring post-handshake hello")
	default:
		slog.Debug("voice: ignoring server message", "type", fmt.Sprintf("%T", m))
	}
}

func (o *Orchestrator) handleTts(m *protocol.Tts) {
	o.events.ttsState(m.State, m.Text)
	switch m.State {
	case protocol.TtsStateStart:
		o.ttsActive.Store(true)
		o.machine.Dispatch(conversation.TriggerTtsStarted, "tts start")
	case protocol.TtsStateStop:
		o.ttsActive.Store(false)
		o.machine.Dispatch(conversation.TriggerTtsCompleted, "tts stop")
	}
}

// onAudio decodes and enqueues one downlink packet. Packets outside an
// active reply are dropped: stale audio from an aborted turn must not leak
// into the playback queue.
func (o *Orchestrator) onAudio(packet []byte) {
	if !o.ttsActive.Load() && o.machine.State() != conversation.StateSpeaking {
		o.metrics.AudioFramesDropped.Add(o.runCtx, 1,
			metric.WithAttributes(observe.Attr("direction", "playback")))
		return
	}

	pcm := o.dec.Decode(packet)

	o.mu.Lock()
	conv := o.playConv
	o.mu.Unlock()
	if conv != nil {
		f := conv.Convert(audio.Frame{PCM: pcm, Format: o.dec.Format()})
		pcm = f.PCM
	}

	o.player.Enqueue(pcm)
	o.metrics.AudioFrames.Add(o.runCtx, 1,
		metric.WithAttributes(observe.Attr("direction", "playback")))
}

// ---- state machine reactions ----

// onStateChange runs on the machine's dispatcher goroutine, once per applied
// transition, in order. Self-loops update observers but re-run no entry
// actions: always-on listening must not restart the turn on every tts start.
func (o *Orchestrator) onStateChange(change conversation.StateChange) {
	o.metrics.RecordStateTransition(o.runCtx,
		change.From.String(), change.To.String(), change.Trigger.String())
	if o.music != nil {
		o.music.OnStateChange(change)
	}
	o.events.stateChanged(change)

	if change.From == change.To {
		return
	}

	switch change.To {
	case conversation.StateListening:
		o.enterListening(change)
	case conversation.StateSpeaking:
		o.enterSpeaking()
	case conversation.StateIdle:
		o.enterIdle(change)
	case conversation.StateConnecting:
		o.enterConnecting()
	}
}

func (o *Orchestrator) enterListening(change conversation.StateChange) {
	if o.spotter != nil {
		o.spotter.Pause()
	}
	o.player.Flush()

	if err := o.openMic(); err != nil {
		o.events.error(ErrKindAudioDevice, err)
		slog.Error("voice: start capture", "error", err)
		o.machine.Dispatch(conversation.TriggerForceIdle, "capture failed")
		return
	}

	snap := o.convCtx.Snapshot()
	if change.Trigger == conversation.TriggerKeywordDetected && change.Reason != "" {
		if err := o.sendEnvelope(o.runCtx,
			protocol.NewListenDetect(snap.SessionID, change.Reason)); err != nil {
			slog.Warn("voice: send listen detect", "error", err)
		}
	}
	if err := o.sendEnvelope(o.runCtx,
		protocol.NewListenStart(snap.SessionID, snap.Mode.String())); err != nil {
		o.events.error(ErrKindTransport, err)
		slog.Warn("voice: send listen start", "error", err)
	}

	o.events.voiceChatActive(true)
}

func (o *Orchestrator) enterSpeaking() {
	if o.spotter != nil {
		o.spotter.Pause()
	}
	o.pauseMic()
}

func (o *Orchestrator) enterIdle(change conversation.StateChange) {
	o.ttsActive.Store(false)
	o.pauseMic()

	snap := o.convCtxConsumeAbort()
	if snap.PendingAbort != conversation.AbortNone {
		if err := o.sendEnvelope(o.runCtx,
			protocol.NewAbort(snap.SessionID, abortWire(snap.PendingAbort))); err != nil {
			slog.Warn("voice: send abort", "error", err)
		}
	}

	if change.Trigger == conversation.TriggerStopVoiceChat &&
		change.From == conversation.StateListening {
		if err := o.sendEnvelope(o.runCtx,
			protocol.NewListenStop(snap.SessionID)); err != nil {
			slog.Warn("voice: send listen stop", "error", err)
		}
	}

	// Arrival at idle after a (re)connect is not the end of a turn.
	if change.From != conversation.StateConnecting {
		o.events.voiceChatActive(false)

		if change.Trigger == conversation.TriggerTtsCompleted &&
			snap.KeepListening && snap.Mode == conversation.ModeAutoStop {
			o.machine.Dispatch(conversation.TriggerStartVoiceChat, "keep listening")
			return
		}
	}
	if o.spotter != nil {
		o.spotter.Resume()
	}
}

func (o *Orchestrator) enterConnecting() {
	o.ttsActive.Store(false)
	o.player.Flush()
	o.pauseMic()
}

// convCtxConsumeAbort snapshots the context and clears any pending abort so
// it is sent at most once.
func (o *Orchestrator) convCtxConsumeAbort() conversation.Snapshot {
	snap := o.convCtx.Snapshot()
	if snap.PendingAbort != conversation.AbortNone {
		o.convCtx.SetPendingAbort(conversation.AbortNone)
	}
	return snap
}

func abortWire(r conversation.AbortReason) string {
	if r == conversation.AbortWakeWordDetected {
		return "wake_word_detected"
	}
	return "user_interrupt"
}

// ---- microphone uplink ----

// openMic lazily subscribes to the capture hub and resumes delivery. The
// subscription persists across turns so the device is not reopened between
// listening phases of the same session.
func (o *Orchestrator) openMic() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.micSub == nil {
		if err := o.hub.Start(o.captureFormat); err != nil {
			return err
		}
		sub, err := o.hub.Subscribe(micSubscriberName, o.onMicFrame)
		if err != nil {
			return err
		}
		o.micSub = sub
		o.micConv = &audio.Converter{Target: o.captureFormat}
	}
	o.micSub.Resume()
	return nil
}

func (o *Orchestrator) pauseMic() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.micSub != nil {
		o.micSub.Pause()
	}
}

// onMicFrame encodes and ships one captured frame. Frames outside Listening
// are dropped: the pause is asynchronous and a few frames may still arrive
// after a transition.
func (o *Orchestrator) onMicFrame(f audio.Frame) {
	if o.machine.State() != conversation.StateListening {
		return
	}
	conn := o.connection()
	if conn == nil {
		return
	}

	o.mu.Lock()
	conv := o.micConv
	o.mu.Unlock()
	if conv != nil {
		f = conv.Convert(f)
	}

	packet, err := o.enc.Encode(f.PCM)
	if err != nil {
		slog.Debug("voice: encode capture frame", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(o.runCtx, sendTimeout)
	defer cancel()
	if err := conn.SendAudio(ctx, packet); err != nil {
		slog.Debug("voice: send audio frame", "error", err)
		return
	}
	o.metrics.AudioFrames.Add(o.runCtx, 1,
		metric.WithAttributes(observe.Attr("direction", "capture")))
}

// ---- keyword detections ----

func (o *Orchestrator) consumeDetections() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case det := <-o.spotter.Detections():
			o.onDetection(det)
		}
	}
}

// onDetection routes every wake-word hit through the interrupt coordinator:
// the transition table decides whether it starts a turn (from idle) or
// interrupts one (from listening or speaking).
func (o *Orchestrator) onDetection(det keyword.Detection) {
	o.metrics.RecordKeywordDetection(o.runCtx, det.Keyword, det.Model)
	o.events.keywordDetected(det.Keyword, det.Confidence)
	o.interrupts.RaiseKeyword(det.Keyword)
}

// ---- outbound plumbing ----

func (o *Orchestrator) connection() transport.Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn
}

// sendEnvelope encodes and transmits one JSON envelope with a bounded wait.
func (o *Orchestrator) sendEnvelope(ctx context.Context, msg any) error {
	conn := o.connection()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("voice: encode envelope: %w", err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := conn.SendText(sendCtx, data); err != nil {
		return fmt.Errorf("voice: send envelope: %w", err)
	}
	return nil
}

// sendMcp is the engine's transmit hook: it wraps one JSON-RPC payload in the
// session's mcp envelope.
func (o *Orchestrator) sendMcp(payload json.RawMessage) error {
	snap := o.convCtx.Snapshot()
	return o.sendEnvelope(o.runCtx, protocol.NewMcp(snap.SessionID, payload))
}
