// Package interrupt merges abort signals from independent sources into a
// single prioritized stream of state-machine triggers.
//
// Sources fire concurrently: the network reports server-side aborts, the
// user hits a key or button, voice activity detection hears the user talk
// over the assistant, and the keyword spotter fires mid-conversation. The
// [Coordinator] serializes them on one goroutine, always draining
// higher-priority sources first (network > user > voice > keyword), so a
// burst of simultaneous interrupts produces one coherent outcome instead of
// racing dispatches.
package interrupt

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/verdureai/verdure/internal/conversation"
	"github.com/verdureai/verdure/internal/observe"
)

// Per-source queue depth. Interrupts are edge events; anything beyond a
// couple of pending entries per source is a stuck consumer.
const sourceQueueDepth = 4

// Source identifies where an interrupt came from.
type Source int

const (
	// SourceNetwork is a server-initiated abort or connection loss.
	SourceNetwork Source = iota

	// SourceUser is an explicit user action (keyboard, button).
	SourceUser

	// SourceVoice is voice activity detected while the assistant speaks.
	SourceVoice

	// SourceKeyword is a wake-phrase hit during an active conversation.
	SourceKeyword
)

// String returns the human-readable name of the source.
func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourceUser:
		return "user"
	case SourceVoice:
		return "voice"
	case SourceKeyword:
		return "keyword"
	default:
		return "unknown"
	}
}

// stateMachine is the slice of [conversation.Machine] the coordinator needs.
type stateMachine interface {
	Dispatch(trigger conversation.Trigger, reason string)
	State() conversation.DeviceState
}

// Flusher discards queued playback audio. Satisfied by *audio.Player.
type Flusher interface {
	Flush()
}

// Coordinator fans interrupt sources into the conversation state machine.
// Raise methods are safe to call from any goroutine and never block;
// delivery happens on the coordinator's own goroutine in priority order.
type Coordinator struct {
	machine  stateMachine
	playback Flusher

	network chan string
	user    chan string
	voice   chan string
	keyword chan string

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCoordinator creates a Coordinator dispatching into machine. playback
// may be nil when no playback path exists (e.g. tests and headless runs).
func NewCoordinator(machine stateMachine, playback Flusher) *Coordinator {
	c := &Coordinator{
		machine:  machine,
		playback: playback,
		network:  make(chan string, sourceQueueDepth),
		user:     make(chan string, sourceQueueDepth),
		voice:    make(chan string, sourceQueueDepth),
		keyword:  make(chan string, sourceQueueDepth),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// RaiseNetwork reports a server-side abort or connection loss.
func (c *Coordinator) RaiseNetwork(reason string) { c.raise(c.network, SourceNetwork, reason) }

// RaiseUser reports an explicit user interruption.
func (c *Coordinator) RaiseUser(reason string) { c.raise(c.user, SourceUser, reason) }

// RaiseVoice reports the user speaking over the assistant.
func (c *Coordinator) RaiseVoice(reason string) { c.raise(c.voice, SourceVoice, reason) }

// RaiseKeyword reports a wake-phrase hit during an active conversation.
func (c *Coordinator) RaiseKeyword(reason string) { c.raise(c.keyword, SourceKeyword, reason) }

// Close stops the merge goroutine and waits for it. Pending interrupts are
// discarded. Safe to call more than once.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Coordinator) raise(ch chan string, src Source, reason string) {
	select {
	case <-c.done:
	case ch <- reason:
	default:
		slog.Warn("interrupt dropped, coordinator backlogged", "source", src)
	}
}

// run is the merge loop. The cascade of non-blocking receives before the
// blocking select guarantees a higher-priority source is always drained
// before a lower one is even considered.
func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case reason := <-c.network:
			c.deliver(SourceNetwork, reason)
			continue
		default:
		}
		select {
		case reason := <-c.network:
			c.deliver(SourceNetwork, reason)
			continue
		case reason := <-c.user:
			c.deliver(SourceUser, reason)
			continue
		default:
		}
		select {
		case reason := <-c.network:
			c.deliver(SourceNetwork, reason)
			continue
		case reason := <-c.user:
			c.deliver(SourceUser, reason)
			continue
		case reason := <-c.voice:
			c.deliver(SourceVoice, reason)
			continue
		default:
		}

		select {
		case <-c.done:
			return
		case reason := <-c.network:
			c.deliver(SourceNetwork, reason)
		case reason := <-c.user:
			c.deliver(SourceUser, reason)
		case reason := <-c.voice:
			c.deliver(SourceVoice, reason)
		case reason := <-c.keyword:
			c.deliver(SourceKeyword, reason)
		}
	}
}

// deliver maps one interrupt onto the state machine and, where the
// interrupt cuts off active speech, flushes queued playback.
func (c *Coordinator) deliver(src Source, reason string) {
	state := c.machine.State()
	slog.Debug("interrupt", "source", src, "reason", reason, "state", state)
	observe.DefaultMetrics().Interrupts.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("source", src.String())))

	switch src {
	case SourceNetwork:
		c.machine.Dispatch(conversation.TriggerServerDisconnected, reason)

	case SourceUser, SourceVoice:
		if state == conversation.StateSpeaking && c.playback != nil {
			c.playback.Flush()
		}
		c.machine.Dispatch(conversation.TriggerUserInterrupt, reason)

	case SourceKeyword:
		if state == conversation.StateSpeaking && c.playback != nil {
			c.playback.Flush()
		}
		c.machine.Dispatch(conversation.TriggerKeywordDetected, reason)
	}
}
