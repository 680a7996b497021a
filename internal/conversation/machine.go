package conversation

import (
	"log/slog"
	"sync"
)

// Queue depth for concurrent triggers awaiting the dispatcher.
const triggerQueueDepth = 64

// StateChange describes one applied transition.
type StateChange struct {
	From    DeviceState
	To      DeviceState
	Trigger Trigger
	Reason  string
}

// transitions is the fixed table. A (state, trigger) pair absent from the
// table is rejected and leaves the state unchanged.
var transitions = map[DeviceState]map[Trigger]DeviceState{
	StateIdle: {
		TriggerStartVoiceChat:     StateListening,
		TriggerKeywordDetected:    StateListening,
		TriggerStopVoiceChat:      StateIdle,
		TriggerServerDisconnected: StateConnecting,
		TriggerForceIdle:          StateIdle,
		TriggerConnectToServer:    StateConnecting,
	},
	StateConnecting: {
		TriggerStopVoiceChat:      StateIdle,
		TriggerServerDisconnected: StateConnecting,
		TriggerForceIdle:          StateIdle,
	},
	StateListening: {
		TriggerKeywordDetected:    StateIdle,
		TriggerTtsStarted:         StateSpeaking,
		TriggerTtsCompleted:       StateIdle,
		TriggerStopVoiceChat:      StateIdle,
		TriggerServerDisconnected: StateConnecting,
		TriggerForceIdle:          StateIdle,
		TriggerUserInterrupt:      StateIdle,
	},
	StateSpeaking: {
		TriggerKeywordDetected:    StateIdle,
		TriggerTtsStarted:         StateSpeaking,
		TriggerTtsCompleted:       StateIdle,
		TriggerStopVoiceChat:      StateIdle,
		TriggerServerDisconnected: StateConnecting,
		TriggerForceIdle:          StateIdle,
		TriggerUserInterrupt:      StateIdle,
		TriggerPlaybackCompleted:  StateIdle,
	},
}

type event struct {
	trigger Trigger
	reason  string
}

// Machine serializes triggers through a single dispatcher goroutine so state
// transitions are globally linearizable: observers never see them reordered.
// Entry and exit actions belong to the orchestrator, which consumes the
// emitted [StateChange] events; the machine itself only moves state.
type Machine struct {
	ctx    *Context
	notify func(StateChange)

	queue    chan event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMachine creates a state machine over ctx. Every applied transition is
// delivered to notify from the dispatcher goroutine, in order.
func NewMachine(ctx *Context, notify func(StateChange)) *Machine {
	m := &Machine{
		ctx:    ctx,
		notify: notify,
		queue:  make(chan event, triggerQueueDepth),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Dispatch queues a trigger for the dispatcher. Concurrent callers queue;
// their triggers apply in enqueue order. Dispatch after Close is a no-op.
func (m *Machine) Dispatch(trigger Trigger, reason string) {
	select {
	case m.queue <- event{trigger: trigger, reason: reason}:
	case <-m.done:
	}
}

// CanTransition reports whether trigger would move the machine out of its
// current state. It is a pre-flight check; the answer may be stale by the
// time a subsequent Dispatch is processed.
func (m *Machine) CanTransition(trigger Trigger) bool {
	_, ok := transitions[m.ctx.State()][trigger]
	return ok
}

// State returns the current device state.
func (m *Machine) State() DeviceState {
	return m.ctx.State()
}

// Close stops the dispatcher and waits for it to drain. Safe to call more
// than once.
func (m *Machine) Close() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Machine) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.queue:
			m.apply(ev)
		}
	}
}

// apply resolves one trigger against the table and the listening policy,
// then publishes the resulting transition.
func (m *Machine) apply(ev event) {
	from := m.ctx.State()
	to, ok := transitions[from][ev.trigger]
	if !ok {
		slog.Debug("conversation: trigger rejected",
			"state", from, "trigger", ev.trigger)
		return
	}

	// In always-on mode the microphone keeps streaming while the server
	// speaks, so TtsStarted must not leave Listening.
	if from == StateListening && ev.trigger == TriggerTtsStarted {
		if snap := m.ctx.Snapshot(); snap.Mode == ModeAlwaysOn {
			to = StateListening
		}
	}

	// Wake-word and user interruptions of an active turn carry an abort
	// reason for the orchestrator to send upstream.
	if from == StateListening || from == StateSpeaking {
		switch ev.trigger {
		case TriggerKeywordDetected:
			m.ctx.SetPendingAbort(AbortWakeWordDetected)
		case TriggerUserInterrupt:
			m.ctx.SetPendingAbort(AbortUserInterrupt)
		}
	}

	m.ctx.setState(to)
	slog.Debug("conversation: transition",
		"from", from, "to", to, "trigger", ev.trigger, "reason", ev.reason)

	if m.notify != nil {
		m.notify(StateChange{From: from, To: to, Trigger: ev.trigger, Reason: ev.reason})
	}
}
