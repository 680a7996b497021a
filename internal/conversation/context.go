package conversation

import "sync"

// Context carries the conversation-scoped fields shared between the state
// machine and its observers. The machine's dispatcher goroutine is the single
// writer; readers get consistent copies via [Context.Snapshot].
type Context struct {
	mu sync.RWMutex
	s  Snapshot
}

// Snapshot is a point-in-time copy of the conversation context.
type Snapshot struct {
	State          DeviceState
	Mode           ListeningMode
	KeepListening  bool
	SessionID      string
	McpInitialized bool
	PendingAbort   AbortReason
}

// NewContext creates a context in Idle with the given listening policy.
func NewContext(mode ListeningMode, keepListening bool) *Context {
	return &Context{s: Snapshot{
		State:         StateIdle,
		Mode:          mode,
		KeepListening: keepListening,
	}}
}

// Snapshot returns a consistent copy of all fields.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s
}

// State returns the current device state.
func (c *Context) State() DeviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s.State
}

// setState is called only from the machine's dispatcher goroutine.
func (c *Context) setState(s DeviceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.State = s
}

// SetSessionID records the session id from the server hello.
func (c *Context) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.SessionID = id
}

// SetMcpInitialized records completion of the MCP initialize exchange.
func (c *Context) SetMcpInitialized(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.McpInitialized = ok
}

// SetPendingAbort records the reason to send with the next abort message.
func (c *Context) SetPendingAbort(r AbortReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.PendingAbort = r
}

// SetMode updates the listening policy.
func (c *Context) SetMode(mode ListeningMode, keepListening bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.Mode = mode
	c.s.KeepListening = keepListening
}
