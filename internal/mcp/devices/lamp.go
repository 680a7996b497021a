package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/verdureai/verdure/internal/mcp"
)

// Lamp is a smart lamp adapter with power and brightness state.
type Lamp struct {
	mu         sync.Mutex
	power      bool
	brightness int
}

// Compile-time check: Lamp must implement mcp.Device.
var _ mcp.Device = (*Lamp)(nil)

// NewLamp creates a lamp that is off at full brightness.
func NewLamp() *Lamp {
	return &Lamp{brightness: 100}
}

// Name implements [mcp.Device].
func (l *Lamp) Name() string { return "lamp" }

// Tools implements [mcp.Device].
func (l *Lamp) Tools() []mcp.DeviceTool {
	return []mcp.DeviceTool{
		{
			Action:      "turn_on",
			Description: "Turn the smart lamp on at the given brightness.",
			InputSchema: intRange("brightness", "Brightness percentage.", 0, 100),
			Handler:     l.turnOn,
		},
		{
			Action:      "turn_off",
			Description: "Turn the smart lamp off.",
			InputSchema: &jsonschema.Schema{Type: "object"},
			Handler:     l.turnOff,
		},
	}
}

// Status implements [mcp.Device].
func (l *Lamp) Status() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	power := "off"
	if l.power {
		power = "on"
	}
	return map[string]any{
		"power":      power,
		"brightness": l.brightness,
	}
}

func (l *Lamp) turnOn(_ context.Context, args map[string]any) (string, error) {
	brightness := intArg(args, "brightness")

	l.mu.Lock()
	l.power = true
	l.brightness = brightness
	l.mu.Unlock()

	return fmt.Sprintf("Smart lamp turned on with brightness %d", brightness), nil
}

func (l *Lamp) turnOff(context.Context, map[string]any) (string, error) {
	l.mu.Lock()
	l.power = false
	l.mu.Unlock()

	return "Smart lamp turned off", nil
}
