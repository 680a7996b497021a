package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/verdureai/verdure/internal/mcp"
)

// Camera is a camera adapter that counts captures.
type Camera struct {
	mu       sync.Mutex
	captures int
	lastShot time.Time
}

// Compile-time check: Camera must implement mcp.Device.
var _ mcp.Device = (*Camera)(nil)

// NewCamera creates a camera with no captures.
func NewCamera() *Camera {
	return &Camera{}
}

// Name implements [mcp.Device].
func (c *Camera) Name() string { return "camera" }

// Tools implements [mcp.Device].
func (c *Camera) Tools() []mcp.DeviceTool {
	return []mcp.DeviceTool{
		{
			Action:      "take_photo",
			Description: "Capture a single photo.",
			InputSchema: &jsonschema.Schema{Type: "object"},
			Handler:     c.takePhoto,
		},
	}
}

// Status implements [mcp.Device].
func (c *Camera) Status() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := map[string]any{"captures": c.captures}
	if !c.lastShot.IsZero() {
		status["last_capture"] = c.lastShot.Format(time.RFC3339)
	}
	return status
}

func (c *Camera) takePhoto(context.Context, map[string]any) (string, error) {
	c.mu.Lock()
	c.captures++
	c.lastShot = time.Now()
	n := c.captures
	c.mu.Unlock()

	return fmt.Sprintf("Photo captured (%d total)", n), nil
}
