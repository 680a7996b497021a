// Package devices contains the local appliance adapters exposed through the
// MCP tool registry. Each adapter owns its state behind a mutex and builds
// typed tool records at construction time; string-keyed lookup exists only
// at the protocol boundary.
package devices

import "github.com/google/jsonschema-go/jsonschema"

// f64 returns a pointer for schema bound fields.
func f64(v float64) *float64 { return &v }

// intRange builds the schema for a single required integer argument bounded
// to [min, max].
func intRange(name, description string, min, max float64) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			name: {
				Type:        "integer",
				Description: description,
				Minimum:     f64(min),
				Maximum:     f64(max),
			},
		},
		Required: []string{name},
	}
}

// intArg extracts an integer argument that schema validation has already
// bounds-checked. JSON numbers arrive as float64.
func intArg(args map[string]any, name string) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
