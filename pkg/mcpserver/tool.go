package mcpserver

import (
	"context"
	"fmt"
	"strings"
)

// ToolHandler is a tool the server exposes through tools/list and
// tools/call.
type ToolHandler interface {
	Name() string
	Description() string

	// InputSchema is the JSON Schema advertised to the agent.
	InputSchema() map[string]any

	// Execute runs one call. A returned error reaches the agent as a failed
	// tool result it can correct and retry, never as a protocol error.
	Execute(ctx context.Context, args map[string]any) (*ToolCallResult, error)
}

// ArgumentValidator is implemented by tools that check arguments before
// Execute. BaseTool implements it from the schema's required list.
type ArgumentValidator interface {
	Validate(args map[string]any) error
}

// MissingArgumentsError lists required arguments absent from a call.
type MissingArgumentsError struct {
	Tool    string
	Missing []string
}

func (e *MissingArgumentsError) Error() string {
	return fmt.Sprintf("%s: missing required arguments: %s", e.Tool, strings.Join(e.Missing, ", "))
}

// BaseTool carries a tool's name, description and schema. Embedders supply
// Execute.
type BaseTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      map[string]any
}

func (t *BaseTool) Name() string                { return t.ToolName }
func (t *BaseTool) Description() string         { return t.ToolDescription }
func (t *BaseTool) InputSchema() map[string]any { return t.ToolSchema }

// Validate reports the top-level required properties that are absent or
// null. Nested schemas are left to the tool.
func (t *BaseTool) Validate(args map[string]any) error {
	var missing []string
	for _, name := range requiredFields(t.ToolSchema) {
		if v, ok := args[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingArgumentsError{Tool: t.ToolName, Missing: missing}
	}
	return nil
}

// requiredFields accepts both []string (schemas built in Go) and []any
// (schemas decoded from JSON).
func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// HandlerFunc answers one request. It returns nil for notifications.
type HandlerFunc func(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc
