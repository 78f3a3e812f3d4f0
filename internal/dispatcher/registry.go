package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/opsloop/sshbroker/internal/protocol"
)

// ToolHandler executes one tool call and produces its result envelope.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error)

// RegisteredTool pairs a tool's advertised schema with its handler.
type RegisteredTool struct {
	Definition protocol.Tool
	Handler    ToolHandler
}

// ToolRegistry is the typed table of tools/call handlers keyed by name.
// Registration order is preserved so tools/list is stable across calls.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]RegisteredTool
	order []string
}

// NewToolRegistry constructs an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]RegisteredTool),
		order: make([]string, 0),
	}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Definition.Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

// ListTools returns every registered tool's schema, in registration order.
func (r *ToolRegistry) ListTools() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]protocol.Tool, 0, len(r.tools))
	for _, name := range r.order {
		result = append(result, r.tools[name].Definition)
	}
	return result
}

// Execute runs a tool by name, returning a CallToolResult with IsError set
// rather than a Go error for an unknown tool name — the caller still owes
// the client a well-formed JSON-RPC success envelope.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (protocol.CallToolResult, error) {
	r.mu.RLock()
	tool, exists := r.tools[name]
	r.mu.RUnlock()

	if !exists {
		return protocol.NewErrorResult(fmt.Errorf("unknown tool: %s", name)), nil
	}
	return tool.Handler(ctx, args)
}
