package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcpwire/mcpwire/engine"
	"github.com/mcpwire/mcpwire/internal/logctx"
	"github.com/mcpwire/mcpwire/mcp"
	"github.com/mcpwire/mcpwire/sessions"
)

// Registry owns a mutable, threadsafe set of tools and dispatches the
// tools/* methods. It is the engine's handler collaborator for simple
// servers.
type Registry struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]Handler
}

var _ engine.Invoker = (*Registry)(nil)

// NewRegistry constructs a Registry with the given tools. Duplicate names
// resolve last-write-wins.
func NewRegistry(defs ...Tool) *Registry {
	r := &Registry{}
	r.Replace(defs...)
	return r
}

// Replace atomically swaps the entire tool set.
func (r *Registry) Replace(defs ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make([]mcp.Tool, 0, len(defs))
	r.handlers = make(map[string]Handler, len(defs))
	for _, d := range defs {
		r.tools = append(r.tools, d.Descriptor)
		if d.Handler != nil {
			r.handlers[d.Descriptor.Name] = d.Handler
		}
	}
}

// Add registers a tool unless the name is taken. Returns true if added.
func (r *Registry) Add(def Tool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[def.Descriptor.Name]; exists {
		return false
	}
	r.tools = append(r.tools, def.Descriptor)
	r.handlers[def.Descriptor.Name] = def.Handler
	return true
}

// Remove deletes a tool by name. Returns true if removed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		return false
	}
	delete(r.handlers, name)
	n := 0
	for _, t := range r.tools {
		if t.Name == name {
			continue
		}
		r.tools[n] = t
		n++
	}
	r.tools = r.tools[:n]
	return true
}

// Snapshot returns a copy of the current descriptors.
func (r *Registry) Snapshot() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Invoke implements engine.Invoker for the tools/* namespace.
func (r *Registry) Invoke(ctx context.Context, sess *sessions.Session, method string, params json.RawMessage) (any, error) {
	switch mcp.Method(method) {
	case mcp.ToolsListMethod:
		return mcp.ListToolsResult{Tools: r.Snapshot()}, nil
	case mcp.ToolsCallMethod:
		return r.call(ctx, sess, params)
	default:
		return nil, fmt.Errorf("%q: %w", method, engine.ErrMethodNotFound)
	}
}

func (r *Registry) call(ctx context.Context, sess *sessions.Session, params json.RawMessage) (any, error) {
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("malformed tool call params: %w", engine.ErrInvalidParams)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("tool name is required: %w", engine.ErrInvalidParams)
	}

	r.mu.RLock()
	h := r.handlers[p.Name]
	r.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("unknown tool %q: %w", p.Name, engine.ErrInvalidParams)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: p.Name})
	return h(ctx, sess, &p)
}
