// ABOUTME: Thread-safe registry for in-process tools.
// ABOUTME: Manages registration, listing in stable order, and dispatch by name.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrToolNotFound indicates the named tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolCollision indicates a tool name is already registered.
var ErrToolCollision = errors.New("tool name collision")

// Handler executes a tool. It receives the calling agent's ID and the tool
// input as JSON. Returns the result as JSON or an error.
type Handler func(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error)

// Tool is one callable tool with its schema and handler.
type Tool struct {
	Name        string
	Description string
	InputSchema string
	Handler     Handler
}

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Returns ErrToolCollision if the name is taken.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolCollision, t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// List returns all tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Call dispatches an invocation to the named tool.
func (r *Registry) Call(ctx context.Context, name, agentID string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t.Handler(ctx, agentID, input)
}
