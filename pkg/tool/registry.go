package tool

import (
	"fmt"
	"strings"
	"sync"

	"tally/pkg/types"
)

// Registry holds tool instances in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a name twice replaces the earlier tool in place.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool instance by exact name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Find returns a tool by name, falling back to a case-insensitive match.
func (r *Registry) Find(name string) (Tool, error) {
	if t, ok := r.Get(name); ok {
		return t, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.order {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return r.tools[n], nil
		}
	}
	return nil, &ToolNotFoundError{Name: name}
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Tool, 0, len(r.order))
	for _, n := range r.order {
		list = append(list, r.tools[n])
	}
	return list
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the declarative contract of every tool.
func (r *Registry) Definitions() []types.ToolDefinition {
	return ToDefinitions(r.List())
}

// Remove deletes a tool from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ToolNotFoundError indicates a requested tool is missing.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}
