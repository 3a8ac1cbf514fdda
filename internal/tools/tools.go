// Package tools holds the named capabilities a model may invoke while
// answering.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Handler executes a tool with already-decoded arguments and returns
// the text handed back to the model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  any     `json:"parameters"`
	Handler     Handler `json:"-"`
}

// Registry holds available tools. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Describe returns the tool declarations sent to the backend, sorted by
// name so that identical registries produce identical requests. It
// returns nil for an empty registry.
func (r *Registry) Describe() []openai.Tool {
	names := r.Names()
	if len(names) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// Invoke runs t with args.
func (r *Registry) Invoke(ctx context.Context, t *Tool, args map[string]any) (string, error) {
	if t == nil || t.Handler == nil {
		return "", &ErrToolNotFound{ToolName: "<nil>"}
	}
	return t.Handler(ctx, args)
}

// decodeArgs maps loosely typed arguments onto a typed struct.
func decodeArgs(args map[string]any, v any) error {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
