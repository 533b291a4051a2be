package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tool fetches raw items from one upstream source.
type Tool interface {
	Name() string
	Fetch(ctx context.Context, params map[string]any) (json.RawMessage, error)
}

// FetchFunc is the signature of an ad hoc tool body.
type FetchFunc func(ctx context.Context, params map[string]any) (json.RawMessage, error)

type funcTool struct {
	name string
	fn   FetchFunc
}

// NewFuncTool wraps fn as a Tool named name.
func NewFuncTool(name string, fn FetchFunc) Tool {
	return funcTool{name: name, fn: fn}
}

func (t funcTool) Name() string { return t.name }

func (t funcTool) Fetch(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return t.fn(ctx, params)
}

// ToolRegistry maps tool names to tools. Each collector gets its own registry
// value; there is no package level registry.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns the named tool or a ToolError of kind unknown_tool.
func (r *ToolRegistry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return nil, &ToolError{Tool: name, Kind: KindUnknownTool, Err: fmt.Errorf("not registered")}
	}
	return tool, nil
}

func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
