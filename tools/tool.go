// Package tools defines the tool contract the agent runtime executes
// against, plus the inline validators (SSRF, path traversal) guarding
// the highest-risk tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"toolhost/permission"
)

// Definition describes a tool to the model.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Context carries the per-invocation collaborators a tool may use: the
// caller's session id and the permission gate. No side effect may run
// before Ask approves it.
type Context struct {
	SessionID string
	Asker     permission.Asker
}

// Ask forwards to the permission gate; a nil Asker denies everything.
func (c *Context) Ask(ctx context.Context, req permission.Request) error {
	if c == nil || c.Asker == nil {
		return permission.Denied("no permission gate configured")
	}
	return c.Asker.Ask(ctx, req)
}

// Result is what a tool execution hands back to the conversation loop.
type Result struct {
	Title    string                 `json:"title"`
	Output   string                 `json:"output"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Executor is the interface every tool implements.
type Executor interface {
	GetDefinition() Definition
	Execute(ctx context.Context, input map[string]interface{}, tc *Context) (*Result, error)
}

// Registry holds all available tools.
type Registry struct {
	tools     map[string]Definition
	executors map[string]Executor
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Definition),
		executors: make(map[string]Executor),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(executor Executor) {
	def := executor.GetDefinition()
	r.tools[def.Name] = def
	r.executors[def.Name] = executor
	logger.Debug("Registered tool: " + def.Name)
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (Executor, bool) {
	executor, ok := r.executors[name]
	return executor, ok
}

// Definitions returns all registered tool definitions.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, def)
	}
	return defs
}

// Execute runs a named tool.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]interface{}, tc *Context) (*Result, error) {
	executor, exists := r.executors[name]
	if !exists {
		return nil, serr.New("unknown tool: " + name)
	}

	start := time.Now()
	result, err := executor.Execute(ctx, input, tc)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		logger.LogErr(err, fmt.Sprintf("Tool execution failed: %s (duration: %dms)", name, duration))
		return nil, err
	}
	logger.Debug(fmt.Sprintf("Tool executed successfully: %s (duration: %dms)", name, duration))
	return result, nil
}

// Helper function to get string from interface{}
func GetString(input map[string]interface{}, key string) (string, bool) {
	val, exists := input[key]
	if !exists {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// Helper function to get int from interface{}
func GetInt(input map[string]interface{}, key string) (int, bool) {
	val, exists := input[key]
	if !exists {
		return 0, false
	}

	// Handle both int and float64 (JSON numbers are float64)
	switch v := val.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Helper function to get bool from interface{}
func GetBool(input map[string]interface{}, key string) (bool, bool) {
	val, exists := input[key]
	if !exists {
		return false, false
	}
	boolVal, ok := val.(bool)
	return boolVal, ok
}

// MarshalJSON for proper JSON encoding
func (d Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		InputSchema map[string]interface{} `json:"input_schema"`
	}{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: d.InputSchema,
	})
}
