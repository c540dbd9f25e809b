// Package tools provides the tool registry and batch executor behind the
// model's function-calling loop.
//
// Tools implement the Tool interface and are registered by name with a JSON
// Schema describing their arguments. The registry compiles every schema at
// registration time, so a malformed schema is caught at startup rather than
// mid-conversation. Argument validation happens before execution; a call
// that fails validation never reaches the tool.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/internal/provider"
)

// Tool is a capability the model can invoke during a conversation.
//
// Example:
//
//	type Calculator struct{}
//
//	func (c *Calculator) Name() string        { return "calculator" }
//	func (c *Calculator) Description() string { return "Evaluate an expression" }
//	func (c *Calculator) Schema() json.RawMessage {
//	    return json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`)
//	}
//
//	func (c *Calculator) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
//	    var input struct{ Expression string `json:"expression"` }
//	    json.Unmarshal(args, &input)
//	    return &Result{Content: evaluate(input.Expression)}, nil
//	}
type Tool interface {
	// Name returns the tool name used for function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments object.
	Schema() json.RawMessage

	// Execute runs the tool. The args have already been validated against
	// Schema(). Domain failures should be reported as a Result with
	// IsError set so the model can react; returned errors are treated as
	// execution failures.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is the output of a tool execution. Errors are communicated with
// IsError=true so the model can handle failures gracefully.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type registration struct {
	tool         Tool
	schema       *jsonschema.Schema
	parallelSafe bool
}

// RegisterOption configures a tool registration.
type RegisterOption func(*registration)

// WithParallelSafe marks a tool as safe for concurrent execution. Tools
// without this flag always run sequentially.
func WithParallelSafe() RegisterOption {
	return func(r *registration) { r.parallelSafe = true }
}

// Registry holds the tools available to the engine, keyed by name.
// Registration is expected at startup; lookup is read-mostly and safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registration)}
}

// Register adds a tool. The schema is compiled here; an invalid schema or a
// duplicate name fails the registration.
func (r *Registry) Register(tool Tool, opts ...RegisterOption) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}

	schema, err := compileSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	reg := &registration{tool: tool, schema: schema}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.entries[name] = reg
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Schemas exports provider-facing descriptors for every registered tool,
// sorted by name so the model sees a stable listing.
func (r *Registry) Schemas() []provider.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]provider.ToolSchema, 0, len(r.entries))
	for name, reg := range r.entries {
		schemas = append(schemas, provider.ToolSchema{
			Name:        name,
			Description: reg.tool.Description(),
			Parameters:  reg.tool.Schema(),
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// validate checks args against the tool's compiled schema.
// Returns (registration, nil) on success so the caller avoids a second lookup.
func (r *Registry) validate(name string, args json.RawMessage) (*registration, error) {
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ToolError{Tool: name, Kind: ErrNotFound, Err: fmt.Errorf("tool not found: %s", name)}
	}

	var decoded any
	payload := args
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &ToolError{Tool: name, Kind: ErrValidation, Err: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}
	if err := reg.schema.Validate(decoded); err != nil {
		return nil, &ToolError{Tool: name, Kind: ErrValidation, Err: err}
	}
	return reg, nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}
