// Package tools implements the tool-execution port: a registry of tool
// definitions with JSON-schema argument validation and per-principal
// permission checks.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Result is the structured outcome of a tool invocation. Invocation
// problems (unknown tool, bad arguments, denied principal, handler error)
// are reported here, not as Go errors; the runner feeds them back to the
// model either way.
type Result struct {
	// Success indicates whether the invocation succeeded.
	Success bool `json:"success"`
	// Output is the tool's output on success.
	Output string `json:"output,omitempty"`
	// Error is the failure description on failure.
	Error string `json:"error,omitempty"`
}

// Handler executes a tool call with validated arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Definition describes a registered tool.
type Definition struct {
	// Name is the tool identifier.
	Name string
	// Description tells the model what the tool does.
	Description string
	// InputSchema is the JSON-schema properties map for the arguments.
	InputSchema map[string]any
	// Required lists the required argument names.
	Required []string
}

// PermissionFunc decides whether a principal may invoke a tool.
// A nil PermissionFunc allows everything.
type PermissionFunc func(principal, toolID string) bool

// Registry holds tool definitions and executes invocations.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	handlers map[string]Handler
	schemas  map[string]*gojsonschema.Schema
	allow    PermissionFunc
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*gojsonschema.Schema),
	}
}

// SetPermissionFunc installs the permission check applied on every Invoke.
func (r *Registry) SetPermissionFunc(fn PermissionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allow = fn
}

// Register adds a tool to the registry, compiling its argument schema.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if handler == nil {
		return fmt.Errorf("register tool %s: handler is required", def.Name)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", def.Name)
	}
	r.defs[def.Name] = def
	r.handlers[def.Name] = handler
	r.schemas[def.Name] = schema
	return nil
}

// Definitions returns all registered tool definitions.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}

// Definition returns the definition for a tool ID.
func (r *Registry) Definition(toolID string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[toolID]
	return def, ok
}

// Invoke executes a tool call on behalf of a principal. Arguments are
// validated against the tool's schema before the handler runs.
func (r *Registry) Invoke(ctx context.Context, toolID string, args map[string]any, principal string) Result {
	r.mu.RLock()
	handler, ok := r.handlers[toolID]
	schema := r.schemas[toolID]
	allow := r.allow
	r.mu.RUnlock()

	if !ok {
		return Result{Error: fmt.Sprintf("unknown tool: %s", toolID)}
	}
	if allow != nil && !allow(principal, toolID) {
		return Result{Error: fmt.Sprintf("principal %s is not allowed to invoke %s", principal, toolID)}
	}

	if args == nil {
		args = map[string]any{}
	}
	validation, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return Result{Error: fmt.Sprintf("validate arguments: %v", err)}
	}
	if !validation.Valid() {
		msgs := ""
		for _, e := range validation.Errors() {
			if msgs != "" {
				msgs += "; "
			}
			msgs += e.String()
		}
		return Result{Error: fmt.Sprintf("invalid arguments for %s: %s", toolID, msgs)}
	}

	output, err := handler(ctx, args)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Output: output}
}

func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	schemaMap := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           def.InputSchema,
	}
	if schemaMap["properties"] == nil {
		schemaMap["properties"] = map[string]any{}
	}
	if len(def.Required) > 0 {
		schemaMap["required"] = def.Required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}
