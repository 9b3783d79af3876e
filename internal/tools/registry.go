package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"spaceduck/internal/provider"
)

// Registry holds the available tools. It is safe for concurrent use; tools
// register once at build time and again after a hot swap rebuilds the set.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger.Named("tools"),
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, validating its definition and compiling its argument
// schema.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	var schema *jsonschema.Schema
	if tool.Parameters != nil {
		compiled, err := compileSchema(tool.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	if schema != nil {
		r.schemas[tool.Name] = schema
	}
	r.logger.Debug("registered tool", zap.String("name", tool.Name))
	return nil
}

// MustRegister registers a tool and panics on error. Used for the built-in
// set whose definitions are static.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns all registered tool names, sorted.
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

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the provider-facing definitions. A non-nil allowed list
// restricts the set (unknown names are skipped), as task runs do.
func (r *Registry) Definitions(allowed []string) []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	if allowed == nil {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	} else {
		names = allowed
	}

	defs := make([]provider.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return defs
}

// Execute validates the call arguments and runs the tool. Handler errors and
// validation failures come back as IsError results; only an unknown tool is
// an error result too, so the loop never aborts on a model mistake.
func (r *Registry) Execute(ctx context.Context, call Call) *Result {
	start := time.Now()
	res := &Result{ToolCallID: call.ID, ToolName: call.Name}

	tool := r.Get(call.Name)
	if tool == nil {
		res.IsError = true
		res.Content = fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name)
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	if err := r.validateArgs(call); err != nil {
		res.IsError = true
		res.Content = err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	out, err := tool.Execute(ctx, call.Args)
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		r.logger.Warn("tool failed",
			zap.String("name", call.Name),
			zap.Int64("duration_ms", res.DurationMs),
			zap.Error(err))
		res.IsError = true
		res.Content = err.Error()
		return res
	}
	r.logger.Debug("tool completed",
		zap.String("name", call.Name),
		zap.Int64("duration_ms", res.DurationMs))
	res.Content = out
	return res
}

func (r *Registry) validateArgs(call Call) error {
	r.mu.RLock()
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	// Round-trip through JSON so the value shapes match what the validator
	// expects regardless of how the args were produced.
	data, err := json.Marshal(call.Args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}
