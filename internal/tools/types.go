// Package tools holds the built-in tool registry exposed to the agent loop.
// Tools are plain functions with a JSON-Schema argument contract; the registry
// validates arguments before dispatch so handlers can trust their inputs.
package tools

import (
	"context"
	"fmt"
)

// ExecuteFunc is the signature for tool execution. The returned string is
// handed back to the model verbatim as the tool result.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered tool.
type Tool struct {
	// Name is the unique identifier advertised to the model.
	Name string

	// Description explains what the tool does, for the model.
	Description string

	// Parameters is the JSON Schema for the arguments. Every property must
	// declare a type, $ref, oneOf, or anyOf.
	Parameters map[string]any

	// Execute runs the tool.
	Execute ExecuteFunc
}

// Validate checks the tool definition, including the schema property rule.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return fmt.Errorf("%s: %w", t.Name, ErrToolExecuteNil)
	}
	return validateProperties(t.Name, t.Parameters)
}

func validateProperties(name string, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for propName, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: tool %s property %s is not an object", ErrInvalidSchema, name, propName)
		}
		if !hasSchemaKind(prop) {
			return fmt.Errorf("%w: tool %s property %s needs type, $ref, oneOf, or anyOf", ErrInvalidSchema, name, propName)
		}
		// Nested objects follow the same rule.
		if err := validateProperties(name, prop); err != nil {
			return err
		}
		if items, ok := prop["items"].(map[string]any); ok {
			if !hasSchemaKind(items) {
				return fmt.Errorf("%w: tool %s property %s items need type, $ref, oneOf, or anyOf", ErrInvalidSchema, name, propName)
			}
			if err := validateProperties(name, items); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasSchemaKind(prop map[string]any) bool {
	for _, key := range []string{"type", "$ref", "oneOf", "anyOf"} {
		if _, ok := prop[key]; ok {
			return true
		}
	}
	return false
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is the outcome handed back to the model. Handler failures become
// IsError results rather than loop aborts, so the model can recover.
type Result struct {
	ToolCallID string
	ToolName   string
	Content    string
	IsError    bool
	DurationMs int64
}

type ctxKey int

const conversationIDKey ctxKey = iota

// WithConversationID tags ctx with the conversation the tool call belongs to.
// Session-scoped tools (the browser family) read it back during execution.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFrom returns the conversation ID tagged on ctx, if any.
func ConversationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(conversationIDKey).(string)
	return id
}
