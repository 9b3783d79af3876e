package tools

import "errors"

// Registry errors.
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolExecuteNil is returned when a tool has no execute function.
	ErrToolExecuteNil = errors.New("tool execute function cannot be nil")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrInvalidSchema is returned when a schema property lacks a type or
	// schema reference.
	ErrInvalidSchema = errors.New("invalid tool schema")

	// ErrInvalidArgs is returned when arguments fail schema validation.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)
