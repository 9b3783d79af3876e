package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"spaceduck/internal/config"
)

// ConfigGetTool returns the redacted config snapshot plus its revision, so
// the model can propose edits against a known rev.
func ConfigGetTool(store *config.Store) *Tool {
	return &Tool{
		Name:        "config_get",
		Description: "Read the current gateway configuration (secrets redacted) and its revision",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			view := store.GetRedacted()
			data, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				return "", fmt.Errorf("encode config: %w", err)
			}
			return string(data), nil
		},
	}
}

// ConfigSetTool applies JSON Patch operations to the config. The store
// enforces the revision gate and the secret-path ban; this tool translates
// the outcome for the model and runs onChange so hot swaps apply before the
// next tool round. onChange may be nil.
func ConfigSetTool(store *config.Store, onChange func(changedPaths []string)) *Tool {
	return &Tool{
		Name:        "config_set",
		Description: "Apply JSON Patch operations to the gateway configuration. Requires the expected revision from config_get. Secret paths cannot be patched.",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"ops", "expected_rev"},
			"properties": map[string]any{
				"ops": map[string]any{
					"type":        "array",
					"description": "JSON Patch operations (op, path, value)",
					"items": map[string]any{
						"type":     "object",
						"required": []any{"op", "path"},
						"properties": map[string]any{
							"op":    map[string]any{"type": "string", "enum": []any{"add", "replace", "remove"}},
							"path":  map[string]any{"type": "string"},
							"value": map[string]any{"anyOf": []any{map[string]any{"type": "string"}, map[string]any{"type": "number"}, map[string]any{"type": "boolean"}, map[string]any{"type": "object"}, map[string]any{"type": "array"}, map[string]any{"type": "null"}}},
						},
					},
				},
				"expected_rev": map[string]any{
					"type":        "string",
					"description": "The config revision this patch was computed against",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeConfigSet(store, onChange, args)
		},
	}
}

func executeConfigSet(store *config.Store, onChange func([]string), args map[string]any) (string, error) {
	expectedRev, _ := args["expected_rev"].(string)
	raw, err := json.Marshal(args["ops"])
	if err != nil {
		return "", fmt.Errorf("encode ops: %w", err)
	}
	var ops []config.PatchOp
	if err := json.Unmarshal(raw, &ops); err != nil {
		return "", fmt.Errorf("decode ops: %w", err)
	}
	if len(ops) == 0 {
		return "", fmt.Errorf("ops must not be empty")
	}

	result, err := store.Patch(ops, expectedRev)
	if err != nil {
		return "", err
	}
	if onChange != nil {
		onChange(result.ChangedPaths)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Config updated to rev %s.\nChanged: %s", result.NewRev, strings.Join(result.ChangedPaths, ", "))
	if len(result.NeedsRestart) > 0 {
		fmt.Fprintf(&sb, "\nRestart required for: %s", strings.Join(result.NeedsRestart, ", "))
	}
	return sb.String(), nil
}
