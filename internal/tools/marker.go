package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"spaceduck/internal/attachments"
)

const (
	markerTimeout       = 5 * time.Minute
	defaultMarkerBinary = "marker_single"
)

// MarkerScanTool converts an uploaded document (PDF and friends) to markdown
// using the marker CLI. The document comes in as an attachment reference so
// no filesystem path crosses the tool boundary.
func MarkerScanTool(store *attachments.Store, binary string) *Tool {
	if binary == "" {
		binary = defaultMarkerBinary
	}
	return &Tool{
		Name:        "marker_scan",
		Description: "Convert an uploaded document attachment (PDF, image) to markdown text",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"attachment_id"},
			"properties": map[string]any{
				"attachment_id": map[string]any{
					"type":        "string",
					"description": "ID of the uploaded attachment to convert",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeMarkerScan(ctx, store, binary, args)
		},
	}
}

func executeMarkerScan(ctx context.Context, store *attachments.Store, binary string, args map[string]any) (string, error) {
	id, _ := args["attachment_id"].(string)
	if id == "" {
		return "", fmt.Errorf("attachment_id is required")
	}

	rc, entry, err := store.Open(id)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer rc.Close()

	workDir, err := os.MkdirTemp("", "marker-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, entry.Filename)
	f, err := os.Create(input)
	if err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("stage input: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}

	outDir := filepath.Join(workDir, "out")
	execCtx, cancel := context.WithTimeout(ctx, markerTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, binary, input, "--output_dir", outDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("marker: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	markdown, err := collectMarkdown(outDir)
	if err != nil {
		return "", err
	}
	if markdown == "" {
		return "", fmt.Errorf("marker produced no markdown output")
	}
	return markdown, nil
}

func collectMarkdown(dir string) (string, error) {
	var parts []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		parts = append(parts, string(data))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("collect marker output: %w", err)
	}
	return strings.Join(parts, "\n\n"), nil
}
