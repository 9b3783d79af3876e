package tools

import (
	"bytes"
	"context"
	"fmt"

	"github.com/wcharczuk/go-chart/v2"

	"spaceduck/internal/attachments"
)

// RenderChartTool renders a line or bar chart to PNG and stores it as an
// attachment the client can download.
func RenderChartTool(store *attachments.Store) *Tool {
	return &Tool{
		Name:        "render_chart",
		Description: "Render a line or bar chart from numeric values and return an attachment reference",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"kind", "values"},
			"properties": map[string]any{
				"kind": map[string]any{
					"type":        "string",
					"enum":        []any{"line", "bar"},
					"description": "Chart type",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "Chart title",
				},
				"values": map[string]any{
					"type":        "array",
					"description": "Y values, in order",
					"items":       map[string]any{"type": "number"},
				},
				"labels": map[string]any{
					"type":        "array",
					"description": "Labels per value (bar charts)",
					"items":       map[string]any{"type": "string"},
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeRenderChart(store, args)
		},
	}
}

func executeRenderChart(store *attachments.Store, args map[string]any) (string, error) {
	kind, _ := args["kind"].(string)
	title, _ := args["title"].(string)

	values, err := floatSlice(args["values"])
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", fmt.Errorf("values must not be empty")
	}
	labels := stringSlice(args["labels"])

	var buf bytes.Buffer
	switch kind {
	case "line":
		xs := make([]float64, len(values))
		for i := range values {
			xs[i] = float64(i)
		}
		graph := chart.Chart{
			Title: title,
			Series: []chart.Series{
				chart.ContinuousSeries{XValues: xs, YValues: values},
			},
		}
		if err := graph.Render(chart.PNG, &buf); err != nil {
			return "", fmt.Errorf("render line chart: %w", err)
		}
	case "bar":
		bars := make([]chart.Value, len(values))
		for i, v := range values {
			label := ""
			if i < len(labels) {
				label = labels[i]
			}
			bars[i] = chart.Value{Value: v, Label: label}
		}
		graph := chart.BarChart{
			Title:    title,
			BarWidth: 40,
			Bars:     bars,
		}
		if err := graph.Render(chart.PNG, &buf); err != nil {
			return "", fmt.Errorf("render bar chart: %w", err)
		}
	default:
		return "", fmt.Errorf("unknown chart kind %q", kind)
	}

	entry, err := store.Put(&buf, "chart.png", "image/png")
	if err != nil {
		return "", fmt.Errorf("store chart: %w", err)
	}
	return fmt.Sprintf("Chart rendered: attachment://%s", entry.ID), nil
}

func floatSlice(v any) ([]float64, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("values must be an array of numbers")
	}
	out := make([]float64, 0, len(raw))
	for _, item := range raw {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("values must be an array of numbers")
		}
		out = append(out, f)
	}
	return out, nil
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
