package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
	webSearchTimeout    = 30 * time.Second
	webSearchMaxResults = 20
)

// WebSearchTool searches the web through the Brave Search API.
func WebSearchTool(client *http.Client, apiKey func() string) *Tool {
	if client == nil {
		client = http.DefaultClient
	}
	return &Tool{
		Name:        "web_search",
		Description: "Search the web and return titles, URLs, and snippets",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results (default 10, max 20)",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeWebSearch(ctx, client, apiKey(), args)
		},
	}
}

func executeWebSearch(ctx context.Context, client *http.Client, apiKey string, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	if apiKey == "" {
		return "", fmt.Errorf("web_search: brave api key is not set")
	}
	maxResults := 10
	if mr, ok := args["max_results"].(float64); ok && mr > 0 {
		maxResults = int(mr)
	}
	if maxResults > webSearchMaxResults {
		maxResults = webSearchMaxResults
	}

	ctx, cancel := context.WithTimeout(ctx, webSearchTimeout)
	defer cancel()

	searchURL := fmt.Sprintf("%s?q=%s&count=%d", braveSearchEndpoint, url.QueryEscape(query), maxResults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("brave search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("brave search status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result braveSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode brave response: %w", err)
	}
	if len(result.Web.Results) == 0 {
		return "No results found for: " + query, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Search results for: %s\n\n", query)
	for i, r := range result.Web.Results {
		if i >= maxResults {
			break
		}
		fmt.Fprintf(&sb, "## %d. %s\n**URL:** %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "\n%s\n", r.Description)
		}
		sb.WriteString("\n---\n\n")
	}
	return sb.String(), nil
}

type braveSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}
