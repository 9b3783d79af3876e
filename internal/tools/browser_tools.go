package tools

import (
	"bytes"
	"context"
	"fmt"

	"spaceduck/internal/attachments"
)

// BrowserSession is the slice of a pooled browser session the tools need.
type BrowserSession interface {
	// Navigate loads a URL and returns the page title.
	Navigate(ctx context.Context, url string) (string, error)
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// ExtractText returns the visible text of the page, optionally scoped to
	// a CSS selector.
	ExtractText(ctx context.Context, selector string) (string, error)
}

// BrowserPool hands out the per-conversation session.
type BrowserPool interface {
	Acquire(ctx context.Context, conversationID string) (BrowserSession, error)
}

func acquireSession(ctx context.Context, pool BrowserPool) (BrowserSession, error) {
	conversationID := ConversationIDFrom(ctx)
	if conversationID == "" {
		return nil, fmt.Errorf("browser tools require a conversation context")
	}
	return pool.Acquire(ctx, conversationID)
}

// BrowserNavigateTool drives the conversation's browser session to a URL.
func BrowserNavigateTool(pool BrowserPool) *Tool {
	return &Tool{
		Name:        "browser_navigate",
		Description: "Open a URL in the conversation's browser session",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to open",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return "", fmt.Errorf("url is required")
			}
			session, err := acquireSession(ctx, pool)
			if err != nil {
				return "", err
			}
			title, err := session.Navigate(ctx, url)
			if err != nil {
				return "", fmt.Errorf("navigate: %w", err)
			}
			return fmt.Sprintf("Opened %s (%s)", url, title), nil
		},
	}
}

// BrowserScreenshotTool captures the current page into the attachment store
// and returns the opaque attachment reference.
func BrowserScreenshotTool(pool BrowserPool, store *attachments.Store) *Tool {
	return &Tool{
		Name:        "browser_screenshot",
		Description: "Capture a screenshot of the conversation's browser session",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			session, err := acquireSession(ctx, pool)
			if err != nil {
				return "", err
			}
			png, err := session.Screenshot(ctx)
			if err != nil {
				return "", fmt.Errorf("screenshot: %w", err)
			}
			entry, err := store.Put(bytes.NewReader(png), "screenshot.png", "image/png")
			if err != nil {
				return "", fmt.Errorf("store screenshot: %w", err)
			}
			return fmt.Sprintf("Screenshot captured: attachment://%s", entry.ID), nil
		},
	}
}

// BrowserExtractTool pulls visible text out of the current page.
func BrowserExtractTool(pool BrowserPool) *Tool {
	return &Tool{
		Name:        "browser_extract",
		Description: "Extract visible text from the current page, optionally scoped to a CSS selector",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"selector": map[string]any{
					"type":        "string",
					"description": "CSS selector to scope the extraction (default: whole page)",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			selector, _ := args["selector"].(string)
			session, err := acquireSession(ctx, pool)
			if err != nil {
				return "", err
			}
			text, err := session.ExtractText(ctx, selector)
			if err != nil {
				return "", fmt.Errorf("extract: %w", err)
			}
			return text, nil
		},
	}
}
