package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	perplexityBaseURL = "https://api.perplexity.ai"
	perplexityModel   = "sonar"
	webAnswerTimeout  = 90 * time.Second
)

// WebAnswerTool asks a search-grounded model to answer a question directly.
// Perplexity speaks the Chat Completions dialect, so the OpenAI client is
// pointed at its endpoint.
func WebAnswerTool(apiKey func() string) *Tool {
	return &Tool{
		Name:        "web_answer",
		Description: "Answer a question using live web search, returning a sourced answer",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"question"},
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question to answer",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeWebAnswer(ctx, apiKey(), args)
		},
	}
}

func executeWebAnswer(ctx context.Context, apiKey string, args map[string]any) (string, error) {
	question, _ := args["question"].(string)
	if question == "" {
		return "", fmt.Errorf("question is required")
	}
	if apiKey == "" {
		return "", fmt.Errorf("web_answer: perplexity api key is not set")
	}

	ctx, cancel := context.WithTimeout(ctx, webAnswerTimeout)
	defer cancel()

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = perplexityBaseURL
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: perplexityModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Answer concisely and cite sources."},
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
	})
	if err != nil {
		return "", fmt.Errorf("web_answer: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("web_answer: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
