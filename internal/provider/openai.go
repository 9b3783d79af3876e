package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint used when the provider
// is "openrouter" and no explicit base URL is configured.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAI streams completions from the Chat Completions API. The same client
// serves any OpenAI-compatible endpoint, so "openrouter" reuses it with a
// different base URL.
type OpenAI struct {
	name   string
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAI builds the client. name distinguishes compatible backends in logs
// and the dashboard ("openai", "openrouter").
func NewOpenAI(name, apiKey, baseURL, model string, logger *zap.Logger) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}
	if model == "" {
		return nil, fmt.Errorf("%s: model is required", name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.Named(name),
	}, nil
}

// Name implements Provider.
func (o *OpenAI) Name() string { return o.name }

// Probe implements Provider.
func (o *OpenAI) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	if _, err := o.client.ListModels(ctx); err != nil {
		return fmt.Errorf("%s probe: %w", o.name, err)
	}
	return nil
}

// Stream implements Provider.
func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ccr, err := o.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream, err := o.client.CreateChatCompletionStream(ctx, *ccr)
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", o.name, err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		var usage Usage
		pending := make(map[int]*openaiToolAccumulator)

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				emit(ctx, out, Chunk{Type: ChunkError, Err: fmt.Errorf("%s stream: %w", o.name, err)})
				return
			}
			if resp.Usage != nil {
				usage.InputTokens = int64(resp.Usage.PromptTokens)
				usage.OutputTokens = int64(resp.Usage.CompletionTokens)
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				if !emit(ctx, out, Chunk{Type: ChunkText, Text: delta.Content}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc := pending[idx]
				if acc == nil {
					acc = &openaiToolAccumulator{}
					pending[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.arguments += tc.Function.Arguments
			}
		}

		// Tool call deltas carry no end marker of their own; flush in index
		// order once the stream closes.
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			acc := pending[idx]
			if acc.name == "" {
				continue
			}
			call := &ToolCall{ID: acc.id, Name: acc.name, Args: acc.args()}
			if !emit(ctx, out, Chunk{Type: ChunkToolCall, ToolCall: call}) {
				return
			}
		}
		emit(ctx, out, Chunk{Type: ChunkDone, Usage: &usage})
	}()
	return out, nil
}

func (o *OpenAI) encodeRequest(req Request) (*openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return nil, fmt.Errorf("%s: unsupported role %q", o.name, m.Role)
		}
		msg := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.Role == "tool" {
			msg.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				return nil, fmt.Errorf("%s: encode tool call args: %w", o.name, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%s: at least one message is required", o.name)
	}

	ccr := &openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		ccr.MaxTokens = req.MaxTokens
	}
	for _, def := range req.Tools {
		ccr.Tools = append(ccr.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return ccr, nil
}

type openaiToolAccumulator struct {
	id        string
	name      string
	arguments string
}

func (t *openaiToolAccumulator) args() map[string]any {
	if t.arguments == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(t.arguments), &m); err != nil {
		return map[string]any{"_raw": t.arguments}
	}
	return m
}
