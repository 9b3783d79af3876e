package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic streams completions from the Claude Messages API.
type Anthropic struct {
	client sdk.Client
	model  string
	logger *zap.Logger
}

// NewAnthropic builds the client. baseURL overrides the API endpoint when the
// traffic goes through a proxy.
func NewAnthropic(apiKey, baseURL, model string, logger *zap.Logger) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrNotConfigured)
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{
		client: sdk.NewClient(opts...),
		model:  model,
		logger: logger.Named("anthropic"),
	}, nil
}

// Name implements Provider.
func (a *Anthropic) Name() string { return "anthropic" }

// Probe implements Provider with a one-token round trip.
func (a *Anthropic) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	_, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return fmt.Errorf("anthropic probe: %w", err)
	}
	return nil
}

// Stream implements Provider.
func (a *Anthropic) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := a.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := a.client.Messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		var usage Usage
		tools := make(map[int]*toolAccumulator)

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				usage.InputTokens = ev.Message.Usage.InputTokens
			case sdk.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					tools[int(ev.Index)] = &toolAccumulator{id: tu.ID, name: tu.Name}
				}
			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text == "" {
						continue
					}
					if !emit(ctx, out, Chunk{Type: ChunkText, Text: delta.Text}) {
						return
					}
				case sdk.InputJSONDelta:
					if acc := tools[int(ev.Index)]; acc != nil {
						acc.fragments.WriteString(delta.PartialJSON)
					}
				}
			case sdk.ContentBlockStopEvent:
				acc := tools[int(ev.Index)]
				if acc == nil {
					continue
				}
				delete(tools, int(ev.Index))
				call := &ToolCall{ID: acc.id, Name: acc.name, Args: acc.args()}
				if !emit(ctx, out, Chunk{Type: ChunkToolCall, ToolCall: call}) {
					return
				}
			case sdk.MessageDeltaEvent:
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, out, Chunk{Type: ChunkError, Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}
		if err := ctx.Err(); err != nil {
			emit(ctx, out, Chunk{Type: ChunkError, Err: err})
			return
		}
		emit(ctx, out, Chunk{Type: ChunkDone, Usage: &usage})
	}()
	return out, nil
}

func (a *Anthropic) encodeRequest(req Request) (*sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
			}
		case "user":
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
			}
		case "tool":
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	if len(params.Messages) == 0 {
		return nil, fmt.Errorf("anthropic: at least one message is required")
	}

	for _, def := range req.Tools {
		schema := sdk.ToolInputSchemaParam{}
		if def.Parameters != nil {
			schema.ExtraFields = def.Parameters
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return &params, nil
}

// toolAccumulator gathers the partial JSON of one tool_use block.
type toolAccumulator struct {
	id        string
	name      string
	fragments strings.Builder
}

func (t *toolAccumulator) args() map[string]any {
	raw := strings.TrimSpace(t.fragments.String())
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"_raw": raw}
	}
	return m
}
