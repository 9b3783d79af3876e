// Package agent runs one conversational turn: build context, stream the
// provider, round-trip tool calls, persist the transcript, emit the
// assistant_message event. Callers hold the conversation's run lock for the
// duration of Run; the loop itself never touches the lock.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"spaceduck/internal/config"
	"spaceduck/internal/events"
	"spaceduck/internal/provider"
	"spaceduck/internal/store"
	"spaceduck/internal/tools"
)

// ErrorCodeAgent tags provider and round-limit failures on the error chunk.
const ErrorCodeAgent = "AGENT_ERROR"

const defaultMaxToolRounds = 8

// Chunk kinds surfaced to the sink.
const (
	ChunkText       = "text"
	ChunkToolCall   = "tool_call"
	ChunkToolResult = "tool_result"
	ChunkError      = "error"
)

// Chunk is one streamed element of a turn. Exactly the fields matching Type
// are set.
type Chunk struct {
	Type       string
	Text       string
	ToolCall   *store.ToolCall
	ToolResult *tools.Result
	Code       string
	Message    string
}

// Sink receives chunks in order. It is called from the turn's goroutine; a
// slow sink slows the turn.
type Sink func(Chunk)

// RegistryFunc returns the current tool registry. Indirection keeps the loop
// working across hot swaps.
type RegistryFunc func() *tools.Registry

// Recaller surfaces long-term memory hints for the context builder. May be
// nil when memory is disabled.
type Recaller interface {
	Recall(ctx context.Context, query string, limit int) ([]store.MemoryMatch, error)
}

// Turn is one inbound user message.
type Turn struct {
	ConversationID string
	Content        string
	RequestID      string
	Attachments    []store.Attachment

	// AllowedTools restricts the advertised tools; nil means all. Scheduled
	// tasks use this for skill-scoped runs.
	AllowedTools []string
}

// Result summarizes a completed turn.
type Result struct {
	Message   *store.Message
	Usage     provider.Usage
	ToolCalls int
	Rounds    int
}

// Loop orchestrates turns. One Loop serves all conversations; per-turn state
// lives on the stack.
type Loop struct {
	store    *store.Store
	provider provider.Provider
	registry RegistryFunc
	bus      *events.Bus
	cfg      *config.Store
	recall   Recaller
	logger   *zap.Logger
}

// New wires the loop. provider is normally the swappable proxy; recall may be
// nil.
func New(st *store.Store, p provider.Provider, registry RegistryFunc, bus *events.Bus, cfg *config.Store, recall Recaller, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		store:    st,
		provider: p,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		recall:   recall,
		logger:   logger.Named("agent"),
	}
}

// Run executes one turn. The user message is persisted before the provider is
// contacted; the assistant message is persisted only on success. A provider
// failure mid-stream yields an AGENT_ERROR chunk and returns an error without
// persisting an assistant message.
func (l *Loop) Run(ctx context.Context, turn Turn, sink Sink) (*Result, error) {
	if sink == nil {
		sink = func(Chunk) {}
	}
	if turn.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	if err := l.ensureConversation(turn.ConversationID); err != nil {
		return nil, err
	}
	userMsg := &store.Message{
		ConversationID: turn.ConversationID,
		Role:           "user",
		Content:        turn.Content,
		RequestID:      turn.RequestID,
		Attachments:    turn.Attachments,
	}
	if err := l.store.AppendMessage(userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	ai := l.cfg.Current().AI
	system, msgs, err := l.buildContext(ctx, turn)
	if err != nil {
		return nil, err
	}

	maxRounds := ai.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	res := &Result{}
	toolCtx := tools.WithConversationID(ctx, turn.ConversationID)

	for round := 0; round < maxRounds; round++ {
		res.Rounds = round + 1
		req := provider.Request{
			Model:    ai.Model,
			System:   system,
			Messages: msgs,
			Tools:    l.registry().Definitions(turn.AllowedTools),
		}

		text, calls, usage, err := l.streamRound(ctx, req, sink)
		if err != nil {
			sink(Chunk{Type: ChunkError, Code: ErrorCodeAgent, Message: err.Error()})
			return nil, fmt.Errorf("provider stream: %w", err)
		}
		res.Usage.InputTokens += usage.InputTokens
		res.Usage.OutputTokens += usage.OutputTokens

		if len(calls) == 0 {
			final := &store.Message{
				ConversationID: turn.ConversationID,
				Role:           "assistant",
				Content:        text,
				RequestID:      turn.RequestID,
			}
			if err := l.store.AppendMessage(final); err != nil {
				return nil, fmt.Errorf("append assistant message: %w", err)
			}
			res.Message = final
			l.bus.Publish(events.TypeAssistantMessage, events.AssistantMessage{
				ConversationID: turn.ConversationID,
				Message:        *final,
			})
			l.logger.Info("turn complete",
				zap.String("conversation_id", turn.ConversationID),
				zap.Int("rounds", res.Rounds),
				zap.Int("tool_calls", res.ToolCalls),
				zap.Int64("input_tokens", res.Usage.InputTokens),
				zap.Int64("output_tokens", res.Usage.OutputTokens))
			return res, nil
		}

		// Tool round: persist the preamble, dispatch each call, feed the
		// results back and re-enter the provider.
		preamble := &store.Message{
			ConversationID: turn.ConversationID,
			Role:           "assistant",
			Content:        text,
			RequestID:      turn.RequestID,
			ToolCalls:      calls,
		}
		if err := l.store.AppendMessage(preamble); err != nil {
			return nil, fmt.Errorf("append tool preamble: %w", err)
		}
		msgs = append(msgs, provider.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: providerCalls(calls),
		})

		for _, call := range calls {
			res.ToolCalls++
			result := l.registry().Execute(toolCtx, tools.Call{ID: call.ID, Name: call.Name, Args: call.Args})
			sink(Chunk{Type: ChunkToolResult, ToolResult: result})

			toolMsg := &store.Message{
				ConversationID: turn.ConversationID,
				Role:           "tool",
				Content:        result.Content,
				RequestID:      turn.RequestID,
				ToolCallID:     call.ID,
				ToolName:       call.Name,
				IsError:        result.IsError,
			}
			if err := l.store.AppendMessage(toolMsg); err != nil {
				return nil, fmt.Errorf("append tool result: %w", err)
			}
			msgs = append(msgs, provider.Message{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    result.IsError,
			})
		}
	}

	err = fmt.Errorf("tool round limit exceeded after %d rounds", maxRounds)
	sink(Chunk{Type: ChunkError, Code: ErrorCodeAgent, Message: err.Error()})
	return nil, err
}

// streamRound consumes one provider stream, forwarding text and collecting
// tool calls. The provider closing without a terminal chunk counts as an
// error.
func (l *Loop) streamRound(ctx context.Context, req provider.Request, sink Sink) (string, []store.ToolCall, provider.Usage, error) {
	var (
		text  strings.Builder
		calls []store.ToolCall
		usage provider.Usage
	)

	stream, err := l.provider.Stream(ctx, req)
	if err != nil {
		return "", nil, usage, err
	}

	terminal := false
	for chunk := range stream {
		switch chunk.Type {
		case provider.ChunkText:
			text.WriteString(chunk.Text)
			sink(Chunk{Type: ChunkText, Text: chunk.Text})
		case provider.ChunkToolCall:
			call := store.ToolCall{ID: chunk.ToolCall.ID, Name: chunk.ToolCall.Name, Args: chunk.ToolCall.Args}
			calls = append(calls, call)
			sink(Chunk{Type: ChunkToolCall, ToolCall: &call})
		case provider.ChunkDone:
			terminal = true
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		case provider.ChunkError:
			return "", nil, usage, chunk.Err
		}
	}
	if !terminal {
		if err := ctx.Err(); err != nil {
			return "", nil, usage, err
		}
		return "", nil, usage, errors.New("provider stream ended without done")
	}
	return text.String(), calls, usage, nil
}

func (l *Loop) ensureConversation(id string) error {
	_, err := l.store.GetConversation(id)
	if errors.Is(err, store.ErrNotFound) {
		_, err = l.store.CreateConversation(id, "")
	}
	return err
}

func providerCalls(calls []store.ToolCall) []provider.ToolCall {
	out := make([]provider.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = provider.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	return out
}
