package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"spaceduck/internal/provider"
)

const (
	contextTailLimit = 40
	memoryHintLimit  = 5
)

// buildContext assembles the system prompt (with memory hints folded in) and
// the conversation tail for the provider. The tail already contains the turn's
// user message; Run appends it before calling here.
func (l *Loop) buildContext(ctx context.Context, turn Turn) (string, []provider.Message, error) {
	cfg := l.cfg.Current()
	system := cfg.AI.SystemPrompt

	if l.recall != nil && cfg.Memory.Enabled {
		hints, err := l.recall.Recall(ctx, turn.Content, memoryHintLimit)
		if err != nil {
			// Recall is advisory; a broken memory store must not block turns.
			l.logger.Warn("memory recall failed", zap.Error(err))
		} else if len(hints) > 0 {
			var b strings.Builder
			b.WriteString(system)
			b.WriteString("\n\nThings you remember about this user:\n")
			for _, h := range hints {
				fmt.Fprintf(&b, "- %s\n", h.Content)
			}
			system = b.String()
		}
	}

	history, err := l.store.Messages(turn.ConversationID, contextTailLimit)
	if err != nil {
		return "", nil, fmt.Errorf("load conversation tail: %w", err)
	}

	msgs := make([]provider.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "user", "system":
			msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
		case "assistant":
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
			msgs = append(msgs, provider.Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: providerCalls(m.ToolCalls),
			})
		case "tool":
			msgs = append(msgs, provider.Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				ToolName:   m.ToolName,
				IsError:    m.IsError,
			})
		}
	}

	// A tail cut mid tool round would leave dangling tool results at the
	// front, which providers reject. Trim until the tail opens on a user or
	// assistant message.
	for len(msgs) > 0 && msgs[0].Role == "tool" {
		msgs = msgs[1:]
	}
	return system, msgs, nil
}
