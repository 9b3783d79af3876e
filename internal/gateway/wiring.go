package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"spaceduck/internal/agent"
	"spaceduck/internal/browser"
	"spaceduck/internal/channels"
	"spaceduck/internal/scheduler"
	"spaceduck/internal/store"
	"spaceduck/internal/tools"
)

// browserAdapter narrows *browser.Pool to the interface the tools take.
type browserAdapter struct {
	pool *browser.Pool
}

func (a browserAdapter) Acquire(ctx context.Context, conversationID string) (tools.BrowserSession, error) {
	return a.pool.Acquire(ctx, conversationID)
}

// WireChannel routes a channel's inbound messages through the agent loop.
// Each message runs on its own goroutine so a slow turn never stalls the
// channel's receive loop.
func (s *Server) WireChannel(ch channels.Channel) {
	ch.OnMessage(func(sender, text string, atts []store.Attachment) {
		go s.runChannelTurn(ch, sender, text, atts)
	})
}

func (s *Server) runChannelTurn(ch channels.Channel, sender, text string, atts []store.Attachment) {
	logger := s.logger.With(zap.String("channel", ch.Name()), zap.String("sender", sender))

	conversationID, err := s.Store.ResolveSession(ch.Name(), sender)
	if err != nil {
		logger.Error("resolve session", zap.Error(err))
		_ = ch.SendError(sender, "SESSION_ERROR", "could not resolve your conversation", nil)
		return
	}

	ctx, release, err := s.RunLock.Acquire(context.Background(), conversationID)
	if err != nil {
		logger.Error("acquire run lock", zap.Error(err))
		_ = ch.SendError(sender, "LOCK_ERROR", "another message is still being processed", nil)
		return
	}
	defer release()

	sink := func(chunk agent.Chunk) {
		if chunk.Type == agent.ChunkText {
			_ = ch.SendDelta(sender, chunk.Text, nil)
		}
	}

	res, err := s.Agent.Run(ctx, agent.Turn{
		ConversationID: conversationID,
		Content:        text,
		Attachments:    atts,
	}, sink)
	if err != nil {
		logger.Warn("channel turn failed", zap.Error(err))
		_ = ch.SendError(sender, agent.ErrorCodeAgent, err.Error(), nil)
		return
	}
	_ = ch.SendDone(sender, res.Message.ID, res.Message.Attachments)
}

// TaskRunner adapts the agent loop to the scheduler. Scheduled prompts run
// in the task's pinned conversation, or in a per-task one when none is set.
func (s *Server) TaskRunner() scheduler.Runner {
	return scheduler.RunnerFunc(func(ctx context.Context, task *store.Task) (scheduler.RunStats, error) {
		conversationID := task.ConversationID
		if conversationID == "" {
			conversationID = "task-" + task.ID
		}

		var toolCalls int
		sink := func(chunk agent.Chunk) {
			if chunk.Type == agent.ChunkToolCall {
				toolCalls++
			}
		}

		res, err := s.Agent.Run(ctx, agent.Turn{
			ConversationID: conversationID,
			Content:        task.Definition.Prompt,
			RequestID:      fmt.Sprintf("task-%s", task.ID),
			AllowedTools:   task.Definition.AllowedTools,
		}, sink)
		if err != nil {
			return scheduler.RunStats{ToolCalls: toolCalls}, err
		}
		return scheduler.RunStats{
			TokensUsed: res.Usage.InputTokens + res.Usage.OutputTokens,
			ToolCalls:  res.ToolCalls,
		}, nil
	})
}
