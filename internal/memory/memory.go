// Package memory extracts durable facts from conversations and recalls them
// for the context builder. Extraction runs asynchronously off the
// assistant_message event; recall is vector-backed when an embedding engine
// is active and falls back to text matching otherwise.
package memory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spaceduck/internal/config"
	"spaceduck/internal/embedding"
	"spaceduck/internal/events"
	"spaceduck/internal/store"
)

const extractTimeout = 30 * time.Second

// Engine owns extraction and recall over the memory store.
type Engine struct {
	store  *store.Store
	embed  *embedding.Swappable
	cfg    *config.Store
	logger *zap.Logger
}

// New wires the engine. embed may be a proxy holding nil.
func New(st *store.Store, embed *embedding.Swappable, cfg *config.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, embed: embed, cfg: cfg, logger: logger.Named("memory")}
}

// Attach subscribes the extractor to assistant_message events. The returned
// function unsubscribes.
func (e *Engine) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.TypeAssistantMessage, func(ev events.Event) {
		payload, ok := ev.Payload.(events.AssistantMessage)
		if !ok {
			return
		}
		e.handleTurn(payload)
	})
}

// handleTurn extracts from the completed turn: the user message carries the
// facts, the assistant message confirms them.
func (e *Engine) handleTurn(ev events.AssistantMessage) {
	if !e.cfg.Current().Memory.Enabled {
		return
	}

	userText := e.lastUserText(ev.ConversationID)
	recs := Extract(userText, ev.Message.Content)
	if len(recs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
	defer cancel()

	minConfidence := e.cfg.Current().Memory.MinConfidence
	for i := range recs {
		rec := &recs[i]
		if rec.Confidence < minConfidence {
			continue
		}
		rec.Source = ev.Message.ID
		e.attachEmbedding(ctx, rec)
		if err := e.store.InsertMemory(rec); err != nil {
			e.logger.Warn("insert memory", zap.Error(err), zap.String("slot", rec.Slot))
			continue
		}
		e.logger.Info("memory recorded",
			zap.String("kind", rec.Kind),
			zap.String("slot", rec.Slot),
			zap.Float64("confidence", rec.Confidence))
	}
}

// Recall returns the best matches for the query. Scores below the configured
// confidence floor are dropped.
func (e *Engine) Recall(ctx context.Context, query string, limit int) ([]store.MemoryMatch, error) {
	if !e.cfg.Current().Memory.Enabled {
		return nil, nil
	}

	if e.embed != nil && e.embed.Enabled() {
		vec, err := e.embed.Embed(ctx, query)
		if err == nil {
			matches, err := e.store.SearchMemoryVector(vec, limit)
			if err != nil {
				return nil, err
			}
			return e.filterByConfidence(matches), nil
		}
		e.logger.Warn("embedding failed, falling back to text recall", zap.Error(err))
	}

	matches, err := e.store.SearchMemoryText(query, limit)
	if err != nil {
		return nil, err
	}
	return e.filterByConfidence(matches), nil
}

// BackfillEmbeddings embeds active records that lost or never had a vector.
// The hot-swap coordinator calls this after the vector index is rebuilt.
func (e *Engine) BackfillEmbeddings(ctx context.Context) error {
	if e.embed == nil || !e.embed.Enabled() {
		return nil
	}
	recs, err := e.store.ActiveMemories()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if len(rec.Embedding) > 0 {
			continue
		}
		vec, err := e.embed.Embed(ctx, rec.Content)
		if err != nil {
			return err
		}
		if err := e.store.SetMemoryEmbedding(rec.ID, vec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) attachEmbedding(ctx context.Context, rec *store.MemoryRecord) {
	if e.embed == nil || !e.embed.Enabled() {
		return
	}
	vec, err := e.embed.Embed(ctx, rec.Content)
	if err != nil {
		// Stored without a vector; BackfillEmbeddings picks it up later.
		e.logger.Warn("embed memory", zap.Error(err))
		return
	}
	rec.Embedding = vec
}

func (e *Engine) filterByConfidence(matches []store.MemoryMatch) []store.MemoryMatch {
	floor := e.cfg.Current().Memory.MinConfidence
	out := matches[:0]
	for _, m := range matches {
		if m.Score >= floor {
			out = append(out, m)
		}
	}
	return out
}

// lastUserText finds the user message the assistant just answered.
func (e *Engine) lastUserText(conversationID string) string {
	msgs, err := e.store.Messages(conversationID, 10)
	if err != nil {
		e.logger.Warn("load tail for extraction", zap.Error(err))
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
