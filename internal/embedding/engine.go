// Package embedding generates the vectors behind memory recall. Backends are
// interchangeable; the active one sits behind a swappable proxy so a config
// change can replace it without restarting.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"spaceduck/internal/config"
)

// ErrDisabled is returned by the proxy when no engine is active.
var ErrDisabled = errors.New("embedding disabled")

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding dimensionality.
	Dimensions() int
	// Name identifies the backend.
	Name() string
}

// FromConfig builds the engine selected by the embedding section, or nil when
// embeddings are disabled.
func FromConfig(cfg config.EmbeddingConfig, secret func(path string) string) (Engine, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case "genai":
		return NewGenAI(secret("/ai/secrets/geminiApiKey"), cfg.Model, cfg.Dimensions)
	case "openai":
		return NewOpenAI(secret("/ai/secrets/openaiApiKey"), cfg.BaseURL, cfg.Model, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Swappable is the proxy in front of the active engine. A nil inner engine
// means embeddings are off and recall falls back to text search.
type Swappable struct {
	inner atomic.Pointer[engineBox]
}

type engineBox struct {
	e Engine
}

// NewSwappable wraps an initial engine, which may be nil.
func NewSwappable(e Engine) *Swappable {
	s := &Swappable{}
	if e != nil {
		s.inner.Store(&engineBox{e: e})
	}
	return s
}

// Swap publishes a new engine, or disables embeddings when e is nil.
// In-flight callers keep the old engine.
func (s *Swappable) Swap(e Engine) {
	if e == nil {
		s.inner.Store(nil)
		return
	}
	s.inner.Store(&engineBox{e: e})
}

// Get returns the current engine, or nil.
func (s *Swappable) Get() Engine {
	box := s.inner.Load()
	if box == nil {
		return nil
	}
	return box.e
}

// Enabled reports whether an engine is active.
func (s *Swappable) Enabled() bool { return s.Get() != nil }

// Embed implements Engine.
func (s *Swappable) Embed(ctx context.Context, text string) ([]float32, error) {
	e := s.Get()
	if e == nil {
		return nil, ErrDisabled
	}
	return e.Embed(ctx, text)
}

// EmbedBatch implements Engine.
func (s *Swappable) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e := s.Get()
	if e == nil {
		return nil, ErrDisabled
	}
	return e.EmbedBatch(ctx, texts)
}

// Dimensions implements Engine.
func (s *Swappable) Dimensions() int {
	if e := s.Get(); e != nil {
		return e.Dimensions()
	}
	return 0
}

// Name implements Engine.
func (s *Swappable) Name() string {
	if e := s.Get(); e != nil {
		return e.Name()
	}
	return "none"
}
