// Package provider abstracts the LLM backends behind a streaming interface.
// The active provider sits behind a swappable proxy so a config change can
// replace it atomically while in-flight streams finish on the old instance.
package provider

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// ProbeTimeout bounds reachability probes.
const ProbeTimeout = 8 * time.Second

// ErrNotConfigured is returned when no provider has been built yet.
var ErrNotConfigured = errors.New("provider not configured")

// Message is one turn of provider context.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`  // assistant tool-call preamble
	ToolCallID string     `json:"toolCallId,omitempty"` // set on role=tool results
	ToolName   string     `json:"toolName,omitempty"`   // set on role=tool results
	IsError    bool       `json:"isError,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolDefinition advertises a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema object
}

// Request is one streaming completion call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Chunk kinds.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// Usage is the token accounting reported on the done chunk when available.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Chunk is one element of the provider stream. The stream ends with exactly
// one ChunkDone or ChunkError, after which the channel is closed.
type Chunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// Provider is a streaming LLM backend.
type Provider interface {
	// Name identifies the backend ("anthropic", "openai", ...).
	Name() string
	// Stream opens a completion stream. The returned channel is closed after
	// the terminal chunk. Cancelling ctx aborts the stream.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	// Probe checks reachability and credentials without touching config.
	Probe(ctx context.Context) error
}

// Swappable is the compare-and-swap proxy in front of the live provider.
// Readers snapshot the inner pointer once per call; a concurrent swap does
// not disturb them.
type Swappable struct {
	inner atomic.Pointer[providerBox]
}

type providerBox struct {
	p Provider
}

// NewSwappable wraps an initial provider, which may be nil.
func NewSwappable(p Provider) *Swappable {
	s := &Swappable{}
	if p != nil {
		s.inner.Store(&providerBox{p: p})
	}
	return s
}

// Swap publishes a new inner provider and disposes the previous one when it
// implements io.Closer. In-flight callers holding the old reference keep it.
func (s *Swappable) Swap(p Provider) {
	var prev *providerBox
	if p == nil {
		prev = s.inner.Swap(nil)
	} else {
		prev = s.inner.Swap(&providerBox{p: p})
	}
	if prev != nil {
		if closer, ok := prev.p.(io.Closer); ok {
			_ = closer.Close()
		}
	}
}

// Get returns the current inner provider, or nil.
func (s *Swappable) Get() Provider {
	box := s.inner.Load()
	if box == nil {
		return nil
	}
	return box.p
}

// Name implements Provider.
func (s *Swappable) Name() string {
	if p := s.Get(); p != nil {
		return p.Name()
	}
	return "none"
}

// Stream implements Provider.
func (s *Swappable) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	p := s.Get()
	if p == nil {
		return nil, ErrNotConfigured
	}
	return p.Stream(ctx, req)
}

// Probe implements Provider.
func (s *Swappable) Probe(ctx context.Context) error {
	p := s.Get()
	if p == nil {
		return ErrNotConfigured
	}
	return p.Probe(ctx)
}

// emit sends a chunk unless ctx is done.
func emit(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
