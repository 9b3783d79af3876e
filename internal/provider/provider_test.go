package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spaceduck/internal/config"
)

type staticProvider struct {
	name   string
	closed bool
}

func (s *staticProvider) Name() string { return s.name }

func (s *staticProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ch := make(chan Chunk, 2)
	ch <- Chunk{Type: ChunkText, Text: "hi from " + s.name}
	ch <- Chunk{Type: ChunkDone, Usage: &Usage{}}
	close(ch)
	return ch, nil
}

func (s *staticProvider) Probe(ctx context.Context) error { return nil }

func (s *staticProvider) Close() error {
	s.closed = true
	return nil
}

func TestSwappableEmpty(t *testing.T) {
	s := NewSwappable(nil)
	assert.Equal(t, "none", s.Name())
	_, err := s.Stream(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.Probe(context.Background()), ErrNotConfigured)
}

func TestSwappableSwapDisposesPrevious(t *testing.T) {
	old := &staticProvider{name: "old"}
	s := NewSwappable(old)
	require.Equal(t, "old", s.Name())

	s.Swap(&staticProvider{name: "new"})
	assert.True(t, old.closed, "previous provider closed on swap")
	assert.Equal(t, "new", s.Name())

	ch, err := s.Stream(context.Background(), Request{})
	require.NoError(t, err)
	first := <-ch
	assert.Equal(t, "hi from new", first.Text)
}

func TestFromConfig(t *testing.T) {
	secrets := map[string]string{
		"/ai/secrets/anthropicApiKey": "sk-ant",
		"/ai/secrets/geminiApiKey":    "g-key",
	}
	lookup := func(path string) string { return secrets[path] }

	p, err := FromConfig(config.AIConfig{Provider: "anthropic", Model: "claude-sonnet-4-20250514"}, lookup, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())

	p, err = FromConfig(config.AIConfig{Provider: "gemini", Model: "gemini-2.5-flash"}, lookup, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())

	_, err = FromConfig(config.AIConfig{Provider: "openai", Model: "gpt-4o"}, lookup, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotConfigured, "missing key surfaces as not configured")

	_, err = FromConfig(config.AIConfig{Provider: "carrier-pigeon"}, lookup, zap.NewNop())
	assert.Error(t, err)
}

func TestGeminiStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hello\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\" world\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"functionCall\":{\"name\":\"web_fetch\",\"args\":{\"url\":\"https://example.com\"}}}]}}],\"usageMetadata\":{\"promptTokenCount\":10,\"candidatesTokenCount\":4}}\n\n")
	}))
	defer srv.Close()

	g, err := NewGemini("test-key", srv.URL, "gemini-2.5-flash", zap.NewNop())
	require.NoError(t, err)

	ch, err := g.Stream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var text string
	var calls []*ToolCall
	var done *Chunk
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkToolCall:
			calls = append(calls, chunk.ToolCall)
		case ChunkDone:
			c := chunk
			done = &c
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}

	assert.Equal(t, "Hello world", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "web_fetch", calls[0].Name)
	assert.Equal(t, "https://example.com", calls[0].Args["url"])
	require.NotNil(t, done)
	assert.Equal(t, int64(10), done.Usage.InputTokens)
	assert.Equal(t, int64(4), done.Usage.OutputTokens)
}

func TestGeminiStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"error\":{\"code\":429,\"message\":\"quota exceeded\"}}\n\n")
	}))
	defer srv.Close()

	g, err := NewGemini("test-key", srv.URL, "gemini-2.5-flash", zap.NewNop())
	require.NoError(t, err)

	ch, err := g.Stream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var last Chunk
	for chunk := range ch {
		last = chunk
	}
	require.Equal(t, ChunkError, last.Type)
	assert.Contains(t, last.Err.Error(), "quota exceeded")
}

func TestGeminiEncodeRequest(t *testing.T) {
	g, err := NewGemini("k", "", "gemini-2.5-flash", zap.NewNop())
	require.NoError(t, err)

	_, err = g.encodeRequest(Request{})
	assert.Error(t, err, "empty conversation rejected")

	body, err := g.encodeRequest(Request{
		System: "be brief",
		Messages: []Message{
			{Role: "user", Content: "look this up"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "gemini-1", Name: "web_search", Args: map[string]any{"query": "ducks"}}}},
			{Role: "tool", ToolCallID: "gemini-1", ToolName: "web_search", Content: `{"results":[]}`},
		},
		Tools: []ToolDefinition{{Name: "web_search", Description: "search the web"}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"systemInstruction"`)
	assert.Contains(t, string(body), `"functionCall"`)
	assert.Contains(t, string(body), `"functionResponse"`)
	assert.Contains(t, string(body), `"functionDeclarations"`)
}
