package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spaceduck/internal/config"
	"spaceduck/internal/events"
	"spaceduck/internal/provider"
	"spaceduck/internal/store"
	"spaceduck/internal/tools"
)

// scriptedProvider replays one chunk script per stream call. The last script
// repeats when the loop re-enters more often than scripted.
type scriptedProvider struct {
	mu     sync.Mutex
	rounds [][]provider.Chunk
	reqs   []provider.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Probe(ctx context.Context) error { return nil }

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	i := len(p.reqs) - 1
	if i >= len(p.rounds) {
		i = len(p.rounds) - 1
	}
	script := p.rounds[i]
	p.mu.Unlock()

	ch := make(chan provider.Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.reqs...)
}

func textChunk(s string) provider.Chunk { return provider.Chunk{Type: provider.ChunkText, Text: s} }

func doneChunk() provider.Chunk { return provider.Chunk{Type: provider.ChunkDone} }

func callChunk(id, name string, args map[string]any) provider.Chunk {
	return provider.Chunk{Type: provider.ChunkToolCall, ToolCall: &provider.ToolCall{ID: id, Name: name, Args: args}}
}

type fixture struct {
	loop  *Loop
	store *store.Store
	bus   *events.Bus
	prov  *scriptedProvider
}

func newFixture(t *testing.T, prov *scriptedProvider) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "spaceduck.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfgStore := config.NewStore(filepath.Join(t.TempDir(), config.FileName), zap.NewNop())
	require.NoError(t, cfgStore.Load())

	registry := tools.NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register(&tools.Tool{
		Name:        "echo",
		Description: "echo back the message",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			msg, _ := args["message"].(string)
			return "echo: " + msg, nil
		},
	}))

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	loop := New(st, prov, func() *tools.Registry { return registry }, bus, cfgStore, nil, zap.NewNop())
	return &fixture{loop: loop, store: st, bus: bus, prov: prov}
}

func collectSink() (Sink, *[]Chunk) {
	var mu sync.Mutex
	chunks := &[]Chunk{}
	return func(c Chunk) {
		mu.Lock()
		*chunks = append(*chunks, c)
		mu.Unlock()
	}, chunks
}

func TestRunTextOnly(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]provider.Chunk{
		{textChunk("Hello "), textChunk("ducks."), {Type: provider.ChunkDone, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 4}}},
	}}
	f := newFixture(t, prov)

	published := make(chan events.AssistantMessage, 1)
	unsub := f.bus.Subscribe(events.TypeAssistantMessage, func(ev events.Event) {
		published <- ev.Payload.(events.AssistantMessage)
	})
	defer unsub()

	sink, chunks := collectSink()
	res, err := f.loop.Run(context.Background(), Turn{ConversationID: "c1", Content: "hi", RequestID: "r1"}, sink)
	require.NoError(t, err)

	assert.Equal(t, "Hello ducks.", res.Message.Content)
	assert.Equal(t, int64(10), res.Usage.InputTokens)
	assert.Equal(t, 1, res.Rounds)
	assert.Zero(t, res.ToolCalls)

	require.Len(t, *chunks, 2)
	assert.Equal(t, ChunkText, (*chunks)[0].Type)

	msgs, err := f.store.Messages("c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "r1", msgs[1].RequestID)

	select {
	case ev := <-published:
		assert.Equal(t, "c1", ev.ConversationID)
		assert.Equal(t, "Hello ducks.", ev.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("assistant_message event not published")
	}
}

func TestRunToolRound(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]provider.Chunk{
		{textChunk("Let me check."), callChunk("t1", "echo", map[string]any{"message": "quack"}), doneChunk()},
		{textChunk("The echo said quack."), doneChunk()},
	}}
	f := newFixture(t, prov)

	sink, chunks := collectSink()
	res, err := f.loop.Run(context.Background(), Turn{ConversationID: "c1", Content: "try the echo"}, sink)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, "The echo said quack.", res.Message.Content)

	var kinds []string
	for _, c := range *chunks {
		kinds = append(kinds, c.Type)
	}
	assert.Equal(t, []string{ChunkText, ChunkToolCall, ChunkToolResult, ChunkText}, kinds)
	assert.Equal(t, "echo: quack", (*chunks)[2].ToolResult.Content)

	// Log order: user, preamble, tool result, final assistant.
	msgs, err := f.store.Messages("c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "echo", msgs[1].ToolCalls[0].Name)
	assert.Equal(t, "tool", msgs[2].Role)
	assert.Equal(t, "t1", msgs[2].ToolCallID)
	assert.Equal(t, "echo: quack", msgs[2].Content)
	assert.False(t, msgs[2].IsError)

	// Second provider call sees the preamble and the tool result.
	reqs := prov.requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages
	require.GreaterOrEqual(t, len(last), 3)
	assert.Equal(t, "tool", last[len(last)-1].Role)
	assert.Equal(t, "t1", last[len(last)-1].ToolCallID)
}

func TestRunToolErrorFedBack(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]provider.Chunk{
		{callChunk("t1", "no_such_tool", nil), doneChunk()},
		{textChunk("That tool does not exist."), doneChunk()},
	}}
	f := newFixture(t, prov)

	sink, chunks := collectSink()
	res, err := f.loop.Run(context.Background(), Turn{ConversationID: "c1", Content: "go"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "That tool does not exist.", res.Message.Content)

	var toolResult *tools.Result
	for _, c := range *chunks {
		if c.Type == ChunkToolResult {
			toolResult = c.ToolResult
		}
	}
	require.NotNil(t, toolResult)
	assert.True(t, toolResult.IsError)

	msgs, err := f.store.Messages("c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.True(t, msgs[2].IsError)
}

func TestRunProviderErrorDoesNotPersistAssistant(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]provider.Chunk{
		{textChunk("partial"), {Type: provider.ChunkError, Err: assert.AnError}},
	}}
	f := newFixture(t, prov)

	published := make(chan struct{}, 1)
	unsub := f.bus.Subscribe(events.TypeAssistantMessage, func(events.Event) { published <- struct{}{} })
	defer unsub()

	sink, chunks := collectSink()
	_, err := f.loop.Run(context.Background(), Turn{ConversationID: "c1", Content: "hi"}, sink)
	require.Error(t, err)

	last := (*chunks)[len(*chunks)-1]
	assert.Equal(t, ChunkError, last.Type)
	assert.Equal(t, ErrorCodeAgent, last.Code)

	msgs, err := f.store.Messages("c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the user message is persisted")
	assert.Equal(t, "user", msgs[0].Role)

	select {
	case <-published:
		t.Fatal("assistant_message must not be published on provider error")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunRoundLimitExceeded(t *testing.T) {
	// Every round requests another tool call; the loop must give up.
	prov := &scriptedProvider{rounds: [][]provider.Chunk{
		{callChunk("t1", "echo", map[string]any{"message": "again"}), doneChunk()},
	}}
	f := newFixture(t, prov)

	sink, chunks := collectSink()
	_, err := f.loop.Run(context.Background(), Turn{ConversationID: "c1", Content: "loop forever"}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "round limit")

	last := (*chunks)[len(*chunks)-1]
	assert.Equal(t, ChunkError, last.Type)
	assert.Equal(t, ErrorCodeAgent, last.Code)
}

func TestRunStreamEndsWithoutDone(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]provider.Chunk{
		{textChunk("cut off")},
	}}
	f := newFixture(t, prov)

	_, err := f.loop.Run(context.Background(), Turn{ConversationID: "c1", Content: "hi"}, nil)
	require.Error(t, err)
}

func TestRunAllowedToolsFilter(t *testing.T) {
	prov := &scriptedProvider{rounds: [][]provider.Chunk{
		{textChunk("done"), doneChunk()},
	}}
	f := newFixture(t, prov)

	_, err := f.loop.Run(context.Background(), Turn{ConversationID: "c1", Content: "hi", AllowedTools: []string{}}, nil)
	require.NoError(t, err)

	reqs := prov.requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Tools, "empty allow-list hides every tool")
}
