package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spaceduck/internal/config"
	"spaceduck/internal/embedding"
	"spaceduck/internal/events"
	"spaceduck/internal/store"
)

func TestExtractRules(t *testing.T) {
	recs := Extract("Hi, my name is Alice and I live in Lisbon. I really like strong coffee.", "Nice to meet you, Alice.")

	bySlot := map[string]store.MemoryRecord{}
	var prefs []store.MemoryRecord
	for _, r := range recs {
		if r.Slot != "" {
			bySlot[r.Slot] = r
		} else {
			prefs = append(prefs, r)
		}
	}

	require.Contains(t, bySlot, SlotUserName)
	assert.Equal(t, "The user's name is Alice.", bySlot[SlotUserName].Content)
	require.Contains(t, bySlot, SlotUserLocation)
	assert.Contains(t, bySlot[SlotUserLocation].Content, "Lisbon")
	require.Len(t, prefs, 1)
	assert.Equal(t, KindPreference, prefs[0].Kind)
	assert.Contains(t, prefs[0].Content, "strong coffee")
}

func TestExtractRemember(t *testing.T) {
	recs := Extract("Please remember that the wifi password is duckpond42.", "Noted.")
	require.Len(t, recs, 1)
	assert.Equal(t, KindFact, recs[0].Kind)
	assert.Contains(t, recs[0].Content, "duckpond42")
}

func TestExtractNothing(t *testing.T) {
	assert.Empty(t, Extract("what's the weather like?", "Sunny with a chance of ducks."))
}

type fixture struct {
	engine *Engine
	store  *store.Store
	bus    *events.Bus
	cfg    *config.Store
}

func newFixture(t *testing.T, embed *embedding.Swappable) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "spaceduck.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfgStore := config.NewStore(filepath.Join(t.TempDir(), config.FileName), zap.NewNop())
	require.NoError(t, cfgStore.Load())

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	e := New(st, embed, cfgStore, zap.NewNop())
	unsub := e.Attach(bus)
	t.Cleanup(unsub)
	return &fixture{engine: e, store: st, bus: bus, cfg: cfgStore}
}

func publishTurn(t *testing.T, f *fixture, conversationID, userText, assistantText string) {
	t.Helper()
	_, err := f.store.CreateConversation(conversationID, "")
	if err != nil {
		_, err = f.store.GetConversation(conversationID)
	}
	require.NoError(t, err)

	require.NoError(t, f.store.AppendMessage(&store.Message{
		ConversationID: conversationID, Role: "user", Content: userText,
	}))
	asst := &store.Message{ConversationID: conversationID, Role: "assistant", Content: assistantText}
	require.NoError(t, f.store.AppendMessage(asst))

	f.bus.Publish(events.TypeAssistantMessage, events.AssistantMessage{
		ConversationID: conversationID,
		Message:        *asst,
	})
}

func waitForMemories(t *testing.T, f *fixture, want func([]store.MemoryRecord) bool) []store.MemoryRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := f.store.ActiveMemories()
		require.NoError(t, err)
		if want(recs) {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("memory extraction did not produce the expected records")
	return nil
}

func TestExtractorWritesAndSupersedes(t *testing.T) {
	f := newFixture(t, nil)

	publishTurn(t, f, "c1", "my name is Alice", "Hello Alice!")
	waitForMemories(t, f, func(recs []store.MemoryRecord) bool {
		return len(recs) == 1 && strings.Contains(recs[0].Content, "Alice")
	})

	publishTurn(t, f, "c1", "actually, my name is Bob", "Got it, Bob.")
	recs := waitForMemories(t, f, func(recs []store.MemoryRecord) bool {
		return len(recs) == 1 && strings.Contains(recs[0].Content, "Bob")
	})
	assert.Equal(t, SlotUserName, recs[0].Slot)

	// The superseded record never surfaces in recall.
	matches, err := f.engine.Recall(context.Background(), "name", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0].Content, "Bob")
}

func TestRecallTextFallback(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.InsertMemory(&store.MemoryRecord{
		Kind: KindFact, Content: "The user lives in Lisbon.", Confidence: 0.8,
	}))

	matches, err := f.engine.Recall(context.Background(), "lisbon", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	none, err := f.engine.Recall(context.Background(), "tokyo", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// fixedEmbedder maps known words onto orthogonal axes.
type fixedEmbedder struct{}

func (fixedEmbedder) Name() string    { return "fixed" }
func (fixedEmbedder) Dimensions() int { return 2 }

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "coffee") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (f fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, tx := range texts {
		out[i], _ = f.Embed(ctx, tx)
	}
	return out, nil
}

func TestRecallVectorBacked(t *testing.T) {
	embed := embedding.NewSwappable(fixedEmbedder{})
	f := newFixture(t, embed)

	publishTurn(t, f, "c1", "I really like coffee", "Noted!")
	waitForMemories(t, f, func(recs []store.MemoryRecord) bool { return len(recs) == 1 })

	matches, err := f.engine.Recall(context.Background(), "coffee preferences", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Score, 0.001)

	// Orthogonal query scores zero and falls under the confidence floor.
	none, err := f.engine.Recall(context.Background(), "weather", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBackfillEmbeddings(t *testing.T) {
	embed := embedding.NewSwappable(nil)
	f := newFixture(t, embed)

	require.NoError(t, f.store.InsertMemory(&store.MemoryRecord{
		Kind: KindPreference, Content: "The user likes coffee.", Confidence: 0.6,
	}))

	embed.Swap(fixedEmbedder{})
	require.NoError(t, f.engine.BackfillEmbeddings(context.Background()))

	matches, err := f.engine.Recall(context.Background(), "coffee", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Score, 0.001)
}
