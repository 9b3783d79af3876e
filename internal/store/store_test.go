package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spaceduck.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	require.NoError(t, s.AppendMessage(&Message{
		ConversationID: conv.ID, Role: "user", Content: "hi", RequestID: "req-1",
	}))
	require.NoError(t, s.AppendMessage(&Message{
		ConversationID: conv.ID, Role: "assistant", Content: "hello there", RequestID: "req-1",
		Attachments: []Attachment{{ID: "att-1", Filename: "a.png", MIME: "image/png", Size: 42}},
	}))

	msgs, err := s.Messages(conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "req-1", msgs[1].RequestID)
	require.Len(t, msgs[1].Attachments, 1)
	assert.Equal(t, "att-1", msgs[1].Attachments[0].ID)
	assert.False(t, msgs[1].CreatedAt.Before(msgs[0].CreatedAt), "timestamps non-decreasing")

	list, err := s.ListConversations()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteConversation(conv.ID))
	_, err = s.GetConversation(conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err = s.Messages(conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages cascade with conversation")
}

func TestMessagesTailLimit(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.CreateConversation("", "")
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(&Message{
			ConversationID: conv.ID, Role: "user",
			Content:   string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	tail, err := s.Messages(conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "d", tail[0].Content)
	assert.Equal(t, "e", tail[1].Content)
}

func TestResolveSession(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.ResolveSession("telegram", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Same pair resolves to the same conversation.
	id2, err := s.ResolveSession("telegram", "alice")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Different sender gets a fresh conversation.
	id3, err := s.ResolveSession("telegram", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestMemorySupersede(t *testing.T) {
	s := newTestStore(t)

	old := &MemoryRecord{Kind: "fact", Title: "name", Content: "user is called Ann", Slot: "user.name", Confidence: 0.9}
	require.NoError(t, s.InsertMemory(old))

	matches, err := s.SearchMemoryText("Ann", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	// Explicit supersede: old flips atomically with the new insert.
	repl := &MemoryRecord{Kind: "fact", Title: "name", Content: "user is called Anna", Slot: "user.name", Confidence: 0.95}
	require.NoError(t, s.SupersedeMemory(old.ID, repl))

	got, err := s.GetMemory(old.ID)
	require.NoError(t, err)
	assert.Equal(t, MemorySuperseded, got.Status)

	// Recall never returns superseded records.
	matches, err = s.SearchMemoryText("called", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, repl.ID, matches[0].ID)
}

func TestMemorySlotSupersedesOnInsert(t *testing.T) {
	s := newTestStore(t)

	a := &MemoryRecord{Kind: "preference", Content: "prefers tea", Slot: "user.drink"}
	require.NoError(t, s.InsertMemory(a))
	b := &MemoryRecord{Kind: "preference", Content: "prefers coffee", Slot: "user.drink"}
	require.NoError(t, s.InsertMemory(b))

	active, err := s.ActiveMemories()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)
}

func TestMemoryVectorSearch(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertMemory(&MemoryRecord{
		Kind: "fact", Content: "likes go", Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, s.InsertMemory(&MemoryRecord{
		Kind: "fact", Content: "likes rust", Embedding: []float32{0, 1, 0},
	}))
	require.NoError(t, s.InsertMemory(&MemoryRecord{
		Kind: "fact", Content: "no embedding",
	}))

	matches, err := s.SearchMemoryVector([]float32{0.9, 0.1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "likes go", matches[0].Content)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestTaskCAS(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	task := &Task{
		Definition: TaskDefinition{Prompt: "summarize the day"},
		Schedule:   TaskSchedule{Kind: ScheduleInterval, IntervalMs: 60000},
		NextRunAt:  &now,
	}
	require.NoError(t, s.CreateTask(task))

	due, err := s.DueTasks(now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Exactly one transition scheduled -> running wins.
	ok, err := s.CASTaskStatus(task.ID, TaskScheduled, TaskRunning)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CASTaskStatus(task.ID, TaskScheduled, TaskRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	next := now.Add(time.Minute)
	require.NoError(t, s.FinishTask(task.ID, TaskScheduled, &next, 0))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskScheduled, got.Status)
	require.NotNil(t, got.NextRunAt)
}

func TestTaskRunsAndSpend(t *testing.T) {
	s := newTestStore(t)

	task := &Task{Definition: TaskDefinition{Prompt: "p"}, Schedule: TaskSchedule{Kind: ScheduleOneShot}}
	require.NoError(t, s.CreateTask(task))

	start := time.Now().UTC().Add(-time.Minute)
	end := start.Add(30 * time.Second)
	require.NoError(t, s.RecordTaskRun(&TaskRun{
		TaskID: task.ID, Status: TaskCompleted, TokensUsed: 1200, CostUSD: 0.05,
		ToolCalls: 2, StartedAt: start, FinishedAt: &end,
	}))

	runs, err := s.TaskRuns(task.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(1200), runs[0].TokensUsed)

	spend, err := s.SpendSince(start.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.05, spend, 1e-9)

	spend, err = s.SpendSince(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, spend)
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	assert.Equal(t, v, decodeVector(encodeVector(v)))

	score, ok := cosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-9)

	_, ok = cosineSimilarity([]float32{1, 0}, []float32{1})
	assert.False(t, ok)
}
