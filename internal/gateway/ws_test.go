package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceduck/internal/provider"
)

func dialWS(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWSEnvelopeErrors(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := readEvent(t, conn)
	assert.Equal(t, "INVALID_JSON", ev["code"])
	assert.Equal(t, float64(1), ev["v"], "error envelopes carry the version")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["array"]`)))
	assert.Equal(t, "INVALID_ENVELOPE", readEvent(t, conn)["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"v": 2, "type": "message.send"}))
	assert.Equal(t, "UNSUPPORTED_VERSION", readEvent(t, conn)["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"v": 1, "type": "quack.sideways"}))
	assert.Equal(t, "UNKNOWN_TYPE", readEvent(t, conn)["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"v": 1, "type": "message.send"}))
	assert.Equal(t, "INVALID_ENVELOPE", readEvent(t, conn)["code"])
}

func TestWSMessageSendStreams(t *testing.T) {
	f := newFixture(t)
	f.provider.scripts = [][]provider.Chunk{{
		{Type: provider.ChunkText, Text: "Quack "},
		{Type: provider.ChunkText, Text: "quack."},
		{Type: provider.ChunkDone, Usage: &provider.Usage{InputTokens: 5, OutputTokens: 2}},
	}}
	conn := dialWS(t, f, "?senderId=duckfan")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"v": 1, "type": "message.send", "requestId": "r1", "content": "hello",
	}))

	ev := readEvent(t, conn)
	require.Equal(t, "message.accepted", ev["type"])
	assert.Equal(t, float64(1), ev["v"])
	assert.Equal(t, "r1", ev["requestId"])
	conversationID := ev["conversationId"].(string)
	require.NotEmpty(t, conversationID)

	assert.Equal(t, "processing.started", readEvent(t, conn)["type"])

	var text strings.Builder
	var done map[string]any
	for done == nil {
		ev := readEvent(t, conn)
		require.Equal(t, float64(1), ev["v"])
		switch ev["type"] {
		case "stream.delta":
			text.WriteString(ev["text"].(string))
		case "stream.done":
			done = ev
		default:
			t.Fatalf("unexpected event %v", ev)
		}
	}
	assert.Equal(t, "Quack quack.", text.String())
	require.NotEmpty(t, done["messageId"])

	// The turn is durable: history shows the user and assistant rows.
	msgs, err := f.store.Messages(conversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Quack quack.", msgs[1].Content)

	// Same sender reconnecting lands in the same conversation.
	conn2 := dialWS(t, f, "?senderId=duckfan")
	f.provider.scripts = append(f.provider.scripts, []provider.Chunk{
		{Type: provider.ChunkText, Text: "again"},
		{Type: provider.ChunkDone},
	})
	require.NoError(t, conn2.WriteJSON(map[string]any{
		"v": 1, "type": "message.send", "requestId": "r2", "content": "hi again",
	}))
	ev = readEvent(t, conn2)
	assert.Equal(t, conversationID, ev["conversationId"])
}

func TestWSStreamError(t *testing.T) {
	f := newFixture(t)
	f.provider.scripts = [][]provider.Chunk{{
		{Type: provider.ChunkError, Err: assert.AnError},
	}}
	conn := dialWS(t, f, "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"v": 1, "type": "message.send", "requestId": "r1", "content": "hello",
	}))

	var errEv map[string]any
	for errEv == nil {
		ev := readEvent(t, conn)
		if ev["type"] == "stream.error" {
			errEv = ev
		}
	}
	assert.Equal(t, "AGENT_ERROR", errEv["code"])
}

func TestWSConversationOps(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "")

	require.NoError(t, conn.WriteJSON(map[string]any{"v": 1, "type": "conversation.create", "title": "ponds"}))
	ev := readEvent(t, conn)
	require.Equal(t, "conversation.created", ev["type"])
	convID := ev["conversationId"].(string)

	require.NoError(t, conn.WriteJSON(map[string]any{"v": 1, "type": "conversation.list"}))
	ev = readEvent(t, conn)
	require.Equal(t, "conversation.list", ev["type"])
	assert.Len(t, ev["conversations"], 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"v": 1, "type": "conversation.history", "conversationId": convID}))
	ev = readEvent(t, conn)
	require.Equal(t, "conversation.history", ev["type"])
	assert.Empty(t, ev["messages"])

	require.NoError(t, conn.WriteJSON(map[string]any{"v": 1, "type": "conversation.delete", "conversationId": convID}))
	ev = readEvent(t, conn)
	require.Equal(t, "conversation.deleted", ev["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"v": 1, "type": "conversation.list"}))
	ev = readEvent(t, conn)
	assert.Empty(t, ev["conversations"])
}

func TestWSAuth(t *testing.T) {
	f := newFixture(t)
	f.patch(t, "/gateway/authRequired", true)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	ps, err := f.auth.CreatePairingSession()
	require.NoError(t, err)
	token, err := f.auth.ConfirmPairing(ps.ID, ps.Code, "test")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	conn.Close()
}
