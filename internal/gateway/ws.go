package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spaceduck/internal/agent"
	"spaceduck/internal/store"
)

// Envelope version required on inbound frames and stamped on every outbound
// event, error envelopes included.
const wsProtocolVersion = 1

// Dispatcher error codes.
const (
	codeInvalidJSON        = "INVALID_JSON"
	codeInvalidEnvelope    = "INVALID_ENVELOPE"
	codeUnsupportedVersion = "UNSUPPORTED_VERSION"
	codeUnknownType        = "UNKNOWN_TYPE"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS policy is enforced at the HTTP layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is one client connection. Writes are serialized; the read loop is
// the only reader.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	logger *zap.Logger

	senderID    string
	channelID   string
	connectedAt time.Time

	writeMu sync.Mutex
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Config.Current().Gateway.AuthRequired {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}
		if _, err := s.Auth.VerifyToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	senderID := r.URL.Query().Get("senderId")
	if senderID == "" {
		senderID = uuid.NewString()
	}
	c := &wsConn{
		server:      s,
		conn:        conn,
		logger:      s.logger.Named("ws").With(zap.String("sender_id", senderID)),
		senderID:    senderID,
		channelID:   "ws",
		connectedAt: time.Now(),
	}
	c.logger.Info("websocket connected")
	c.readLoop()
}

func (c *wsConn) readLoop() {
	defer func() {
		c.conn.Close()
		c.logger.Info("websocket closed")
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(raw)
	}
}

// send stamps the envelope version and writes one JSON event. Failures after
// socket close are ignored; the agent run owns persistence either way.
func (c *wsConn) send(event map[string]any) {
	event["v"] = wsProtocolVersion
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(event); err != nil {
		c.logger.Debug("websocket write failed", zap.Error(err))
	}
}

func (c *wsConn) sendError(code, message string, requestID string) {
	ev := map[string]any{"type": "error", "code": code, "message": message}
	if requestID != "" {
		ev["requestId"] = requestID
	}
	c.send(ev)
}

func (c *wsConn) dispatch(raw []byte) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.sendError(codeInvalidJSON, "payload is not valid JSON", "")
		return
	}
	obj, ok := probe.(map[string]any)
	if !ok {
		c.sendError(codeInvalidEnvelope, "envelope must be a JSON object", "")
		return
	}
	v, ok := obj["v"].(float64)
	if !ok || int(v) != wsProtocolVersion {
		c.sendError(codeUnsupportedVersion, "unsupported envelope version", "")
		return
	}
	msgType, _ := obj["type"].(string)

	switch msgType {
	case "message.send":
		var req struct {
			RequestID      string `json:"requestId"`
			Content        string `json:"content"`
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.RequestID == "" || req.Content == "" {
			c.sendError(codeInvalidEnvelope, "message.send requires requestId and content", "")
			return
		}
		c.handleMessageSend(req.RequestID, req.Content, req.ConversationID)
	case "conversation.list":
		c.handleConversationList()
	case "conversation.history":
		var req struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ConversationID == "" {
			c.sendError(codeInvalidEnvelope, "conversation.history requires conversationId", "")
			return
		}
		c.handleConversationHistory(req.ConversationID)
	case "conversation.create":
		var req struct {
			Title string `json:"title"`
		}
		_ = json.Unmarshal(raw, &req)
		c.handleConversationCreate(req.Title)
	case "conversation.delete":
		var req struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ConversationID == "" {
			c.sendError(codeInvalidEnvelope, "conversation.delete requires conversationId", "")
			return
		}
		c.handleConversationDelete(req.ConversationID)
	default:
		c.sendError(codeUnknownType, "unknown envelope type", "")
	}
}

// handleMessageSend acknowledges, then runs the turn on its own goroutine.
// The run detaches from the socket's lifetime: a closed socket drops the
// stream but never cancels persistence.
func (c *wsConn) handleMessageSend(requestID, content, conversationID string) {
	if conversationID == "" {
		resolved, err := c.server.Store.ResolveSession(c.channelID, c.senderID)
		if err != nil {
			c.sendError("SESSION_ERROR", err.Error(), requestID)
			return
		}
		conversationID = resolved
	}

	c.send(map[string]any{
		"type":           "message.accepted",
		"requestId":      requestID,
		"conversationId": conversationID,
	})

	go func() {
		ctx, release, err := c.server.RunLock.Acquire(context.Background(), conversationID)
		if err != nil {
			c.sendError("LOCK_ERROR", err.Error(), requestID)
			return
		}
		defer release()

		c.send(map[string]any{"type": "processing.started", "requestId": requestID})

		sink := func(chunk agent.Chunk) {
			switch chunk.Type {
			case agent.ChunkText:
				c.send(map[string]any{"type": "stream.delta", "requestId": requestID, "text": chunk.Text})
			case agent.ChunkToolCall:
				c.send(map[string]any{
					"type":      "tool.calling",
					"requestId": requestID,
					"toolCall":  chunk.ToolCall,
				})
			case agent.ChunkToolResult:
				c.send(map[string]any{
					"type":       "tool.result",
					"requestId":  requestID,
					"toolResult": chunk.ToolResult,
				})
			case agent.ChunkError:
				// Terminal error event follows below; nothing extra here.
			}
		}

		res, err := c.server.Agent.Run(ctx, agent.Turn{
			ConversationID: conversationID,
			Content:        content,
			RequestID:      requestID,
		}, sink)
		if err != nil {
			c.send(map[string]any{
				"type":      "stream.error",
				"requestId": requestID,
				"code":      agent.ErrorCodeAgent,
				"message":   err.Error(),
			})
			return
		}
		c.send(map[string]any{
			"type":      "stream.done",
			"requestId": requestID,
			"messageId": res.Message.ID,
		})
	}()
}

func (c *wsConn) handleConversationList() {
	convs, err := c.server.Store.ListConversations()
	if err != nil {
		c.sendError("STORE_ERROR", err.Error(), "")
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	c.send(map[string]any{"type": "conversation.list", "conversations": convs})
}

func (c *wsConn) handleConversationHistory(conversationID string) {
	msgs, err := c.server.Store.Messages(conversationID, 0)
	if err != nil {
		c.sendError("STORE_ERROR", err.Error(), "")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	c.send(map[string]any{
		"type":           "conversation.history",
		"conversationId": conversationID,
		"messages":       msgs,
	})
}

func (c *wsConn) handleConversationCreate(title string) {
	conv, err := c.server.Store.CreateConversation("", title)
	if err != nil {
		c.sendError("STORE_ERROR", err.Error(), "")
		return
	}
	c.send(map[string]any{"type": "conversation.created", "conversationId": conv.ID})
}

func (c *wsConn) handleConversationDelete(conversationID string) {
	if err := c.server.Store.DeleteConversation(conversationID); err != nil {
		c.sendError("STORE_ERROR", err.Error(), "")
		return
	}
	c.send(map[string]any{"type": "conversation.deleted", "conversationId": conversationID})
}
