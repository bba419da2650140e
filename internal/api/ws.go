package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/agent"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/events"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxMessage   = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // UI may be served from elsewhere
	},
}

// wsRequest is a client frame on /v1/ws.
type wsRequest struct {
	Type      string `json:"type"` // chat (default) or ping
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// safeConn serialises writes; gorilla connections allow one concurrent
// writer.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// handleWebSocket serves chat turns over a WebSocket. Frames from the
// client are {"type":"chat","session_id":"...","message":"..."}; the
// server answers with token, thinking, tool_start, tool_done, and a
// final done or error frame. With ?events=true the connection also
// receives every bus event as {"type":"event","event":{...}}.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &safeConn{Conn: raw}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	clientID := uuid.NewString()[:8]
	log := s.logger.With("client_id", clientID, "remote", r.RemoteAddr)
	log.Info("websocket client connected")
	s.bus.Emit(events.SourceAPI, events.KindClientConnected, map[string]any{"remote": r.RemoteAddr, "client_id": clientID})
	defer func() {
		log.Info("websocket client disconnected")
		s.bus.Emit(events.SourceAPI, events.KindClientDisconnected, map[string]any{"remote": r.RemoteAddr, "client_id": clientID})
	}()

	if s.bus != nil && wantEvents(r) {
		sub := s.bus.Subscribe(64)
		defer s.bus.Unsubscribe(sub)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub:
					if !ok {
						return
					}
					if err := conn.send(map[string]any{"type": "event", "event": ev}); err != nil {
						log.Debug("websocket event write failed", "error", err)
						return
					}
				}
			}
		}()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.wsError(conn, "invalid_request", http.StatusBadRequest, "invalid frame: "+err.Error())
			continue
		}

		switch req.Type {
		case "ping":
			if err := conn.send(map[string]any{"type": "pong"}); err != nil {
				return
			}
		case "chat", "":
			if err := s.wsChat(ctx, conn, req); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		default:
			s.wsError(conn, "invalid_request", http.StatusBadRequest, "unknown frame type "+req.Type)
		}
	}
}

// wsChat runs one turn and streams it to conn. The returned error is a
// write failure; turn failures are sent to the client.
func (s *Server) wsChat(ctx context.Context, conn *safeConn, req wsRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return s.wsError(conn, "empty_input", http.StatusBadRequest, "message is required")
	}

	var writeErr error
	stream := func(ev llm.StreamEvent) {
		name, payload, ok := streamPayload(ev)
		if !ok || writeErr != nil {
			return
		}
		payload["type"] = name
		writeErr = conn.send(payload)
	}

	res, err := s.agent.HandleTurnStream(ctx, req.SessionID, req.Message, stream)
	s.stats.Record(res, err)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		s.logger.Warn("turn failed", "session", req.SessionID, "error", err)
		kind := agent.ErrorKind(err)
		return s.wsError(conn, kind, errorStatus(kind), err.Error())
	}
	return conn.send(map[string]any{"type": "done", "result": newChatResponse(res)})
}

func (s *Server) wsError(conn *safeConn, kind string, code int, message string) error {
	return conn.send(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    kind,
			"message": message,
			"code":    code,
		},
	})
}

func wantEvents(r *http.Request) bool {
	switch r.URL.Query().Get("events") {
	case "1", "true", "yes":
		return true
	}
	return false
}
