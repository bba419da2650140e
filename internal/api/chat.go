package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/agent"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

// ChatResponse is the body returned for a completed turn.
type ChatResponse struct {
	SessionID  string                 `json:"session_id"`
	RequestID  string                 `json:"request_id"`
	Answer     string                 `json:"answer"`
	Reasoning  string                 `json:"reasoning,omitempty"`
	ToolCalls  []agent.ToolCallRecord `json:"tool_calls,omitempty"`
	Iterations int                    `json:"iterations"`
	Model      string                 `json:"model"`
	ParseMode  string                 `json:"parse_mode"`
	Usage      Usage                  `json:"usage"`
	ElapsedMs  int64                  `json:"elapsed_ms"`
}

// Usage reports token counts for a turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func newChatResponse(res *agent.TurnResult) ChatResponse {
	return ChatResponse{
		SessionID:  res.SessionID,
		RequestID:  res.RequestID,
		Answer:     res.Answer,
		Reasoning:  res.Reasoning,
		ToolCalls:  res.ToolCalls,
		Iterations: res.Iterations,
		Model:      res.Model,
		ParseMode:  string(res.ParseMode),
		Usage: Usage{
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			TotalTokens:  res.InputTokens + res.OutputTokens,
		},
		ElapsedMs: res.Elapsed.Milliseconds(),
	}
}

// handleChat runs one turn.
// POST /v1/chat {"message": "What is 2+2?", "session_id": "s1"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "empty_input", "message is required")
		return
	}

	if req.Stream {
		s.handleStreamingChat(w, r, req)
		return
	}

	res, err := s.agent.HandleTurnStream(r.Context(), req.SessionID, req.Message, nil)
	s.stats.Record(res, err)
	if err != nil {
		s.logger.Error("turn failed", "session", req.SessionID, "error", err)
		s.agentError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, newChatResponse(res), s.logger)
}

// handleStreamingChat sends the turn as server-sent events: token,
// thinking, tool_start, and tool_done while it runs, then exactly one
// done or error event.
func (s *Server) handleStreamingChat(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	rc := http.NewResponseController(w)

	stream := func(ev llm.StreamEvent) {
		if name, payload, ok := streamPayload(ev); ok {
			s.writeSSE(w, name, payload)
			flusher.Flush()
		}
		// Tool loops can outlast the server write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(2 * time.Minute)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	res, err := s.agent.HandleTurnStream(r.Context(), req.SessionID, req.Message, stream)
	s.stats.Record(res, err)
	if err != nil {
		s.logger.Error("turn failed", "session", req.SessionID, "error", err)
		kind := agent.ErrorKind(err)
		s.writeSSE(w, "error", map[string]any{"type": kind, "message": err.Error(), "code": errorStatus(kind)})
		flusher.Flush()
		return
	}

	s.writeSSE(w, "done", newChatResponse(res))
	flusher.Flush()
}

// streamPayload converts an agent stream event into a client event name
// and body. KindDone is internal to the model call and is not sent.
func streamPayload(ev llm.StreamEvent) (string, map[string]any, bool) {
	switch ev.Kind {
	case llm.KindToken:
		return "token", map[string]any{"text": ev.Token}, true
	case llm.KindThinking:
		return "thinking", map[string]any{"text": ev.Token}, true
	case llm.KindToolCallStart:
		if ev.ToolCall == nil {
			return "", nil, false
		}
		return "tool_start", map[string]any{
			"id":        ev.ToolCall.ID,
			"tool":      ev.ToolCall.Function.Name,
			"arguments": ev.ToolCall.Function.Arguments,
		}, true
	case llm.KindToolCallDone:
		p := map[string]any{"tool": ev.ToolName, "result": ev.ToolResult}
		if ev.ToolError != "" {
			p["error"] = ev.ToolError
		}
		return "tool_done", p, true
	}
	return "", nil, false
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "event", event, "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("failed to write SSE event", "event", event, "error", err)
	}
}
