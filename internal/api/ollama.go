package api

import (
	"net/http"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/agent"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/buildinfo"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
)

// OllamaModelName is the model name Scribe advertises on /api/tags.
const OllamaModelName = "scribe:latest"

// SessionHeader selects the session for Ollama-compatible requests.
// Without it, every request goes to the "ollama" session.
const SessionHeader = "X-Scribe-Session"

// RegisterOllamaRoutes adds a minimal Ollama-compatible surface so
// Ollama clients (Open WebUI and the like) can talk to Scribe as if it
// were a model. Only the latest user message of each request is used;
// history lives in the session.
func (s *Server) RegisterOllamaRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", s.handleOllamaChat)
	mux.HandleFunc("GET /api/tags", s.handleOllamaTags)
	mux.HandleFunc("GET /api/version", s.handleOllamaVersion)
}

func (s *Server) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ollama.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ollamaError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := lastUserMessage(req.Messages)
	if text == "" {
		ollamaError(w, http.StatusBadRequest, "no user message")
		return
	}
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = "ollama"
	}

	s.logger.Info("ollama chat request received",
		"remote_addr", r.RemoteAddr,
		"user_agent", r.Header.Get("User-Agent"),
		"model", req.Model,
		"messages", len(req.Messages),
		"session", sessionID,
	)

	// Ollama defaults to streaming when the field is absent.
	stream := req.Stream == nil || *req.Stream
	if stream {
		s.handleOllamaStreamingChat(w, r, sessionID, text, start)
		return
	}

	res, err := s.agent.HandleTurnStream(r.Context(), sessionID, text, nil)
	s.stats.Record(res, err)
	if err != nil {
		s.logger.Error("turn failed", "session", sessionID, "error", err)
		ollamaError(w, errorStatus(agent.ErrorKind(err)), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ollamaFinal(res, time.Since(start), true), s.logger)
}

// handleOllamaStreamingChat writes NDJSON chunks: one per token, then a
// final chunk with done=true and the token counts.
func (s *Server) handleOllamaStreamingChat(w http.ResponseWriter, r *http.Request, sessionID, text string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		ollamaError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")

	model := s.agent.Model()
	streamed := false
	writeChunk := func(v any) {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Debug("failed to write ollama chunk", "error", err)
		}
		flusher.Flush()
	}

	cb := func(ev llm.StreamEvent) {
		msg := ollama.Message{Role: "assistant"}
		switch ev.Kind {
		case llm.KindToken:
			msg.Content = ev.Token
			streamed = true
		case llm.KindThinking:
			msg.Thinking = ev.Token
		default:
			return
		}
		writeChunk(ollama.ChatResponse{Model: model, CreatedAt: time.Now().UTC(), Message: msg})
	}

	res, err := s.agent.HandleTurnStream(r.Context(), sessionID, text, cb)
	s.stats.Record(res, err)
	if err != nil {
		s.logger.Error("turn failed", "session", sessionID, "error", err)
		writeChunk(map[string]any{"error": err.Error()})
		return
	}

	// Streamed tokens may carry markup the parser removed; the final
	// chunk repeats the clean answer only when nothing was streamed.
	writeChunk(ollamaFinal(res, time.Since(start), !streamed))
}

func ollamaFinal(res *agent.TurnResult, elapsed time.Duration, withContent bool) ollama.ChatResponse {
	msg := ollama.Message{Role: "assistant"}
	if withContent {
		msg.Content = res.Answer
		msg.Thinking = res.Reasoning
	}
	return ollama.ChatResponse{
		Model:      res.Model,
		CreatedAt:  time.Now().UTC(),
		Message:    msg,
		Done:       true,
		DoneReason: "stop",
		Metrics: ollama.Metrics{
			TotalDuration:   elapsed,
			PromptEvalCount: res.InputTokens,
			EvalCount:       res.OutputTokens,
		},
	}
}

func (s *Server) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ollama.ListResponse{Models: []ollama.ListModelResponse{{
		Name:       OllamaModelName,
		Model:      OllamaModelName,
		ModifiedAt: time.Now().UTC(),
		Digest:     "scribe",
		Details: ollama.ModelDetails{
			Format: "scribe",
			Family: s.agent.Model(),
		},
	}}}, s.logger)
}

func (s *Server) handleOllamaVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"version": strings.TrimPrefix(buildinfo.Version, "v")}, s.logger)
}

func lastUserMessage(msgs []ollama.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	return ""
}

func ollamaError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
