package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/transcript"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	if limit := parseIntParam(r, "limit", 0); limit > 0 && limit < len(sessions) {
		sessions = sessions[:limit]
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}, s.logger)
}

// handleSessionHistory returns a session's messages. With ?q= it
// returns matching messages only, newest first.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var (
		msgs []session.Message
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		msgs, err = s.sessions.Search(id, q, parseIntParam(r, "limit", 20))
	} else {
		msgs, err = s.sessions.History(id)
		if limit := parseIntParam(r, "limit", 0); err == nil && limit > 0 && limit < len(msgs) {
			msgs = msgs[len(msgs)-limit:]
		}
	}
	if err != nil {
		s.sessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": id,
		"messages":   msgs,
		"count":      len(msgs),
	}, s.logger)
}

// handleSessionTranscript renders a session for reading.
// ?format=markdown (default), html, text, or json.
func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.sessionError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	title := "Session " + id
	turns := transcript.Turns(sess.Messages)

	switch format {
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, transcript.RenderMarkdown(title, turns))

	case "html":
		page, err := transcript.RenderHTML(title, turns)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)

	case "text", "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, transcript.RenderText(turns))

	case "json":
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{
			"session": sess,
			"turns":   turns,
		}, s.logger)

	default:
		s.errorResponse(w, http.StatusBadRequest, "invalid_request",
			"unsupported format: "+format+" (use markdown, html, text, or json)")
	}
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	var unknown *session.UnknownSessionError
	if errors.As(err, &unknown) {
		s.errorResponse(w, http.StatusNotFound, "unknown_session", err.Error())
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, "internal", err.Error())
}
