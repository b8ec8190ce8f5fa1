package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haasonsaas/hub/internal/agentloop"
	"github.com/haasonsaas/hub/internal/auth"
	"github.com/haasonsaas/hub/internal/dispatch"
)

type chatCompletionRequest struct {
	SessionID string        `json:"session_id"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleChatCompletions is the OpenAI-compatible endpoint of spec.md §6:
// non-streaming returns the final assistant message as JSON, `stream:
// true` switches to SSE event frames. Grounded on the teacher's
// streaming-completion handler (Content-Type: text/event-stream,
// http.Flusher, one JSON object per data: line), adapted to this spec's
// five named event types instead of OpenAI delta chunks.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	_, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}

	var req chatCompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed", "field": "messages"})
		return
	}
	userMessage := req.Messages[len(req.Messages)-1].Content

	session, err := s.store.Sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	lock := s.sessions.Lock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	cfg := s.agentCfg
	if cfg.MaxIterations == 0 {
		cfg = agentloop.DefaultConfig()
	}
	loop := agentloop.New(s.gateway, s.dispatcher, s.store.Messages, cfg, s.metrics, s.logger)
	events := loop.Run(r.Context(), session, userMessage, dispatch.Schemas())

	if req.Stream {
		s.streamSSE(w, r, events)
	} else {
		s.collectFinal(w, events)
	}

	_ = s.sessions.TouchAndMaybeTitle(r.Context(), session, userMessage, time.Now().UTC())
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan agentloop.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, more := <-events:
			if !more {
				return
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if event.Type == agentloop.EventDone {
				return
			}
		}
	}
}

// collectFinal drains a non-streaming run, returning only the final
// assistant_message as a plain JSON body.
func (s *Server) collectFinal(w http.ResponseWriter, events <-chan agentloop.Event) {
	var final agentloop.Event
	for event := range events {
		if event.Type == agentloop.EventAssistantMsg {
			final = event
		}
		if event.Type == agentloop.EventError {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": event.Error})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": final.Content,
		"model":   final.Model,
		"usage":   final.Usage,
	})
}
