package api

import (
	"net/http"
	"strconv"

	"github.com/haasonsaas/hub/internal/auth"
	"github.com/haasonsaas/hub/internal/observability"
	"github.com/haasonsaas/hub/pkg/hub"
)

type createSessionRequest struct {
	DeviceID  string `json:"device_id"`
	Channel   string `json:"channel,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

func (s *Server) handleSessionsCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Kind != auth.PrincipalUser {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	session, err := s.sessions.Create(r.Context(), req.DeviceID, p.User.ID, req.Channel, req.ChannelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Kind != auth.PrincipalUser {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	limit, offset := paginationParams(r)
	sessions, err := s.sessions.ListByUser(r.Context(), p.User.ID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionsGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadAuthorizedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type patchSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleSessionsPatch(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadAuthorizedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req patchSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	ctx := observability.AddSessionID(r.Context(), session.ID)
	if err := s.sessions.Rename(ctx, session, req.Title); err != nil {
		writeError(w, err)
		return
	}
	if s.logger != nil {
		s.logger.Info(ctx, "session renamed", "title", session.Title)
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionsDelete(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadAuthorizedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.Delete(r.Context(), session.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionsMessages(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadAuthorizedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.sessions.Messages(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// loadAuthorizedSession fetches the path's session and checks the caller's
// principal owns it (a device may only reach the session it is currently
// bound to; a user may only reach their own sessions).
func (s *Server) loadAuthorizedSession(r *http.Request) (*hub.Session, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil, hub.NewError(hub.KindPermissionDenied, "no principal")
	}
	session, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if session.UserID != p.UserID() && !(p.Kind == auth.PrincipalUser && p.User.IsAdmin) {
		return nil, hub.NewError(hub.KindPermissionDenied, "not your session")
	}
	if p.Kind == auth.PrincipalDevice && session.DeviceID != p.Device.ID {
		return nil, hub.NewError(hub.KindPermissionDenied, "not your session")
	}
	return session, nil
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
