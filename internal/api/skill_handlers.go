package api

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/hub/internal/auth"
	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/pkg/hub"
)

type registerSkillsRequest struct {
	Skills []hub.Skill `json:"skills"`
}

func (s *Server) handleSkillsRegister(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	var req registerSkillsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	registered, err := s.registry.Register(r.Context(), p.Device.ID, req.Skills)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registered)
}

func (s *Server) handleSkillsHeartbeat(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	count, err := s.registry.Heartbeat(r.Context(), p.Device.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"refreshed": count})
}

func (s *Server) handleSkillsList(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	hits, err := s.registry.Search(r.Context(), p.UserID(), "", currentDeviceID(p))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) handleSkillsSearch(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	query := r.URL.Query().Get("query")
	hits, err := s.registry.Search(r.Context(), p.UserID(), query, currentDeviceID(p))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func currentDeviceID(p auth.Principal) string {
	if p.Kind == auth.PrincipalDevice {
		return p.Device.ID
	}
	return ""
}

type executeSkillRequest struct {
	Device string `json:"device"`
	Code   string `json:"code"`
}

// handleSkillsExecute lets one authenticated caller run python_exec on a
// named device directly, bypassing the agent loop (spec.md §6: "used
// between Spokes / for tests").
func (s *Server) handleSkillsExecute(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	var req executeSkillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	cache := dispatch.NewTurnCache()
	argsJSON, _ := json.Marshal(map[string]string{"code": req.Code, "device": req.Device})
	result := s.dispatcher.Dispatch(r.Context(), cache, dispatch.ToolPythonExec, argsJSON, p.UserID(), currentDeviceID(p))
	writeJSON(w, http.StatusOK, result)
}
