package api

import (
	"fmt"
	"net/http"

	"github.com/haasonsaas/hub/internal/auth"
)

type createDeviceRequest struct {
	DisplayName string            `json:"display_name"`
	Platform    string            `json:"platform,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type createDeviceResponse struct {
	DeviceID          string `json:"device_id"`
	PlaintextToken    string `json:"plaintext_token"`
	EnrollmentCommand string `json:"enrollment_command"`
}

func (s *Server) handleDevicesCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Kind != auth.PrincipalUser {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	var req createDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	device, token, err := s.authSvc.CreateDevice(r.Context(), p.User.ID, req.DisplayName, req.Platform, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createDeviceResponse{
		DeviceID:          device.ID,
		PlaintextToken:    token,
		EnrollmentCommand: fmt.Sprintf("hub-spoke enroll --device-id=%s --token=%s", device.ID, token),
	})
}

type deviceView struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Platform    string            `json:"platform,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsActive    bool              `json:"is_active"`
	IsOnline    bool              `json:"is_online"`
	SkillCount  int               `json:"skill_count"`
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Kind != auth.PrincipalUser {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	devices, err := s.store.Devices.ListByUser(r.Context(), p.User.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	skills, err := s.store.Skills.AllForUser(r.Context(), p.User.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	counts := make(map[string]int, len(devices))
	for _, sk := range skills {
		counts[sk.DeviceID]++
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			ID:          d.ID,
			DisplayName: d.DisplayName,
			Platform:    d.Platform,
			Metadata:    d.Metadata,
			IsActive:    d.IsActive,
			IsOnline:    s.spokes.IsOnline(d.ID),
			SkillCount:  counts[d.ID],
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDevicesDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Kind != auth.PrincipalUser {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	id := r.PathValue("id")
	device, err := s.store.Devices.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if device.UserID != p.User.ID && !p.User.IsAdmin {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	if err := s.store.Devices.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
