package api

import (
	"net/http"

	"github.com/haasonsaas/hub/internal/auth"
	"github.com/haasonsaas/hub/pkg/hub"
)

type setupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	IsAdmin  bool   `json:"is_admin"`
}

func toUserView(u *hub.User) userView {
	return userView{ID: u.ID, Username: u.Username, Email: u.Email, IsAdmin: u.IsAdmin}
}

// handleAuthSetup bootstraps the first admin user. Succeeds exactly once
// across the database's lifetime (spec.md §8 property 10); the service
// layer enforces that, this handler just surfaces the resulting error.
func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	user, err := s.authSvc.Setup(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	token, _, err := s.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: toUserView(user)})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	token, user, err := s.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: toUserView(user)})
}

func (s *Server) handleUsersMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Kind != auth.PrincipalUser {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
		return
	}
	writeJSON(w, http.StatusOK, toUserView(p.User))
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	IsAdmin  bool   `json:"is_admin"`
}

func (s *Server) handleUsersCreate(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	user, err := s.authSvc.CreateUser(r.Context(), req.Username, req.Password, req.Email, req.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserView(user))
}

func (s *Server) handleUsersList(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, toUserView(u))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleUsersDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Users.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
