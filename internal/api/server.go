// Package api implements C9 Public API: the HTTP routes of spec.md §6, the
// SSE stream for /v1/chat/completions, and the /ws/device upgrade endpoint.
//
// The mux/middleware wiring is grounded on the teacher's
// internal/gateway/http_server.go (plain http.NewServeMux, auth middleware
// wrapping individual handlers, a dedicated goroutine running
// server.Serve), trimmed of the teacher's webhook/web-UI/gRPC surfaces —
// this spec's "external collaborators" (the admin UI, the voice pipeline)
// are explicitly out of scope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/hub/internal/agentloop"
	"github.com/haasonsaas/hub/internal/auth"
	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/internal/llm"
	"github.com/haasonsaas/hub/internal/observability"
	"github.com/haasonsaas/hub/internal/registry"
	"github.com/haasonsaas/hub/internal/sessionsvc"
	"github.com/haasonsaas/hub/internal/spoke"
	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

// Server holds every component C9 fronts.
type Server struct {
	authSvc    *auth.Service
	store      *storage.Store
	registry   *registry.Registry
	spokes     *spoke.Manager
	dispatcher *dispatch.Dispatcher
	gateway    *llm.Gateway
	sessions   *sessionsvc.Service
	agentCfg   agentloop.Config
	metrics    *observability.Metrics
	logger     *observability.Logger

	httpServer   *http.Server
	httpListener net.Listener
}

type Deps struct {
	AuthService *auth.Service
	Store       *storage.Store
	Registry    *registry.Registry
	Spokes      *spoke.Manager
	Dispatcher  *dispatch.Dispatcher
	Gateway     *llm.Gateway
	Sessions    *sessionsvc.Service
	AgentConfig agentloop.Config
	Metrics     *observability.Metrics
	Logger      *observability.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		authSvc:    d.AuthService,
		store:      d.Store,
		registry:   d.Registry,
		spokes:     d.Spokes,
		dispatcher: d.Dispatcher,
		gateway:    d.Gateway,
		sessions:   d.Sessions,
		agentCfg:   d.AgentConfig,
		metrics:    d.Metrics,
		logger:     d.Logger,
	}
}

// authed wraps a handler with the auth middleware and then attaches the
// resolved Principal's identity to the logging correlation context, so every
// s.logger call made downstream carries request_id/user_id/device_id without
// each handler threading them through explicitly.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return s.authSvc.Middleware(s.withPrincipalCorrelation(next))
}

func (s *Server) withPrincipalCorrelation(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if p, ok := auth.PrincipalFromContext(ctx); ok {
			switch p.Kind {
			case auth.PrincipalUser:
				ctx = observability.AddUserID(ctx, p.User.ID)
			case auth.PrincipalDevice:
				ctx = observability.AddDeviceID(ctx, p.Device.ID)
			}
		}
		next(w, r.WithContext(ctx))
	})
}

// withRequestID stamps every inbound request with a correlation id before it
// reaches the mux, and logs completion once the handler returns. Grounded on
// the teacher's gateway request-logging middleware, adapted from its gRPC
// interceptor form to a plain net/http wrapper.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.AddRequestID(r.Context(), uuid.NewString())
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		if s.logger != nil {
			s.logger.Info(ctx, "request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	})
}

// Mux builds the full route table. Exposed separately from Start so tests
// can exercise handlers with httptest without binding a socket.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /auth/setup", s.handleAuthSetup)
	mux.HandleFunc("POST /auth/login", s.handleAuthLogin)

	mux.Handle("GET /users/me", s.authed(s.handleUsersMe))
	mux.Handle("POST /users", s.authed(auth.RequireAdmin(s.handleUsersCreate)))
	mux.Handle("GET /users", s.authed(auth.RequireAdmin(s.handleUsersList)))
	mux.Handle("DELETE /users/{id}", s.authed(auth.RequireAdmin(s.handleUsersDelete)))

	mux.Handle("POST /devices", s.authed(s.handleDevicesCreate))
	mux.Handle("GET /devices", s.authed(s.handleDevicesList))
	mux.Handle("POST /devices/token", s.authed(s.handleDevicesCreate))
	mux.Handle("DELETE /devices/{id}", s.authed(s.handleDevicesDelete))

	mux.Handle("POST /skills/register", s.authed(auth.RequireDevice(s.handleSkillsRegister)))
	mux.Handle("POST /skills/heartbeat", s.authed(auth.RequireDevice(s.handleSkillsHeartbeat)))
	mux.Handle("GET /skills", s.authed(s.handleSkillsList))
	mux.Handle("GET /skills/search", s.authed(s.handleSkillsSearch))
	mux.Handle("POST /skills/execute", s.authed(s.handleSkillsExecute))

	mux.Handle("POST /v1/chat/completions", s.authed(s.handleChatCompletions))

	mux.Handle("GET /sessions", s.authed(s.handleSessionsList))
	mux.Handle("POST /sessions", s.authed(s.handleSessionsCreate))
	mux.Handle("GET /sessions/{id}", s.authed(s.handleSessionsGet))
	mux.Handle("PATCH /sessions/{id}", s.authed(s.handleSessionsPatch))
	mux.Handle("DELETE /sessions/{id}", s.authed(s.handleSessionsDelete))
	mux.Handle("GET /sessions/{id}/messages", s.authed(s.handleSessionsMessages))

	mux.HandleFunc("GET /ws/device", s.handleWSDevice)

	return s.withRequestID(mux)
}

// Start binds the listener and serves until Shutdown is called. Returning
// before the listener is bound lets the caller distinguish a port-bind
// failure (spec.md §6 exit code 2) from a later runtime error.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(context.Background(), "http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(context.Background(), "serving", "addr", addr)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.spokes.FailAllPending()
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps a hub.Error (or any error) to spec.md §7's HTTP status
// table.
func writeError(w http.ResponseWriter, err error) {
	var he *hub.Error
	if !errors.As(err, &he) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	status := http.StatusInternalServerError
	switch he.Kind {
	case hub.KindInvalidCredentials, hub.KindTokenExpired:
		status = http.StatusUnauthorized
	case hub.KindPermissionDenied:
		status = http.StatusForbidden
	case hub.KindNotFound:
		status = http.StatusNotFound
	case hub.KindValidationFailed:
		status = http.StatusBadRequest
	case hub.KindProviderFatal:
		status = http.StatusBadGateway
	case hub.KindShuttingDown:
		status = http.StatusServiceUnavailable
	}
	body := map[string]string{"error": string(he.Kind), "message": he.Message}
	if he.Field != "" {
		body["field"] = he.Field
	}
	writeJSON(w, status, body)
}
