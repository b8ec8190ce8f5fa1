package api

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/hub/internal/observability"
)

// handleWSDevice upgrades a Spoke's connection to the persistent channel of
// spec.md §4.4. Authentication happens before the upgrade (a device bearer
// token, same Authorization header or a ?token= query param since browser
// WebSocket clients cannot always set headers) since once the channel is
// open there is no further HTTP framing to carry a Bearer header.
func (s *Server) handleWSDevice(w http.ResponseWriter, r *http.Request) {
	token := bearerOrQueryToken(r)
	device, err := s.authSvc.AuthenticateDeviceToken(r.Context(), token)
	if err != nil {
		http.Error(w, `{"error":"invalid_credentials"}`, http.StatusUnauthorized)
		return
	}
	ctx := observability.AddDeviceID(r.Context(), device.ID)
	if err := s.spokes.Accept(w, r, device.ID); err != nil {
		if s.logger != nil {
			s.logger.Warn(ctx, "ws upgrade failed", "error", err)
		}
	}
}

func bearerOrQueryToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(h, prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return r.URL.Query().Get("token")
}
