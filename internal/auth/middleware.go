package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const principalContextKey contextKey = "hub_principal"

// WithPrincipal stores a resolved Principal on the context, the same
// context-threading idiom the teacher uses to carry an authenticated
// identity from middleware into handlers (there via gRPC interceptors;
// here via net/http middleware, since C9 is a plain HTTP surface).
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext retrieves the Principal a Middleware attached.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// Middleware authenticates every request via the Authorization header,
// rejecting with 401 on missing or invalid credentials. Handlers that need
// to distinguish admin-only routes read the Principal back out of the
// request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if token == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		principal, err := s.Authenticate(r.Context(), token)
		if err != nil {
			writeUnauthorized(w, "invalid credentials")
			return
		}
		ctx := WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin wraps a handler that only an admin user principal may call.
func RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || p.Kind != PrincipalUser || !p.User.IsAdmin {
			http.Error(w, `{"error":"permission_denied"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// RequireDevice wraps a handler reachable only by a device principal
// (skill registration/heartbeat, spec.md §6).
func RequireDevice(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || p.Kind != PrincipalDevice {
			http.Error(w, `{"error":"permission_denied"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"invalid_credentials","message":"` + msg + `"}`))
}
