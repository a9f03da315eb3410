package auth

import (
	"net/http"
	"strings"

	"github.com/example/watchproof/internal/platform/api"
	"github.com/example/watchproof/internal/platform/httpserver"
)

const RoleAdmin = "admin"

// RequireAdmin must run after RequireUser.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := RoleFromContext(r.Context())
		if !strings.EqualFold(strings.TrimSpace(role), RoleAdmin) {
			api.Forbidden(w, "FORBIDDEN", "Admin role required", httpserver.RequestIDFromContext(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}
