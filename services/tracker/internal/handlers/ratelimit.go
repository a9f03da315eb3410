package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/example/watchproof/internal/platform/api"
	"github.com/example/watchproof/internal/platform/auth"
	"github.com/example/watchproof/internal/platform/httpserver"
)

// RateLimitByUser limits requests per authenticated user, falling back to
// the client IP. It must run after auth.RequireUser.
func RateLimitByUser(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(keyByUser),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			rid := httpserver.RequestIDFromContext(r.Context())
			api.RateLimited(w, "RATE_LIMITED", "Too many requests", rid, nil)
		}),
	)
}

func keyByUser(r *http.Request) (string, error) {
	if uid, ok := auth.UserIDFromContext(r.Context()); ok && uid != "" {
		return "user:" + uid, nil
	}
	return httprate.KeyByIP(r)
}
