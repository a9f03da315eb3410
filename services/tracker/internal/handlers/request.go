package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/watchproof/internal/platform/api"
	"github.com/example/watchproof/internal/platform/auth"
	"github.com/example/watchproof/internal/platform/httpserver"
	"github.com/example/watchproof/services/tracker/internal/engine"
)

const maxRequestBodyBytes = 64 << 10

// decodeJSON reads up to maxRequestBodyBytes from r.Body and decodes JSON into dst.
// On failure it writes a 400 response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, rid string, dst *T) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(dst); err != nil {
		api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
		return false
	}
	return true
}

// sessionKey resolves the caller and the video_id route param. On failure it
// writes the error response and returns false.
func sessionKey(w http.ResponseWriter, r *http.Request) (engine.Key, string, bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok || strings.TrimSpace(uid) == "" {
		api.Unauthorized(w, "AUTH_MISSING", "Missing auth", rid)
		return engine.Key{}, rid, false
	}
	videoID := strings.TrimSpace(chi.URLParam(r, "video_id"))
	if videoID == "" {
		api.BadRequest(w, "INVALID_VIDEO_ID", "video_id is required", rid, nil)
		return engine.Key{}, rid, false
	}
	return engine.Key{UserID: uid, VideoID: videoID}, rid, true
}

func validPosition(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
