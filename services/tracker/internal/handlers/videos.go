package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/watchproof/internal/platform/api"
	"github.com/example/watchproof/internal/platform/httpserver"
	"github.com/example/watchproof/services/tracker/internal/videos"
)

type videoRequest struct {
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	id := strings.TrimSpace(chi.URLParam(r, "video_id"))
	v, err := h.Videos.Get(r.Context(), id)
	switch {
	case errors.Is(err, videos.ErrNotFound):
		api.NotFound(w, "VIDEO_NOT_FOUND", "Video is not in the catalog", rid)
		return
	case err != nil:
		h.Log.Warn("video read failed", zap.String("video_id", id), zap.Error(err))
		api.BadGateway(w, "CATALOG_UNAVAILABLE", "Video catalog is unavailable", rid)
		return
	}
	api.WriteJSON(w, http.StatusOK, v)
}

// PutVideo registers a video or replaces its catalog entry. Open sessions
// keep the duration they started with.
func (h *Handler) PutVideo(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	var req videoRequest
	if !decodeJSON(w, r, rid, &req) {
		return
	}
	v := videos.Video{
		ID:              strings.TrimSpace(chi.URLParam(r, "video_id")),
		Title:           strings.TrimSpace(req.Title),
		DurationSeconds: req.DurationSeconds,
	}
	if err := v.Validate(); err != nil {
		api.BadRequest(w, "INVALID_VIDEO", err.Error(), rid, nil)
		return
	}
	if err := h.Videos.Put(r.Context(), v); err != nil {
		h.Log.Warn("video write failed", zap.String("video_id", v.ID), zap.Error(err))
		api.BadGateway(w, "CATALOG_UNAVAILABLE", "Video catalog is unavailable", rid)
		return
	}
	h.Log.Info("video registered", zap.String("video_id", v.ID), zap.Float64("duration", v.DurationSeconds))
	api.WriteJSON(w, http.StatusOK, v)
}
