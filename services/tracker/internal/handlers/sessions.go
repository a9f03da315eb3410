// Package handlers exposes watch sessions over HTTP. The client player
// reports its state and position; responses carry the session view and the
// player commands the client must apply.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/watchproof/internal/platform/api"
	"github.com/example/watchproof/internal/platform/auth"
	"github.com/example/watchproof/internal/platform/httpserver"
	"github.com/example/watchproof/services/tracker/internal/engine"
	"github.com/example/watchproof/services/tracker/internal/ledger"
	"github.com/example/watchproof/services/tracker/internal/player"
	"github.com/example/watchproof/services/tracker/internal/sessions"
	"github.com/example/watchproof/services/tracker/internal/videos"
)

type Handler struct {
	Sessions *sessions.Manager
	Ledger   ledger.Store
	Videos   videos.Repository
	Log      *zap.Logger
}

type RouteOptions struct {
	Verifier auth.JWTVerifier
	// EventsPerMinute caps session requests per user; zero disables the limit.
	EventsPerMinute int
}

// openRequest carries the client player's view of the duration. It is
// optional and only checked against the catalog.
type openRequest struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

type stateRequest struct {
	State           string   `json:"state"`
	PositionSeconds *float64 `json:"position_seconds"`
}

type positionRequest struct {
	PositionSeconds float64 `json:"position_seconds"`
}

type seekRequest struct {
	TargetSeconds float64 `json:"target_seconds"`
}

type sessionResponse struct {
	Session  engine.View        `json:"session"`
	Commands []player.Command   `json:"commands"`
	Seek     *engine.SeekResult `json:"seek,omitempty"`
	Toggled  *bool              `json:"toggled,omitempty"`
}

// Routes registers the session API on r.
func (h *Handler) Routes(r chi.Router, opts RouteOptions) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(opts.Verifier))
		if opts.EventsPerMinute > 0 {
			r.Use(RateLimitByUser(opts.EventsPerMinute, time.Minute))
		}
		r.Route("/v1/videos/{video_id}", func(r chi.Router) {
			r.Post("/session", h.OpenSession)
			r.Get("/session", h.GetSession)
			r.Delete("/session", h.CloseSession)
			r.Post("/session/state", h.ReportState)
			r.Post("/session/position", h.ReportPosition)
			r.Post("/session/seek", h.Seek)
			r.Post("/session/toggle", h.Toggle)
			r.Get("/progress", h.Progress)
		})
		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/ledger/{user_id}/{video_id}", h.LedgerRecord)
			r.Get("/videos/{video_id}", h.GetVideo)
			r.Put("/videos/{video_id}", h.PutVideo)
		})
	})
}

func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	key, rid, ok := sessionKey(w, r)
	if !ok {
		return
	}
	var req openRequest
	if !decodeJSON(w, r, rid, &req) {
		return
	}
	if !validPosition(req.DurationSeconds) {
		api.BadRequest(w, "INVALID_DURATION", "duration_seconds must be a non-negative number", rid, nil)
		return
	}
	s, err := h.Sessions.Open(r.Context(), key, req.DurationSeconds)
	switch {
	case errors.Is(err, sessions.ErrUnknownVideo):
		api.NotFound(w, "VIDEO_NOT_FOUND", "Video is not in the catalog", rid)
		return
	case errors.Is(err, sessions.ErrDurationMismatch):
		api.Unprocessable(w, "DURATION_MISMATCH", "Reported duration does not match the video", rid,
			map[string]any{"reported_seconds": req.DurationSeconds})
		return
	case errors.Is(err, engine.ErrPlayerUnavailable):
		api.Unprocessable(w, "PLAYER_UNAVAILABLE", "Video duration is not available; tracking did not start", rid, nil)
		return
	case errors.Is(err, engine.ErrClosed):
		api.Unavailable(w, "SHUTTING_DOWN", "Service is shutting down", rid)
		return
	case err != nil:
		h.Log.Warn("open session failed", zap.String("video_id", key.VideoID), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	h.respond(w, s, nil, nil)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.respond(w, s, nil, nil)
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	key, rid, ok := sessionKey(w, r)
	if !ok {
		return
	}
	if err := h.Sessions.Close(r.Context(), key); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			api.NotFound(w, "SESSION_NOT_FOUND", "No open session for this video", rid)
			return
		}
		h.Log.Warn("close session failed", zap.String("video_id", key.VideoID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ReportState(w http.ResponseWriter, r *http.Request) {
	s, rid, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req stateRequest
	if !decodeJSON(w, r, rid, &req) {
		return
	}
	st, err := engine.ParseState(req.State)
	if err != nil {
		api.BadRequest(w, "INVALID_STATE", err.Error(), rid, nil)
		return
	}
	playing := st == engine.StatePlaying
	if req.PositionSeconds != nil {
		if !validPosition(*req.PositionSeconds) {
			api.BadRequest(w, "INVALID_POSITION", "position_seconds must be a non-negative number", rid, nil)
			return
		}
		s.Player.Report(*req.PositionSeconds, playing)
	} else {
		s.Player.SetPlaying(playing)
	}
	s.Tracker.HandleState(st)
	h.respond(w, s, nil, nil)
}

func (h *Handler) ReportPosition(w http.ResponseWriter, r *http.Request) {
	s, rid, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if !decodeJSON(w, r, rid, &req) {
		return
	}
	if !validPosition(req.PositionSeconds) {
		api.BadRequest(w, "INVALID_POSITION", "position_seconds must be a non-negative number", rid, nil)
		return
	}
	s.Player.ReportPosition(req.PositionSeconds)
	s.Tracker.Sample()
	h.respond(w, s, nil, nil)
}

func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	s, rid, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req seekRequest
	if !decodeJSON(w, r, rid, &req) {
		return
	}
	if !validPosition(req.TargetSeconds) {
		api.BadRequest(w, "INVALID_POSITION", "target_seconds must be a non-negative number", rid, nil)
		return
	}
	res := s.Tracker.Seek(req.TargetSeconds)
	h.respond(w, s, &res, nil)
}

func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.lookup(w, r)
	if !ok {
		return
	}
	toggled := s.Tracker.TogglePlay()
	h.respond(w, s, nil, &toggled)
}

// Progress serves the cached snapshot, which stays readable after the
// session closed and while the ledger is down.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	key, rid, ok := sessionKey(w, r)
	if !ok {
		return
	}
	snap, found, err := h.Sessions.Progress(r.Context(), key)
	if err != nil {
		h.Log.Warn("progress cache read failed", zap.String("video_id", key.VideoID), zap.Error(err))
		api.Internal(w, rid)
		return
	}
	if !found {
		api.NotFound(w, "PROGRESS_NOT_FOUND", "No progress recorded for this video", rid)
		return
	}
	api.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) LedgerRecord(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	key := engine.Key{
		UserID:  strings.TrimSpace(chi.URLParam(r, "user_id")),
		VideoID: strings.TrimSpace(chi.URLParam(r, "video_id")),
	}
	rec, found, err := h.Ledger.Get(r.Context(), key)
	if err != nil {
		h.Log.Warn("ledger read failed", zap.String("video_id", key.VideoID), zap.Error(err))
		api.BadGateway(w, "LEDGER_UNAVAILABLE", "Ledger is unavailable", rid)
		return
	}
	if !found {
		api.NotFound(w, "RECORD_NOT_FOUND", "No ledger record", rid)
		return
	}
	api.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*sessions.Session, string, bool) {
	key, rid, ok := sessionKey(w, r)
	if !ok {
		return nil, rid, false
	}
	s, err := h.Sessions.Get(key)
	if err != nil {
		api.NotFound(w, "SESSION_NOT_FOUND", "No open session for this video", rid)
		return nil, rid, false
	}
	return s, rid, true
}

func (h *Handler) respond(w http.ResponseWriter, s *sessions.Session, seek *engine.SeekResult, toggled *bool) {
	api.WriteJSON(w, http.StatusOK, sessionResponse{
		Session:  s.Tracker.View(),
		Commands: s.Player.DrainCommands(),
		Seek:     seek,
		Toggled:  toggled,
	})
}
