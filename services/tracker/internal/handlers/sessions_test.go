package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/example/watchproof/internal/platform/auth"
	"github.com/example/watchproof/internal/platform/httpserver"
	"github.com/example/watchproof/services/tracker/internal/cache"
	"github.com/example/watchproof/services/tracker/internal/engine"
	"github.com/example/watchproof/services/tracker/internal/ledger"
	"github.com/example/watchproof/services/tracker/internal/sessions"
	"github.com/example/watchproof/services/tracker/internal/videos"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!!")

func token(t *testing.T, subject, role string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

type testServer struct {
	t      *testing.T
	router chi.Router
	ledger *ledger.Memory
	clock  *clockwork.FakeClock
	token  string
}

func newTestServer(t *testing.T, eventsPerMinute int) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClock()
	led := ledger.NewMemory(clock)
	catalog := videos.NewMemory(
		videos.Video{ID: "lesson-1", Title: "Lesson 1", DurationSeconds: 600},
		videos.Video{ID: "lesson-2", Title: "Lesson 2", DurationSeconds: 600},
	)
	mgr := sessions.NewManager(sessions.Config{
		Videos: catalog,
		Ledger: led,
		Cache:  cache.NewMemoryCache(clock, 0),
		Clock:  clock,
	})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	h := &Handler{Sessions: mgr, Ledger: led, Videos: catalog, Log: zap.NewNop()}
	h.Routes(r, RouteOptions{Verifier: auth.JWTVerifier{Secret: testSecret}, EventsPerMinute: eventsPerMinute})
	return &testServer{t: t, router: r, ledger: led, clock: clock, token: token(t, "learner-1", "")}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	return s.doAs(s.token, method, path, body)
}

func (s *testServer) doAs(tok, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

type decodedResponse struct {
	Session  engine.View        `json:"session"`
	Commands []map[string]any   `json:"commands"`
	Seek     *engine.SeekResult `json:"seek"`
	Toggled  *bool              `json:"toggled"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) decodedResponse {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp decodedResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

const base = "/v1/videos/lesson-1"

func TestSessionFlow_SkipsAreRevertedAndLocked(t *testing.T) {
	s := newTestServer(t, 0)

	resp := decode(t, s.do(http.MethodPost, base+"/session", map[string]any{"duration_seconds": 600}))
	if !resp.Session.Ready || resp.Session.Duration != 600 {
		t.Fatalf("unexpected open view %+v", resp.Session)
	}

	resp = decode(t, s.do(http.MethodPost, base+"/session/state", map[string]any{"state": "playing", "position_seconds": 0}))
	if resp.Session.State != "playing" {
		t.Fatalf("expected playing, got %s", resp.Session.State)
	}

	resp = decode(t, s.do(http.MethodPost, base+"/session/position", map[string]any{"position_seconds": 120}))
	if resp.Session.SkipAttempts != 1 || resp.Session.Warning == "" {
		t.Fatalf("expected first skip warning, got %+v", resp.Session)
	}
	if len(resp.Commands) != 1 || resp.Commands[0]["kind"] != "seek" {
		t.Fatalf("expected revert seek command, got %v", resp.Commands)
	}

	resp = decode(t, s.do(http.MethodPost, base+"/session/seek", map[string]any{"target_seconds": 400}))
	if resp.Seek == nil || !resp.Seek.Skip || !resp.Seek.Locked {
		t.Fatalf("expected locking skip, got %+v", resp.Seek)
	}
	if !resp.Session.Locked || resp.Session.LockRemainingMs != 5000 {
		t.Fatalf("expected 5s lock, got %+v", resp.Session)
	}

	resp = decode(t, s.do(http.MethodPost, base+"/session/toggle", nil))
	if resp.Toggled == nil || *resp.Toggled {
		t.Fatal("toggle must be refused while locked")
	}

	resp = decode(t, s.do(http.MethodGet, base+"/session", nil))
	if resp.Session.SkipAttempts != 2 {
		t.Fatalf("expected 2 skip attempts, got %d", resp.Session.SkipAttempts)
	}

	if rr := s.do(http.MethodDelete, base+"/session", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, base+"/session", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", rr.Code)
	}

	rr := s.do(http.MethodGet, base+"/progress", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected cached progress, got %d", rr.Code)
	}
	var snap engine.Snapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SkipAttempts != 2 || !snap.Synced {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestOpenSession_UnknownVideo(t *testing.T) {
	s := newTestServer(t, 0)
	rr := s.do(http.MethodPost, "/v1/videos/unlisted/session", map[string]any{"duration_seconds": 600})
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "VIDEO_NOT_FOUND") {
		t.Fatalf("expected 404 VIDEO_NOT_FOUND, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(http.MethodGet, "/v1/videos/unlisted/session", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("failed open must not leave a session, got %d", rr.Code)
	}
}

func TestOpenSession_ShortReportedDurationIsRejected(t *testing.T) {
	s := newTestServer(t, 0)
	path := "/v1/videos/lesson-2"
	rr := s.do(http.MethodPost, path+"/session", map[string]any{"duration_seconds": 10})
	if rr.Code != http.StatusUnprocessableEntity || !strings.Contains(rr.Body.String(), "DURATION_MISMATCH") {
		t.Fatalf("expected 422 DURATION_MISMATCH, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decode(t, s.do(http.MethodPost, path+"/session", map[string]any{}))
	if resp.Session.Duration != 600 {
		t.Fatalf("duration must come from the catalog, got %v", resp.Session.Duration)
	}
	decode(t, s.do(http.MethodPost, path+"/session/state", map[string]any{"state": "playing", "position_seconds": 0}))
	for i := 0; i < 10; i++ {
		s.clock.Advance(time.Second)
		decode(t, s.do(http.MethodPost, path+"/session/position", map[string]any{"position_seconds": i + 1}))
	}
	resp = decode(t, s.do(http.MethodPost, path+"/session/state", map[string]any{"state": "ended", "position_seconds": 10}))
	if resp.Session.Completed {
		t.Fatalf("ten seconds must not complete a ten minute video, got %+v", resp.Session)
	}
}

func TestOpenSession_InvalidReportedDuration(t *testing.T) {
	s := newTestServer(t, 0)
	if rr := s.do(http.MethodPost, base+"/session", map[string]any{"duration_seconds": -5}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAdminVideos(t *testing.T) {
	s := newTestServer(t, 0)
	admin := token(t, "ops", "admin")
	path := "/v1/admin/videos/lesson-3"

	if rr := s.do(http.MethodPut, path, map[string]any{"duration_seconds": 300}); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}
	if rr := s.doAs(admin, http.MethodPut, path, map[string]any{"duration_seconds": 0}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero duration, got %d", rr.Code)
	}
	if rr := s.doAs(admin, http.MethodGet, path, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before registration, got %d", rr.Code)
	}
	if rr := s.doAs(admin, http.MethodPut, path, map[string]any{"title": "Lesson 3", "duration_seconds": 300}); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr := s.doAs(admin, http.MethodGet, path, nil)
	var v videos.Video
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil || v.DurationSeconds != 300 {
		t.Fatalf("unexpected video %+v (err %v)", v, err)
	}
	resp := decode(t, s.do(http.MethodPost, "/v1/videos/lesson-3/session", map[string]any{}))
	if resp.Session.Duration != 300 {
		t.Fatalf("registered video should open with its catalog duration, got %v", resp.Session.Duration)
	}
}

func TestReportState_Validation(t *testing.T) {
	s := newTestServer(t, 0)
	decode(t, s.do(http.MethodPost, base+"/session", map[string]any{"duration_seconds": 600}))

	if rr := s.do(http.MethodPost, base+"/session/state", map[string]any{"state": "rewinding"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPost, base+"/session/state", map[string]any{"state": "paused", "position_seconds": -1}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative position, got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodPost, base+"/session/seek", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+s.token)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rr.Code)
	}
}

func TestSessionRoutes_RequireAuth(t *testing.T) {
	s := newTestServer(t, 0)
	if rr := s.doAs("", http.MethodGet, base+"/session", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestSessions_AreScopedToUser(t *testing.T) {
	s := newTestServer(t, 0)
	decode(t, s.do(http.MethodPost, base+"/session", map[string]any{"duration_seconds": 600}))
	other := token(t, "learner-2", "")
	if rr := s.doAs(other, http.MethodGet, base+"/session", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("another user must not see the session, got %d", rr.Code)
	}
}

func TestRateLimitByUser(t *testing.T) {
	s := newTestServer(t, 2)
	for i := 0; i < 2; i++ {
		if rr := s.do(http.MethodGet, base+"/session", nil); rr.Code != http.StatusNotFound {
			t.Fatalf("request %d: expected 404, got %d", i, rr.Code)
		}
	}
	rr := s.do(http.MethodGet, base+"/session", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	other := token(t, "learner-2", "")
	if rr := s.doAs(other, http.MethodGet, base+"/session", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("limit must be per user, got %d", rr.Code)
	}
}

func TestLedgerRecord_AdminOnly(t *testing.T) {
	s := newTestServer(t, 0)
	key := engine.Key{UserID: "learner-1", VideoID: "lesson-1"}
	if err := s.ledger.MarkCompleted(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	path := "/v1/admin/ledger/learner-1/lesson-1"
	if rr := s.do(http.MethodGet, path, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}

	admin := token(t, "ops", "admin")
	rr := s.doAs(admin, http.MethodGet, path, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var rec ledger.Record
	if err := json.NewDecoder(rr.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rec.Completed {
		t.Fatalf("expected completed record, got %+v", rec)
	}

	if rr := s.doAs(admin, http.MethodGet, "/v1/admin/ledger/learner-1/other", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOpenSession_AlreadyCompleted(t *testing.T) {
	s := newTestServer(t, 0)
	if err := s.ledger.MarkCompleted(context.Background(), engine.Key{UserID: "learner-1", VideoID: "lesson-1"}); err != nil {
		t.Fatal(err)
	}
	resp := decode(t, s.do(http.MethodPost, base+"/session", map[string]any{"duration_seconds": 600}))
	if !resp.Session.Completed {
		t.Fatal("already completed video should open as completed")
	}
	resp = decode(t, s.do(http.MethodPost, base+"/session/seek", map[string]any{"target_seconds": 50}))
	if resp.Seek == nil || !resp.Seek.Applied {
		t.Fatalf("completed video seeks freely, got %+v", resp.Seek)
	}
}
