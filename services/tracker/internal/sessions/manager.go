// Package sessions keeps one open tracker per (user, video) and closes the
// ones a client stopped talking to.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/example/watchproof/services/tracker/internal/engine"
	"github.com/example/watchproof/services/tracker/internal/player"
	"github.com/example/watchproof/services/tracker/internal/videos"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrUnknownVideo     = errors.New("video is not in the catalog")
	ErrDurationMismatch = errors.New("reported duration does not match the catalog")
)

const (
	DefaultIdleTTL = 10 * time.Minute

	// DurationTolerance absorbs container and rounding differences between
	// the client's reported duration and the catalog.
	DurationTolerance = 1.0
)

// Session pairs a tracker with the player mirror it drives.
type Session struct {
	Tracker *engine.Tracker
	Player  *player.Remote

	lastUsed time.Time
}

type Config struct {
	// Videos supplies each video's duration. Without it no session opens.
	Videos   videos.Repository
	Ledger   engine.Ledger
	Cache    engine.ProgressCache
	Options  engine.Options
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Observer engine.Observer
	IdleTTL  time.Duration
}

type Manager struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	sessions map[engine.Key]*Session
	closed   bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Videos == nil {
		cfg.Videos = videos.NewMemory()
	}
	return &Manager{cfg: cfg, log: cfg.Logger, sessions: make(map[engine.Key]*Session)}
}

// Open returns the session for key, starting one if needed. The duration
// comes from the catalog; reported is the client's figure, checked against
// it when positive. A video missing from the catalog yields ErrUnknownVideo
// and nothing is kept.
func (m *Manager) Open(ctx context.Context, key engine.Key, reported float64) (*Session, error) {
	if s, err := m.Get(key); err == nil {
		return s, nil
	}

	video, err := m.cfg.Videos.Get(ctx, key.VideoID)
	if errors.Is(err, videos.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVideo, key.VideoID)
	}
	if err != nil {
		return nil, fmt.Errorf("video lookup: %w", err)
	}
	duration := video.DurationSeconds
	if reported > 0 && math.Abs(reported-duration) > DurationTolerance {
		m.log.Warn("reported duration disagrees with catalog",
			zap.String("user_id", key.UserID), zap.String("video_id", key.VideoID),
			zap.Float64("reported", reported), zap.Float64("duration", duration))
		return nil, fmt.Errorf("%w: reported %.1fs, catalog %.1fs", ErrDurationMismatch, reported, duration)
	}

	remote := player.NewRemote(m.cfg.Clock, duration)
	tr := engine.New(engine.Config{
		Key:      key,
		Player:   remote,
		Ledger:   m.cfg.Ledger,
		Cache:    m.cfg.Cache,
		Options:  m.cfg.Options,
		Clock:    m.cfg.Clock,
		Logger:   m.cfg.Logger,
		Observer: m.cfg.Observer,
	})
	if err := tr.Open(ctx); err != nil {
		return nil, err
	}
	s := &Session{Tracker: tr, Player: remote}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = tr.Close(ctx)
		return nil, engine.ErrClosed
	}
	if existing, ok := m.sessions[key]; ok {
		existing.lastUsed = m.cfg.Clock.Now()
		m.mu.Unlock()
		_ = tr.Close(ctx)
		return existing, nil
	}
	s.lastUsed = m.cfg.Clock.Now()
	m.sessions[key] = s
	m.mu.Unlock()

	m.log.Info("session opened", zap.String("user_id", key.UserID), zap.String("video_id", key.VideoID), zap.Float64("duration", duration))
	return s, nil
}

// Get returns the open session for key and marks it as used.
func (m *Manager) Get(key engine.Key) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	s.lastUsed = m.cfg.Clock.Now()
	return s, nil
}

// Close stops the session for key after its final report.
func (m *Manager) Close(ctx context.Context, key engine.Key) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.Tracker.Close(ctx)
}

// Progress reads the last cached snapshot for key.
func (m *Manager) Progress(ctx context.Context, key engine.Key) (engine.Snapshot, bool, error) {
	if m.cfg.Cache == nil {
		return engine.Snapshot{}, false, nil
	}
	return m.cfg.Cache.Get(ctx, key)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle for at least the idle TTL and returns how many.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.cfg.Clock.Now()
	var idle []*Session
	m.mu.Lock()
	for key, s := range m.sessions {
		if now.Sub(s.lastUsed) >= m.cfg.IdleTTL {
			idle = append(idle, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		key := s.Tracker.Key()
		if err := s.Tracker.Close(ctx); err != nil {
			m.log.Warn("idle session close failed", zap.String("user_id", key.UserID), zap.String("video_id", key.VideoID), zap.Error(err))
			continue
		}
		m.log.Info("idle session closed", zap.String("user_id", key.UserID), zap.String("video_id", key.VideoID))
	}
	return len(idle)
}

// Run sweeps every half idle TTL until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.cfg.Clock.NewTicker(m.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.Sweep(ctx)
		}
	}
}

// Shutdown closes every session and rejects new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[engine.Key]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.Tracker.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
