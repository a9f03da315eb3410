package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS video_progress (
  user_id       TEXT    NOT NULL,
  video_id      TEXT    NOT NULL,
  watched_pct   REAL    NOT NULL DEFAULT 0,
  skip_attempts INTEGER NOT NULL DEFAULT 0,
  completed     INTEGER NOT NULL DEFAULT 0,
  completed_at  INTEGER NOT NULL DEFAULT 0,
  updated_at    INTEGER NOT NULL,
  PRIMARY KEY (user_id, video_id)
)`

// sqliteBlockedColumn upgrades databases created before blocks were stored.
const sqliteBlockedColumn = `ALTER TABLE video_progress ADD COLUMN completion_blocked INTEGER NOT NULL DEFAULT 0`

// OpenSQLite opens (and migrates) a single-node ledger database at path.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: sqlite migrate: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteBlockedColumn); err != nil && !strings.Contains(err.Error(), "duplicate column") {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: sqlite migrate: %w", err)
	}
	return db, nil
}

// SQLite stores the ledger in an embedded database. Times are unix milliseconds.
type SQLite struct {
	db    *sql.DB
	clock clockwork.Clock
}

func NewSQLite(db *sql.DB, clock clockwork.Clock) *SQLite {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SQLite{db: db, clock: clock}
}

func (s *SQLite) RecordProgress(ctx context.Context, key engine.Key, watchedPct float64, skipAttempts int) error {
	const stmt = `
INSERT INTO video_progress (user_id, video_id, watched_pct, skip_attempts, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id, video_id)
DO UPDATE SET
  watched_pct   = MAX(watched_pct, excluded.watched_pct),
  skip_attempts = MAX(skip_attempts, excluded.skip_attempts),
  updated_at    = excluded.updated_at`
	now := s.clock.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, stmt, key.UserID, key.VideoID, watchedPct, skipAttempts, now); err != nil {
		return fmt.Errorf("ledger: record progress: %w", err)
	}
	return nil
}

func (s *SQLite) MarkCompleted(ctx context.Context, key engine.Key) error {
	const stmt = `
INSERT INTO video_progress (user_id, video_id, completed, completed_at, updated_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT (user_id, video_id)
DO UPDATE SET
  completed    = 1,
  completed_at = CASE WHEN completed = 1 THEN completed_at ELSE excluded.completed_at END,
  updated_at   = excluded.updated_at`
	now := s.clock.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, stmt, key.UserID, key.VideoID, now, now); err != nil {
		return fmt.Errorf("ledger: mark completed: %w", err)
	}
	return nil
}

func (s *SQLite) MarkBlocked(ctx context.Context, key engine.Key) error {
	const stmt = `
INSERT INTO video_progress (user_id, video_id, completion_blocked, updated_at)
VALUES (?, ?, 1, ?)
ON CONFLICT (user_id, video_id)
DO UPDATE SET
  completion_blocked = 1,
  updated_at         = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, stmt, key.UserID, key.VideoID, s.clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("ledger: mark blocked: %w", err)
	}
	return nil
}

func (s *SQLite) Standing(ctx context.Context, key engine.Key) (engine.Standing, error) {
	rec, _, err := s.Get(ctx, key)
	return rec.Standing(), err
}

func (s *SQLite) Get(ctx context.Context, key engine.Key) (Record, bool, error) {
	rec := Record{UserID: key.UserID, VideoID: key.VideoID}
	var completed, blocked int
	var completedAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT watched_pct, skip_attempts, completed, completion_blocked, completed_at, updated_at FROM video_progress WHERE user_id=? AND video_id=?`,
		key.UserID, key.VideoID).Scan(&rec.WatchedPct, &rec.SkipAttempts, &completed, &blocked, &completedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("ledger: get: %w", err)
	}
	rec.Completed = completed == 1
	rec.CompletionBlocked = blocked == 1
	if completedAt > 0 {
		rec.CompletedAt = time.UnixMilli(completedAt).UTC()
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, true, nil
}
