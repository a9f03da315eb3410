package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS video_progress (
  user_id       TEXT             NOT NULL,
  video_id      TEXT             NOT NULL,
  watched_pct   DOUBLE PRECISION NOT NULL DEFAULT 0,
  skip_attempts INTEGER          NOT NULL DEFAULT 0,
  completed     BOOLEAN          NOT NULL DEFAULT FALSE,
  completed_at  TIMESTAMPTZ,
  updated_at    TIMESTAMPTZ      NOT NULL,
  PRIMARY KEY (user_id, video_id)
)`,
	`ALTER TABLE video_progress ADD COLUMN IF NOT EXISTS completion_blocked BOOLEAN NOT NULL DEFAULT FALSE`,
	`CREATE TABLE IF NOT EXISTS processed_events (
  event_id   TEXT        PRIMARY KEY,
  subject    TEXT        NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  payload    BYTEA
)`,
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production ledger.
type Postgres struct {
	db    *pgxpool.Pool
	clock clockwork.Clock
}

func NewPostgres(db *pgxpool.Pool, clock clockwork.Clock) *Postgres {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Postgres{db: db, clock: clock}
}

// Migrate creates the ledger tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) RecordProgress(ctx context.Context, key engine.Key, watchedPct float64, skipAttempts int) error {
	return recordProgress(ctx, p.db, key, watchedPct, skipAttempts, p.clock.Now().UTC())
}

func (p *Postgres) MarkCompleted(ctx context.Context, key engine.Key) error {
	return markCompleted(ctx, p.db, key, p.clock.Now().UTC())
}

func (p *Postgres) MarkBlocked(ctx context.Context, key engine.Key) error {
	return markBlocked(ctx, p.db, key, p.clock.Now().UTC())
}

func (p *Postgres) Standing(ctx context.Context, key engine.Key) (engine.Standing, error) {
	rec, _, err := p.Get(ctx, key)
	return rec.Standing(), err
}

func (p *Postgres) Get(ctx context.Context, key engine.Key) (Record, bool, error) {
	q := `SELECT watched_pct, skip_attempts, completed, completion_blocked, completed_at, updated_at
	      FROM video_progress WHERE user_id=$1 AND video_id=$2`
	rec := Record{UserID: key.UserID, VideoID: key.VideoID}
	var completedAt *time.Time
	err := p.db.QueryRow(ctx, q, key.UserID, key.VideoID).
		Scan(&rec.WatchedPct, &rec.SkipAttempts, &rec.Completed, &rec.CompletionBlocked, &completedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("ledger: get: %w", err)
	}
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	return rec, true, nil
}

func recordProgress(ctx context.Context, q Querier, key engine.Key, watchedPct float64, skipAttempts int, now time.Time) error {
	const stmt = `
INSERT INTO video_progress (user_id, video_id, watched_pct, skip_attempts, completed, updated_at)
VALUES ($1, $2, $3, $4, FALSE, $5)
ON CONFLICT (user_id, video_id)
DO UPDATE SET
  watched_pct   = GREATEST(video_progress.watched_pct, EXCLUDED.watched_pct),
  skip_attempts = GREATEST(video_progress.skip_attempts, EXCLUDED.skip_attempts),
  updated_at    = EXCLUDED.updated_at`
	if _, err := q.Exec(ctx, stmt, key.UserID, key.VideoID, watchedPct, skipAttempts, now); err != nil {
		return fmt.Errorf("ledger: record progress: %w", err)
	}
	return nil
}

func markCompleted(ctx context.Context, q Querier, key engine.Key, now time.Time) error {
	const stmt = `
INSERT INTO video_progress (user_id, video_id, completed, completed_at, updated_at)
VALUES ($1, $2, TRUE, $3, $3)
ON CONFLICT (user_id, video_id)
DO UPDATE SET
  completed    = TRUE,
  completed_at = COALESCE(video_progress.completed_at, EXCLUDED.completed_at),
  updated_at   = EXCLUDED.updated_at`
	if _, err := q.Exec(ctx, stmt, key.UserID, key.VideoID, now); err != nil {
		return fmt.Errorf("ledger: mark completed: %w", err)
	}
	return nil
}

func markBlocked(ctx context.Context, q Querier, key engine.Key, now time.Time) error {
	const stmt = `
INSERT INTO video_progress (user_id, video_id, completion_blocked, updated_at)
VALUES ($1, $2, TRUE, $3)
ON CONFLICT (user_id, video_id)
DO UPDATE SET
  completion_blocked = TRUE,
  updated_at         = EXCLUDED.updated_at`
	if _, err := q.Exec(ctx, stmt, key.UserID, key.VideoID, now); err != nil {
		return fmt.Errorf("ledger: mark blocked: %w", err)
	}
	return nil
}

// MarkProcessed records ev as handled. It reports false when the event was
// already processed and must not be applied again.
func MarkProcessed(ctx context.Context, q Querier, subject string, ev ProgressEvent, payload []byte) (bool, error) {
	ct, err := q.Exec(ctx,
		`INSERT INTO processed_events (event_id, subject, created_at, payload) VALUES ($1,$2,$3,$4) ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, subject, ev.CreatedAt, payload)
	if err != nil {
		return false, fmt.Errorf("ledger: processed_events: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ApplyEvent writes a published ledger event through q.
func ApplyEvent(ctx context.Context, q Querier, ev ProgressEvent) error {
	key := ev.Key()
	switch {
	case ev.Completed:
		return markCompleted(ctx, q, key, ev.CreatedAt)
	case ev.CompletionBlocked:
		return markBlocked(ctx, q, key, ev.CreatedAt)
	}
	return recordProgress(ctx, q, key, ev.WatchedPct, ev.SkipAttempts, ev.CreatedAt)
}
