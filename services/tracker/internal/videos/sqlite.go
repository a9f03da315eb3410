package videos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS videos (
  id               TEXT PRIMARY KEY,
  title            TEXT NOT NULL DEFAULT '',
  duration_seconds REAL NOT NULL
)`

// MigrateSQLite creates the catalog table in db.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("videos: sqlite migrate: %w", err)
	}
	return nil
}

type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Get(ctx context.Context, id string) (Video, error) {
	v := Video{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT title, duration_seconds FROM videos WHERE id=?`, id).
		Scan(&v.Title, &v.DurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return Video{}, ErrNotFound
	}
	if err != nil {
		return Video{}, fmt.Errorf("videos: get: %w", err)
	}
	return v, nil
}

func (s *SQLite) Put(ctx context.Context, v Video) error {
	if err := v.Validate(); err != nil {
		return err
	}
	const stmt = `
INSERT INTO videos (id, title, duration_seconds) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  title            = excluded.title,
  duration_seconds = excluded.duration_seconds`
	if _, err := s.db.ExecContext(ctx, stmt, v.ID, v.Title, v.DurationSeconds); err != nil {
		return fmt.Errorf("videos: put: %w", err)
	}
	return nil
}
