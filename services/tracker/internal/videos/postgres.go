package videos

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS videos (
  id               TEXT             PRIMARY KEY,
  title            TEXT             NOT NULL DEFAULT '',
  duration_seconds DOUBLE PRECISION NOT NULL CHECK (duration_seconds > 0),
  updated_at       TIMESTAMPTZ      NOT NULL DEFAULT now()
)`

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("videos: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Video, error) {
	v := Video{ID: id}
	err := p.db.QueryRow(ctx, `SELECT title, duration_seconds FROM videos WHERE id=$1`, id).
		Scan(&v.Title, &v.DurationSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return Video{}, ErrNotFound
	}
	if err != nil {
		return Video{}, fmt.Errorf("videos: get: %w", err)
	}
	return v, nil
}

func (p *Postgres) Put(ctx context.Context, v Video) error {
	if err := v.Validate(); err != nil {
		return err
	}
	const stmt = `
INSERT INTO videos (id, title, duration_seconds, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET
  title            = EXCLUDED.title,
  duration_seconds = EXCLUDED.duration_seconds,
  updated_at       = EXCLUDED.updated_at`
	if _, err := p.db.Exec(ctx, stmt, v.ID, v.Title, v.DurationSeconds); err != nil {
		return fmt.Errorf("videos: put: %w", err)
	}
	return nil
}
