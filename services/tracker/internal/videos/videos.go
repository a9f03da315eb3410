// Package videos is the catalog of trackable videos. The catalog owns each
// video's duration; a session takes its duration from here and only checks
// the client's figure against it.
package videos

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var (
	ErrNotFound       = errors.New("video not found")
	ErrInvalid        = errors.New("invalid video")
	ErrUnknownBackend = errors.New("unknown video backend")
	ErrMissingDep     = errors.New("video backend dependency missing")
)

type Video struct {
	ID              string  `json:"id" yaml:"id"`
	Title           string  `json:"title,omitempty" yaml:"title"`
	DurationSeconds float64 `json:"duration_seconds" yaml:"duration_seconds"`
}

func (v Video) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	d := v.DurationSeconds
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return fmt.Errorf("%w: %s: duration must be a positive number of seconds", ErrInvalid, v.ID)
	}
	return nil
}

// Repository stores the catalog. Get returns ErrNotFound for unknown ids.
type Repository interface {
	Get(ctx context.Context, id string) (Video, error)
	Put(ctx context.Context, v Video) error
}

type Deps struct {
	Pool *pgxpool.Pool
	SQL  *sql.DB
}

// New builds the catalog for backend, mirroring the ledger's selection.
func New(backend string, deps Deps) (Repository, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		if deps.SQL == nil {
			return nil, fmt.Errorf("%w: sqlite backend needs a database", ErrMissingDep)
		}
		return NewSQLite(deps.SQL), nil
	case BackendPostgres:
		if deps.Pool == nil {
			return nil, fmt.Errorf("%w: postgres backend needs a pool", ErrMissingDep)
		}
		return NewPostgres(deps.Pool), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}

type catalogFile struct {
	Videos []Video `yaml:"videos"`
}

// LoadCatalog parses a YAML list of videos. Unknown keys and invalid entries
// are rejected.
func LoadCatalog(path string) ([]Video, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read video catalog: %w", err)
	}
	var cf catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse video catalog: %w", err)
	}
	for _, v := range cf.Videos {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return cf.Videos, nil
}

// Seed writes vids into repo.
func Seed(ctx context.Context, repo Repository, vids []Video) error {
	for _, v := range vids {
		if err := repo.Put(ctx, v); err != nil {
			return fmt.Errorf("seed %s: %w", v.ID, err)
		}
	}
	return nil
}
