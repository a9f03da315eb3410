// Package ledger holds the durable per-(user, video) progress and completion
// records. Backends share one contract: watched percentage and skip counts
// only ever grow, and completed and blocked records stay that way.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

var (
	ErrUnknownBackend = errors.New("unknown ledger backend")
	ErrMissingDep     = errors.New("ledger backend dependency missing")
)

// Record is the stored state for one (user, video).
type Record struct {
	UserID            string    `json:"user_id"`
	VideoID           string    `json:"video_id"`
	WatchedPct        float64   `json:"watched_pct"`
	SkipAttempts      int       `json:"skip_attempts"`
	Completed         bool      `json:"completed"`
	CompletionBlocked bool      `json:"completion_blocked"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Standing is the part of rec a new session starts from.
func (rec Record) Standing() engine.Standing {
	return engine.Standing{
		Completed:         rec.Completed,
		SkipAttempts:      rec.SkipAttempts,
		CompletionBlocked: rec.CompletionBlocked,
	}
}

// Store is an engine.Ledger that can also return the full record.
type Store interface {
	engine.Ledger
	Get(ctx context.Context, key engine.Key) (Record, bool, error)
}

// Deps carries the connections a backend may need. Only the ones the chosen
// backend uses have to be set.
type Deps struct {
	Pool  *pgxpool.Pool
	SQL   *sql.DB
	JS    nats.JetStreamContext
	Clock clockwork.Clock
}

// New builds the ledger for backend. The nats backend publishes writes to
// JetStream and serves reads from Postgres, which the ledger worker keeps
// up to date.
func New(backend string, deps Deps) (Store, error) {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	switch backend {
	case "", BackendMemory:
		return NewMemory(clock), nil
	case BackendSQLite:
		if deps.SQL == nil {
			return nil, fmt.Errorf("%w: sqlite backend needs a database", ErrMissingDep)
		}
		return NewSQLite(deps.SQL, clock), nil
	case BackendPostgres:
		if deps.Pool == nil {
			return nil, fmt.Errorf("%w: postgres backend needs a pool", ErrMissingDep)
		}
		return NewPostgres(deps.Pool, clock), nil
	case BackendNATS:
		if deps.JS == nil || deps.Pool == nil {
			return nil, fmt.Errorf("%w: nats backend needs jetstream and a postgres pool", ErrMissingDep)
		}
		return NewJetStream(deps.JS, NewPostgres(deps.Pool, clock), clock), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}
