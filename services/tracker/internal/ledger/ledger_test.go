package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

var key = engine.Key{UserID: "u1", VideoID: "v1"}

func backends(t *testing.T, clock clockwork.Clock) map[string]Store {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Store{
		BackendMemory: NewMemory(clock),
		BackendSQLite: NewSQLite(db, clock),
	}
}

func TestStore_ProgressIsMonotonic(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	for name, store := range backends(t, clock) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.RecordProgress(ctx, key, 40, 1))
			require.NoError(t, store.RecordProgress(ctx, key, 25, 0))

			rec, ok, err := store.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.InDelta(t, 40, rec.WatchedPct, 1e-9)
			assert.Equal(t, 1, rec.SkipAttempts)
			assert.False(t, rec.Completed)
			assert.True(t, rec.UpdatedAt.Equal(clock.Now()))
		})
	}
}

func TestStore_CompletionIsSticky(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	for name, store := range backends(t, clock) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := store.Standing(ctx, key)
			require.NoError(t, err)
			assert.False(t, st.Completed)

			require.NoError(t, store.RecordProgress(ctx, key, 90, 2))
			require.NoError(t, store.MarkCompleted(ctx, key))
			first := clock.Now()

			clock.Advance(time.Minute)
			require.NoError(t, store.MarkCompleted(ctx, key))
			require.NoError(t, store.RecordProgress(ctx, key, 91, 2))

			rec, _, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.True(t, rec.Completed)
			assert.True(t, rec.CompletedAt.Equal(first), "completion time must not move")
			assert.InDelta(t, 91, rec.WatchedPct, 1e-9)

			st, err = store.Standing(ctx, key)
			require.NoError(t, err)
			assert.True(t, st.Completed)
		})
	}
}

func TestStore_BlockIsSticky(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	for name, store := range backends(t, clock) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.RecordProgress(ctx, key, 30, 3))
			require.NoError(t, store.MarkBlocked(ctx, key))
			clock.Advance(time.Minute)
			require.NoError(t, store.RecordProgress(ctx, key, 100, 1))

			st, err := store.Standing(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, engine.Standing{SkipAttempts: 3, CompletionBlocked: true}, st)

			rec, ok, err := store.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, rec.CompletionBlocked)
			assert.InDelta(t, 100, rec.WatchedPct, 1e-9)
		})
	}
}

func TestOpenSQLite_ReopensMigratedDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, NewSQLite(db, nil).MarkBlocked(context.Background(), key))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()
	st, err := NewSQLite(db, nil).Standing(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, st.CompletionBlocked)
}

func TestNew_SelectsBackend(t *testing.T) {
	store, err := New("", Deps{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, store)

	_, err = New("postgres", Deps{})
	assert.ErrorIs(t, err, ErrMissingDep)

	_, err = New("nats", Deps{})
	assert.ErrorIs(t, err, ErrMissingDep)

	_, err = New("mongo", Deps{})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestProgressEvent_Key(t *testing.T) {
	ev := ProgressEvent{UserID: "u1", VideoID: "v1"}
	assert.Equal(t, key, ev.Key())
}
