package ledger

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

// Memory is a process-local ledger for development and tests.
type Memory struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	records map[engine.Key]Record
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{clock: clock, records: make(map[engine.Key]Record)}
}

func (m *Memory) RecordProgress(_ context.Context, key engine.Key, watchedPct float64, skipAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(key)
	if watchedPct > rec.WatchedPct {
		rec.WatchedPct = watchedPct
	}
	if skipAttempts > rec.SkipAttempts {
		rec.SkipAttempts = skipAttempts
	}
	rec.UpdatedAt = m.clock.Now().UTC()
	m.records[key] = rec
	return nil
}

func (m *Memory) MarkCompleted(_ context.Context, key engine.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(key)
	now := m.clock.Now().UTC()
	if !rec.Completed {
		rec.Completed = true
		rec.CompletedAt = now
	}
	rec.UpdatedAt = now
	m.records[key] = rec
	return nil
}

func (m *Memory) MarkBlocked(_ context.Context, key engine.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(key)
	rec.CompletionBlocked = true
	rec.UpdatedAt = m.clock.Now().UTC()
	m.records[key] = rec
	return nil
}

func (m *Memory) Standing(_ context.Context, key engine.Key) (engine.Standing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[key].Standing(), nil
}

func (m *Memory) Get(_ context.Context, key engine.Key) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}

func (m *Memory) recordLocked(key engine.Key) Record {
	rec, ok := m.records[key]
	if !ok {
		rec = Record{UserID: key.UserID, VideoID: key.VideoID}
	}
	return rec
}
