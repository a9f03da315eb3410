package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPlayerUnavailable means the player never became ready; tracking does not start.
	ErrPlayerUnavailable = errors.New("player unavailable")
	// ErrClosed is returned when opening a tracker that was already closed.
	ErrClosed = errors.New("tracker closed")
)

// Player is the media-control surface the tracker drives.
type Player interface {
	Play() error
	Pause() error
	Seek(seconds float64) error
	CurrentTime() (float64, error)
	Duration() (float64, error)
}

// Standing is what the ledger already holds for a (user, video) when a
// session opens.
type Standing struct {
	Completed         bool
	SkipAttempts      int
	CompletionBlocked bool
}

// Ledger is the external collaborator that owns the durable completion record.
type Ledger interface {
	RecordProgress(ctx context.Context, key Key, watchedPct float64, skipAttempts int) error
	MarkCompleted(ctx context.Context, key Key) error
	// MarkBlocked records that no completion may ever be granted for key.
	MarkBlocked(ctx context.Context, key Key) error
	// Standing is queried at open. A completed video is not tracked again and
	// earlier skip attempts and blocks carry over to the new session.
	Standing(ctx context.Context, key Key) (Standing, error)
}

// Snapshot is the reported progress of a session.
type Snapshot struct {
	UserID            string    `json:"user_id"`
	VideoID           string    `json:"video_id"`
	WatchedPct        float64   `json:"watched_pct"`
	SkipAttempts      int       `json:"skip_attempts"`
	Completed         bool      `json:"completed"`
	CompletionBlocked bool      `json:"completion_blocked"`
	Synced            bool      `json:"synced"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (s Snapshot) Key() Key { return Key{UserID: s.UserID, VideoID: s.VideoID} }

// ProgressCache holds the latest snapshot per (user, video) for reads that
// must not depend on the ledger being reachable.
type ProgressCache interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, key Key) (Snapshot, bool, error)
}

// EventKind enumerates tracker notifications.
type EventKind string

const (
	EventSkipDetected      EventKind = "skip_detected"
	EventLocked            EventKind = "locked"
	EventUnlocked          EventKind = "unlocked"
	EventCompletionBlocked EventKind = "completion_blocked"
	EventCompleted         EventKind = "completed"
	EventReportFailed      EventKind = "report_failed"
)

// Event is delivered to the Observer after the tracker releases its lock.
type Event struct {
	Kind         EventKind
	Key          Key
	At           time.Time
	Position     float64
	SkipTo       float64
	SkipAttempts int
	WatchedPct   float64
	Err          error
}

// Observer receives tracker events. It must not block.
type Observer func(Event)
