// Package engine verifies that a learner actually watched a video before a
// completion credential is granted. A Tracker owns one Session per open
// (user, video) pair and drives it from player state changes, periodic
// position samples and explicit seeks.
package engine

import (
	"fmt"
	"strings"
	"time"
)

// State is the playback state reported by the player.
type State int

const (
	StateUnstarted State = iota
	StatePlaying
	StatePaused
	StateBuffering
	StateEnded
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateBuffering:
		return "buffering"
	case StateEnded:
		return "ended"
	default:
		return "unstarted"
	}
}

// ParseState maps a wire name ("playing", "PAUSED", ...) to a State.
func ParseState(v string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "unstarted":
		return StateUnstarted, nil
	case "playing":
		return StatePlaying, nil
	case "paused":
		return StatePaused, nil
	case "buffering":
		return StateBuffering, nil
	case "ended":
		return StateEnded, nil
	}
	return StateUnstarted, fmt.Errorf("unknown playback state %q", v)
}

// Key identifies a session.
type Key struct {
	UserID  string
	VideoID string
}

func (k Key) String() string { return k.UserID + ":" + k.VideoID }

// Segment is a watched range in seconds, Start < End.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Session is the verification state for one (user, video).
// Segments are kept sorted by Start and pairwise disjoint.
type Session struct {
	Key      Key
	Duration float64
	Segments []Segment

	SkipAttempts      int
	CompletionBlocked bool
	Locked            bool
	LockExpiresAt     time.Time

	LastValidPosition float64
	ExpectedPosition  float64

	Completed bool
	State     State

	Warning          string
	WarningExpiresAt time.Time
}

// NewSession returns an unstarted session for a video of the given duration.
func NewSession(key Key, duration float64) *Session {
	return &Session{Key: key, Duration: duration, State: StateUnstarted}
}

// WatchedPct is the share of the duration covered by watched segments, 0..100.
func (s *Session) WatchedPct() float64 {
	if s.Duration <= 0 {
		return 0
	}
	pct := 100 * TotalWatched(s.Segments) / s.Duration
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (s *Session) clamp(pos float64) float64 {
	if pos < 0 {
		return 0
	}
	if pos > s.Duration {
		return s.Duration
	}
	return pos
}
