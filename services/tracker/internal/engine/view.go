package engine

// View is the read-only UI surface over a session.
type View struct {
	VideoID           string    `json:"video_id"`
	Ready             bool      `json:"ready"`
	State             string    `json:"state"`
	Position          float64   `json:"position_seconds"`
	Duration          float64   `json:"duration_seconds"`
	WatchedPct        float64   `json:"watched_pct"`
	Segments          []Segment `json:"segments"`
	SkipAttempts      int       `json:"skip_attempts"`
	Locked            bool      `json:"locked"`
	LockRemainingMs   int64     `json:"lock_remaining_ms"`
	Warning           string    `json:"warning,omitempty"`
	Completed         bool      `json:"completed"`
	CompletionBlocked bool      `json:"completion_blocked"`
	BlockReason       string    `json:"block_reason,omitempty"`
	Synced            bool      `json:"synced"`
}

// View returns the current UI view. Expired locks and warnings are cleared
// before the view is built.
func (t *Tracker) View() View {
	v := View{VideoID: t.key.VideoID, State: StateUnstarted.String(), Segments: []Segment{}}
	t.do(func() {
		s := t.session
		if s == nil {
			return
		}
		now := t.clock.Now()
		if !t.closed {
			t.expireLocked(now)
		}

		v.Ready = true
		v.State = s.State.String()
		v.Position = s.LastValidPosition
		v.Duration = s.Duration
		v.WatchedPct = s.WatchedPct()
		v.Segments = append(v.Segments, s.Segments...)
		v.SkipAttempts = s.SkipAttempts
		v.Locked = s.Locked
		if s.Locked {
			if rem := s.LockExpiresAt.Sub(now).Milliseconds(); rem > 0 {
				v.LockRemainingMs = rem
			}
		}
		v.Warning = s.Warning
		v.Completed = s.Completed
		v.CompletionBlocked = s.CompletionBlocked
		if s.CompletionBlocked {
			v.BlockReason = BlockReasonSkips
		}
		v.Synced = t.reporter.Synced()
	})
	return v
}
