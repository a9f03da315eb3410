package engine

import "time"

const (
	WarningSkipDetected = "Skipping ahead is not allowed. Continue watching to earn completion."
	WarningLocked       = "Playback is locked after repeated skip attempts."
	BlockReasonSkips    = "Too many skip attempts: no completion credential will be issued for this session."
)

// PenaltyAction describes what a single skip escalated to.
type PenaltyAction struct {
	Warned  bool
	Locked  bool
	Blocked bool
}

// Penalize records one detected skip and escalates:
// 1st skip warns, 2nd and later lock playback, MaxSkipAttempts blocks completion for good.
func Penalize(s *Session, opts Options, now time.Time) PenaltyAction {
	var act PenaltyAction
	s.SkipAttempts++

	if s.SkipAttempts >= 2 {
		s.Locked = true
		s.LockExpiresAt = now.Add(opts.LockDuration)
		s.Warning = WarningLocked
		s.WarningExpiresAt = time.Time{}
		act.Locked = true
	} else {
		s.Warning = WarningSkipDetected
		s.WarningExpiresAt = now.Add(opts.WarningDuration)
		act.Warned = true
	}

	if s.SkipAttempts >= opts.MaxSkipAttempts && !s.CompletionBlocked {
		s.CompletionBlocked = true
		act.Blocked = true
	}
	return act
}

// ExpirePenalties releases a lock and clears a warning whose deadline has
// passed. It reports whether the lock was released.
func ExpirePenalties(s *Session, now time.Time) bool {
	unlocked := false
	if s.Locked && !now.Before(s.LockExpiresAt) {
		s.Locked = false
		s.LockExpiresAt = time.Time{}
		s.Warning = ""
		s.WarningExpiresAt = time.Time{}
		unlocked = true
	}
	if !s.Locked && s.Warning != "" && !s.WarningExpiresAt.IsZero() && !now.Before(s.WarningExpiresAt) {
		s.Warning = ""
		s.WarningExpiresAt = time.Time{}
	}
	return unlocked
}
