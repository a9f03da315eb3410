package engine

import "time"

// CompletionEvent is returned once per session when the threshold is crossed.
type CompletionEvent struct {
	Key        Key
	WatchedPct float64
	At         time.Time
}

// Evaluate marks the session completed when its watched share reaches
// thresholdPct. Blocked and already completed sessions never fire.
func Evaluate(s *Session, thresholdPct float64, now time.Time) (CompletionEvent, bool) {
	if s.CompletionBlocked || s.Completed {
		return CompletionEvent{}, false
	}
	pct := s.WatchedPct()
	if pct < thresholdPct {
		return CompletionEvent{}, false
	}
	s.Completed = true
	return CompletionEvent{Key: s.Key, WatchedPct: pct, At: now}, true
}
