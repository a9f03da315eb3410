// Package observe routes tracker events to metrics and analytics.
package observe

import (
	"github.com/example/watchproof/internal/platform/analytics"
	"github.com/example/watchproof/services/tracker/internal/engine"
	"github.com/example/watchproof/services/tracker/internal/metrics"
)

var subjects = map[engine.EventKind]string{
	engine.EventSkipDetected:      analytics.SubjectWatchSkipDetected,
	engine.EventLocked:            analytics.SubjectWatchLocked,
	engine.EventCompletionBlocked: analytics.SubjectWatchCompletionBlocked,
	engine.EventCompleted:         analytics.SubjectWatchCompleted,
	engine.EventReportFailed:      analytics.SubjectWatchLedgerOutOfSync,
}

// Fanout calls every non-nil observer in order.
func Fanout(observers ...engine.Observer) engine.Observer {
	return func(ev engine.Event) {
		for _, o := range observers {
			if o != nil {
				o(ev)
			}
		}
	}
}

// Analytics publishes tracker events through pub. Unlock events are not published.
func Analytics(pub *analytics.Publisher) engine.Observer {
	return func(ev engine.Event) {
		subject, ok := subjects[ev.Kind]
		if !ok {
			return
		}
		pub.Publish(subject, string(ev.Kind), ev.Key.UserID, ev.At, Properties(ev))
	}
}

// Properties is the analytics payload for ev.
func Properties(ev engine.Event) map[string]any {
	props := map[string]any{
		"video_id":      ev.Key.VideoID,
		"skip_attempts": ev.SkipAttempts,
	}
	switch ev.Kind {
	case engine.EventSkipDetected:
		props["position_seconds"] = ev.Position
		props["skip_to_seconds"] = ev.SkipTo
	case engine.EventCompleted, engine.EventCompletionBlocked:
		props["watched_pct"] = ev.WatchedPct
	case engine.EventReportFailed:
		props["watched_pct"] = ev.WatchedPct
		if ev.Err != nil {
			props["error"] = ev.Err.Error()
		}
	}
	return props
}

// Default is the observer the service runs with.
func Default(pub *analytics.Publisher) engine.Observer {
	return Fanout(metrics.Observe, Analytics(pub))
}
