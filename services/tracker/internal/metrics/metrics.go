// Package metrics exposes Prometheus metrics for the tracker service.
// Labels stay low-cardinality: no user or video IDs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

var (
	// TrackerEventsTotal counts tracker events by kind.
	TrackerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchproof_tracker_events_total",
		Help: "Total number of tracker events, by kind (skip_detected, locked, completed, ...).",
	}, []string{"kind"})

	// CompletionWatchedPct records the watched share at the moment of completion.
	CompletionWatchedPct = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchproof_completion_watched_pct",
		Help:    "Watched percentage at completion.",
		Buckets: []float64{85, 90, 95, 98, 100},
	})

	// LedgerEventsTotal counts ledger events handled by the consumer, by result.
	LedgerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchproof_ledger_events_total",
		Help: "Total number of ledger events consumed, by result (applied, duplicate, failed).",
	}, []string{"result"})
)

// Observe records a tracker event.
func Observe(ev engine.Event) {
	TrackerEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == engine.EventCompleted {
		CompletionWatchedPct.Observe(ev.WatchedPct)
	}
}

// RegisterActiveSessions exposes the number of open sessions as reported by fn.
func RegisterActiveSessions(reg prometheus.Registerer, fn func() int) prometheus.GaugeFunc {
	return promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "watchproof_active_sessions",
		Help: "Current number of open watch sessions.",
	}, func() float64 { return float64(fn()) })
}
