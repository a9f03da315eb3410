// Package analytics provides a fire-and-forget NATS publisher for watch
// engagement events.
package analytics

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName      = "ANALYTICS"
	SubjectWildcard = "analytics.>"

	SubjectWatchSkipDetected      = "analytics.watch.skip_detected"
	SubjectWatchLocked            = "analytics.watch.locked"
	SubjectWatchCompletionBlocked = "analytics.watch.completion_blocked"
	SubjectWatchCompleted         = "analytics.watch.completed"
	SubjectWatchLedgerOutOfSync   = "analytics.watch.ledger_out_of_sync"
)

// Event is the envelope sent to all analytics.* subjects.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Publisher publishes analytics events to JetStream.
// A nil pointer or a nil JetStream context makes it a no-op.
type Publisher struct {
	js  nats.JetStreamContext
	log *zap.Logger
}

func New(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log}
}

// Publish sends an event asynchronously. Failures are logged, never returned.
func (p *Publisher) Publish(subject, eventName, userID string, occurredAt time.Time, props map[string]any) {
	if p == nil || p.js == nil {
		return
	}
	data, err := Encode(eventName, userID, occurredAt, props)
	if err != nil {
		p.log.Warn("analytics: marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		p.log.Warn("analytics: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Encode builds the JSON envelope for one event.
func Encode(eventName, userID string, occurredAt time.Time, props map[string]any) ([]byte, error) {
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return json.Marshal(Event{
		EventID:    uuid.NewString(),
		EventName:  eventName,
		UserID:     userID,
		OccurredAt: occurredAt.UTC(),
		Properties: props,
	})
}
