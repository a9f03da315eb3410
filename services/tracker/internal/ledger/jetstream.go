package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

const (
	StreamName       = "LEDGER"
	SubjectProgress  = "ledger.progress"
	SubjectCompleted = "ledger.completed"
	SubjectBlocked   = "ledger.blocked"
	SubjectWildcard  = "ledger.>"
)

// ProgressEvent is the JetStream payload for ledger writes.
type ProgressEvent struct {
	EventID           string    `json:"event_id"`
	UserID            string    `json:"user_id"`
	VideoID           string    `json:"video_id"`
	WatchedPct        float64   `json:"watched_pct"`
	SkipAttempts      int       `json:"skip_attempts"`
	Completed         bool      `json:"completed"`
	CompletionBlocked bool      `json:"completion_blocked,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (e ProgressEvent) Key() engine.Key { return engine.Key{UserID: e.UserID, VideoID: e.VideoID} }

// JetStream publishes writes for the ledger worker to apply and delegates
// reads to reader. A write returns once JetStream has acknowledged it.
type JetStream struct {
	js     nats.JetStreamContext
	reader Store
	clock  clockwork.Clock
}

func NewJetStream(js nats.JetStreamContext, reader Store, clock clockwork.Clock) *JetStream {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JetStream{js: js, reader: reader, clock: clock}
}

func (l *JetStream) RecordProgress(ctx context.Context, key engine.Key, watchedPct float64, skipAttempts int) error {
	ev := l.event(key)
	ev.WatchedPct = watchedPct
	ev.SkipAttempts = skipAttempts
	return l.publish(ctx, SubjectProgress, ev)
}

func (l *JetStream) MarkCompleted(ctx context.Context, key engine.Key) error {
	ev := l.event(key)
	ev.Completed = true
	return l.publish(ctx, SubjectCompleted, ev)
}

func (l *JetStream) MarkBlocked(ctx context.Context, key engine.Key) error {
	ev := l.event(key)
	ev.CompletionBlocked = true
	return l.publish(ctx, SubjectBlocked, ev)
}

// Standing reads from the worker-maintained store, which may lag the stream.
// The engine also consults the progress cache, so a block published moments
// ago still applies.
func (l *JetStream) Standing(ctx context.Context, key engine.Key) (engine.Standing, error) {
	return l.reader.Standing(ctx, key)
}

func (l *JetStream) Get(ctx context.Context, key engine.Key) (Record, bool, error) {
	return l.reader.Get(ctx, key)
}

func (l *JetStream) event(key engine.Key) ProgressEvent {
	return ProgressEvent{
		EventID:   uuid.NewString(),
		UserID:    key.UserID,
		VideoID:   key.VideoID,
		CreatedAt: l.clock.Now().UTC(),
	}
}

func (l *JetStream) publish(ctx context.Context, subject string, ev ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ledger: marshal %s: %w", subject, err)
	}
	if _, err := l.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(ev.EventID)); err != nil {
		return fmt.Errorf("ledger: publish %s: %w", subject, err)
	}
	return nil
}
