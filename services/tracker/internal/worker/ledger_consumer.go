// Package worker applies ledger events published to JetStream to Postgres.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/watchproof/services/tracker/internal/ledger"
	"github.com/example/watchproof/services/tracker/internal/metrics"
)

const durableName = "ledger_writer"

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(q ledger.Querier) error) error
}

// PoolRunner runs transactions on a pgx pool.
type PoolRunner struct {
	Pool *pgxpool.Pool
}

func (r PoolRunner) InTx(ctx context.Context, fn func(q ledger.Querier) error) error {
	return pgx.BeginFunc(ctx, r.Pool, func(tx pgx.Tx) error { return fn(tx) })
}

// Fetcher is the part of a pull subscription the consumer uses.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// LedgerConsumer pulls ledger.* events in batches and applies each batch in
// one transaction. processed_events makes redelivery harmless.
type LedgerConsumer struct {
	sub       Fetcher
	tx        TxRunner
	log       *zap.Logger
	batchSize int
	maxWait   time.Duration
}

// NewLedgerConsumer binds a durable pull consumer on the ledger stream.
func NewLedgerConsumer(js nats.JetStreamContext, tx TxRunner, log *zap.Logger) (*LedgerConsumer, error) {
	sub, err := js.PullSubscribe(ledger.SubjectWildcard, durableName, nats.BindStream(ledger.StreamName))
	if err != nil {
		return nil, err
	}
	return newLedgerConsumer(sub, tx, log), nil
}

func newLedgerConsumer(sub Fetcher, tx TxRunner, log *zap.Logger) *LedgerConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerConsumer{
		sub:       sub,
		tx:        tx,
		log:       log,
		batchSize: envInt("WORKER_BATCH_SIZE", 100),
		maxWait:   time.Duration(envInt("WORKER_BATCH_INTERVAL_MS", 2000)) * time.Millisecond,
	}
}

// Run fetches and applies batches until ctx is done.
func (c *LedgerConsumer) Run(ctx context.Context) error {
	c.log.Info("ledger consumer started", zap.Int("batch_size", c.batchSize))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := c.sub.Fetch(c.batchSize, nats.MaxWait(c.maxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.log.Warn("ledger consumer: fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		if err := c.handleBatch(ctx, msgs); err != nil {
			c.log.Warn("ledger consumer: batch failed, redelivering", zap.Int("size", len(msgs)), zap.Error(err))
			metrics.LedgerEventsTotal.WithLabelValues("failed").Add(float64(len(msgs)))
			for _, m := range msgs {
				if err := m.Nak(); err != nil {
					c.log.Warn("ledger consumer: nak failed", zap.Error(err))
				}
			}
			continue
		}
		for _, m := range msgs {
			if err := m.Ack(); err != nil {
				c.log.Warn("ledger consumer: ack failed", zap.Error(err))
			}
		}
	}
}

// handleBatch applies msgs in one transaction. Undecodable messages are
// dropped; any database error fails the whole batch.
func (c *LedgerConsumer) handleBatch(ctx context.Context, msgs []*nats.Msg) error {
	applied, duplicate := 0, 0
	err := c.tx.InTx(ctx, func(q ledger.Querier) error {
		applied, duplicate = 0, 0
		for _, m := range msgs {
			var ev ledger.ProgressEvent
			if err := json.Unmarshal(m.Data, &ev); err != nil || ev.EventID == "" {
				c.log.Warn("ledger consumer: dropping invalid event", zap.String("subject", m.Subject), zap.Error(err))
				continue
			}
			fresh, err := ledger.MarkProcessed(ctx, q, m.Subject, ev, m.Data)
			if err != nil {
				return err
			}
			if !fresh {
				duplicate++
				continue
			}
			if err := ledger.ApplyEvent(ctx, q, ev); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.LedgerEventsTotal.WithLabelValues("applied").Add(float64(applied))
	metrics.LedgerEventsTotal.WithLabelValues("duplicate").Add(float64(duplicate))
	return nil
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
