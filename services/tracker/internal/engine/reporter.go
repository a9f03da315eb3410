package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const reportQueueSize = 32

// Reporter pushes snapshots to the ledger from a single worker goroutine so
// reports land in the order they were made and never block playback. Every
// snapshot is also written to the cache, flagged with whether the ledger
// accepted it. When the queue is full, snapshots coalesce into one overflow
// slot holding the newest; the slot is delivered once the queue drains.
type Reporter struct {
	ledger   Ledger
	cache    ProgressCache
	clock    clockwork.Clock
	log      *zap.Logger
	timeout  time.Duration
	interval time.Duration
	observe  Observer

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Snapshot
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	lastSent time.Time
	overflow *Snapshot

	synced atomic.Bool

	// worker-only state
	marked      bool
	blockMarked bool
}

// NewReporter starts the reporting worker. cache and observe may be nil.
func NewReporter(ledger Ledger, cache ProgressCache, clock clockwork.Clock, opts Options, log *zap.Logger, observe Observer) *Reporter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		ledger:   ledger,
		cache:    cache,
		clock:    clock,
		log:      log,
		timeout:  opts.ReportTimeout,
		interval: opts.HeartbeatInterval,
		observe:  observe,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan Snapshot, reportQueueSize),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Report enqueues snap immediately. Used after completion, seeks and skips.
func (r *Reporter) Report(snap Snapshot) bool {
	return r.enqueue(snap, false)
}

// Heartbeat enqueues snap unless a report went out within the heartbeat interval.
func (r *Reporter) Heartbeat(snap Snapshot) bool {
	return r.enqueue(snap, true)
}

// Synced reports whether the most recent ledger write succeeded.
func (r *Reporter) Synced() bool { return r.synced.Load() }

func (r *Reporter) enqueue(snap Snapshot, throttled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	now := r.clock.Now()
	if throttled && !r.lastSent.IsZero() && now.Sub(r.lastSent) < r.interval {
		return false
	}
	r.lastSent = now
	if r.overflow != nil {
		r.overflow = &snap
		return true
	}
	select {
	case r.jobs <- snap:
	default:
		r.log.Warn("report queue full, coalescing snapshots",
			zap.String("user_id", snap.UserID), zap.String("video_id", snap.VideoID))
		r.overflow = &snap
	}
	return true
}

func (r *Reporter) run() {
	defer close(r.done)
	for snap := range r.jobs {
		if r.ctx.Err() != nil {
			continue
		}
		r.deliver(snap)
		r.flushOverflow()
	}
	r.flushOverflow()
}

// flushOverflow delivers the coalesced snapshot once nothing older is queued.
// Snapshots of one session only grow, so the newest one carries every
// completion and block that was coalesced away.
func (r *Reporter) flushOverflow() {
	r.mu.Lock()
	if r.overflow == nil || len(r.jobs) > 0 {
		r.mu.Unlock()
		return
	}
	snap := *r.overflow
	r.overflow = nil
	r.mu.Unlock()
	if r.ctx.Err() == nil {
		r.deliver(snap)
	}
}

func (r *Reporter) deliver(snap Snapshot) {
	key := snap.Key()
	err := r.write(key, snap)
	snap.Synced = err == nil
	r.synced.Store(snap.Synced)
	if err != nil {
		r.log.Warn("ledger write failed, keeping local progress",
			zap.String("user_id", key.UserID), zap.String("video_id", key.VideoID), zap.Error(err))
		if r.observe != nil {
			r.observe(Event{Kind: EventReportFailed, Key: key, At: r.clock.Now(), WatchedPct: snap.WatchedPct, SkipAttempts: snap.SkipAttempts, Err: err})
		}
	}

	if r.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	if err := r.cache.Put(ctx, snap); err != nil {
		r.log.Warn("progress cache write failed", zap.String("video_id", key.VideoID), zap.Error(err))
	}
}

// write records progress and marks completion or a block once the snapshot
// carries it. A failed mark is retried with the next snapshot.
func (r *Reporter) write(key Key, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	if err := r.ledger.RecordProgress(ctx, key, snap.WatchedPct, snap.SkipAttempts); err != nil {
		return err
	}
	if snap.Completed && !r.marked {
		if err := r.ledger.MarkCompleted(ctx, key); err != nil {
			return err
		}
		r.marked = true
	}
	if snap.CompletionBlocked && !r.blockMarked {
		if err := r.ledger.MarkBlocked(ctx, key); err != nil {
			return err
		}
		r.blockMarked = true
	}
	return nil
}

// Close stops accepting reports and drains the queue. When ctx expires first,
// in-flight ledger calls are cancelled and the remaining queue is dropped.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return ctx.Err()
	}
}
