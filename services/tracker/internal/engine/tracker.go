package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type tickKind int

const (
	tickSample tickKind = iota
	tickHeartbeat
)

// Config wires a Tracker to its collaborators.
type Config struct {
	Key      Key
	Player   Player
	Ledger   Ledger
	Cache    ProgressCache
	Options  Options
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Observer Observer
}

// Tracker is the verification engine for one open video. All transitions are
// serialized by mu; the sampling and heartbeat tickers feed a loop goroutine
// that only runs while the session is playing.
type Tracker struct {
	key      Key
	player   Player
	ledger   Ledger
	cache    ProgressCache
	opts     Options
	clock    clockwork.Clock
	log      *zap.Logger
	observer Observer

	mu               sync.Mutex
	session          *Session
	reporter         *Reporter
	alreadyCompleted bool
	closed           bool
	lastTick         time.Time
	lastSeekAt       time.Time
	stopLoop         context.CancelFunc
	lockTimer        clockwork.Timer
	pending          []Event

	loops sync.WaitGroup

	// tickHook runs after every tick that reached a playing session.
	tickHook func(tickKind)
}

func New(cfg Config) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		key:      cfg.Key,
		player:   cfg.Player,
		ledger:   cfg.Ledger,
		cache:    cfg.Cache,
		opts:     cfg.Options.WithDefaults(),
		clock:    clock,
		log:      log.With(zap.String("user_id", cfg.Key.UserID), zap.String("video_id", cfg.Key.VideoID)),
		observer: cfg.Observer,
	}
}

func (t *Tracker) Key() Key { return t.key }

// Open initializes the session. A player without a usable duration fails
// with ErrPlayerUnavailable and leaves the tracker uninitialized, so no
// progress can ever be recorded. A video the ledger already reports as
// completed is not tracked again; otherwise earlier skip attempts and a
// completion block are restored.
func (t *Tracker) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.session != nil {
		return nil
	}

	dur, err := t.player.Duration()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPlayerUnavailable, err)
	}
	if math.IsNaN(dur) || math.IsInf(dur, 0) || dur <= 0 {
		return fmt.Errorf("%w: invalid duration %v", ErrPlayerUnavailable, dur)
	}

	st := t.standing(ctx)
	s := NewSession(t.key, dur)
	if st.Completed {
		s.Completed = true
		t.alreadyCompleted = true
	} else {
		s.SkipAttempts = st.SkipAttempts
		s.CompletionBlocked = st.CompletionBlocked || st.SkipAttempts >= t.opts.MaxSkipAttempts
	}
	t.session = s
	t.reporter = NewReporter(t.ledger, t.cache, t.clock, t.opts, t.log, t.observer)
	return nil
}

// standing merges the ledger record with the cached snapshot so penalties
// survive a ledger that is down or behind. Skip attempts and the block only
// ever grow; completion is taken from the ledger alone.
func (t *Tracker) standing(ctx context.Context) Standing {
	st, err := t.ledger.Standing(ctx, t.key)
	if err != nil {
		t.log.Warn("ledger standing lookup failed, using cached progress", zap.Error(err))
		st = Standing{}
	}
	if t.cache == nil {
		return st
	}
	snap, ok, err := t.cache.Get(ctx, t.key)
	if err != nil {
		t.log.Warn("progress cache lookup failed", zap.Error(err))
		return st
	}
	if ok {
		st.SkipAttempts = max(st.SkipAttempts, snap.SkipAttempts)
		st.CompletionBlocked = st.CompletionBlocked || snap.CompletionBlocked
	}
	return st
}

// HandleState applies a player state change.
func (t *Tracker) HandleState(st State) {
	t.do(func() {
		if t.session == nil || t.closed {
			return
		}
		now := t.clock.Now()
		t.expireLocked(now)
		t.transitionLocked(st, now)
	})
}

// Sample checks the player position now instead of waiting for the next
// sample tick. It does nothing unless the session is playing.
func (t *Tracker) Sample() {
	t.do(func() {
		s := t.session
		if s == nil || t.closed || t.alreadyCompleted || s.State != StatePlaying {
			return
		}
		now := t.clock.Now()
		t.expireLocked(now)
		t.sampleLocked(now)
	})
}

// SeekResult tells the caller where the player ended up.
type SeekResult struct {
	Applied  bool    `json:"applied"`
	Skip     bool    `json:"skip"`
	Locked   bool    `json:"locked"`
	Position float64 `json:"position_seconds"`
}

// Seek handles an explicit seek request. Backward seeks and seeks into
// watched ranges are applied; anything else is a skip attempt and the player
// is sent back to the last valid position. While locked, seeking is a no-op.
func (t *Tracker) Seek(target float64) SeekResult {
	var res SeekResult
	t.do(func() {
		if t.closed {
			return
		}
		s := t.session
		if s == nil || t.alreadyCompleted {
			if err := t.player.Seek(target); err != nil {
				t.log.Warn("player seek failed", zap.Error(err))
				return
			}
			res.Applied = true
			res.Position = target
			return
		}

		now := t.clock.Now()
		t.expireLocked(now)
		if s.Locked {
			res.Locked = true
			res.Position = s.LastValidPosition
			return
		}
		if s.State == StatePlaying && t.sampleLocked(now) && s.Locked {
			res.Skip = true
			res.Locked = true
			res.Position = s.LastValidPosition
			return
		}

		t.lastSeekAt = now
		target = s.clamp(target)
		cur, err := t.player.CurrentTime()
		if err != nil {
			cur = s.LastValidPosition
		}
		cur = s.clamp(cur)

		if CheckSeek(s.Segments, cur, target) == SeekSkip {
			t.skipLocked(now, target)
			res.Skip = true
			res.Locked = s.Locked
			res.Position = s.LastValidPosition
			return
		}

		if err := t.player.Seek(target); err != nil {
			t.log.Warn("player seek failed", zap.Float64("target", target), zap.Error(err))
		}
		s.LastValidPosition = target
		s.ExpectedPosition = target
		t.lastTick = now
		res.Applied = true
		res.Position = target
		t.reporter.Report(t.snapshotLocked(now))
	})
	return res
}

// TogglePlay flips between playing and paused. It is a no-op while locked
// and returns whether anything happened.
func (t *Tracker) TogglePlay() bool {
	toggled := false
	t.do(func() {
		s := t.session
		if s == nil || t.closed {
			return
		}
		now := t.clock.Now()
		t.expireLocked(now)
		if s.Locked {
			return
		}
		if s.State == StatePlaying {
			t.pausePlayerLocked()
			t.transitionLocked(StatePaused, now)
		} else {
			if err := t.player.Play(); err != nil {
				t.log.Warn("player play failed", zap.Error(err))
			}
			t.transitionLocked(StatePlaying, now)
		}
		toggled = true
	})
	return toggled
}

// Close stops timers, sends a final report and drains the reporter.
func (t *Tracker) Close(ctx context.Context) error {
	var rep *Reporter
	t.do(func() {
		if t.closed {
			return
		}
		t.closed = true
		if s := t.session; s != nil && !t.alreadyCompleted {
			now := t.clock.Now()
			if s.State == StatePlaying {
				t.finalizeLocked(now)
				if s.State == StatePlaying {
					s.State = StatePaused
				}
				t.evaluateLocked(now)
			}
			t.reporter.Report(t.snapshotLocked(now))
		}
		t.stopLoopLocked()
		if t.lockTimer != nil {
			t.lockTimer.Stop()
			t.lockTimer = nil
		}
		rep = t.reporter
	})
	t.loops.Wait()
	if rep != nil {
		return rep.Close(ctx)
	}
	return nil
}

func (t *Tracker) transitionLocked(st State, now time.Time) {
	s := t.session
	if t.alreadyCompleted {
		s.State = st
		return
	}
	if st == s.State {
		return
	}

	switch st {
	case StatePlaying:
		if s.Locked {
			t.pausePlayerLocked()
			s.State = StatePaused
			return
		}
		t.startPlayingLocked(now)
	case StatePaused, StateBuffering:
		t.finalizeLocked(now)
		if !s.Locked {
			s.State = st
		}
		if st == StatePaused {
			t.reportProgressLocked(now, false)
		}
	case StateEnded:
		if t.finalizeLocked(now) {
			// The jump to the end was reverted; playback did not really end.
			if s.State == StatePlaying {
				s.State = StatePaused
			}
			return
		}
		s.State = StateEnded
		t.reportProgressLocked(now, true)
	case StateUnstarted:
		t.finalizeLocked(now)
		s.State = StateUnstarted
	}
}

// startPlayingLocked snapshots the actual position as the new baseline.
// A position that moved ahead into unwatched territory since the last valid
// position is treated as a skip before playback resumes.
func (t *Tracker) startPlayingLocked(now time.Time) {
	s := t.session
	cur, err := t.player.CurrentTime()
	if err != nil {
		t.log.Warn("player position unavailable", zap.Error(err))
		cur = s.LastValidPosition
	}
	cur = s.clamp(cur)

	if DetectDrift(s.LastValidPosition, cur, t.opts.SkipThresholdSeconds) && !Covers(s.Segments, cur) {
		t.skipLocked(now, cur)
		if s.Locked {
			return
		}
		cur = s.LastValidPosition
	}

	s.LastValidPosition = cur
	s.ExpectedPosition = cur
	t.lastTick = now
	s.State = StatePlaying
	t.startLoopLocked()
}

// finalizeLocked closes the open watched stretch and stops the tickers.
// It reports whether the final sample was a skip.
func (t *Tracker) finalizeLocked(now time.Time) bool {
	if t.session.State != StatePlaying {
		return false
	}
	skipped := t.sampleLocked(now)
	t.stopLoopLocked()
	return skipped
}

// sampleLocked advances the expected position by elapsed wall time and
// checks the actual position against it. Samples older than the latest
// explicit seek are discarded.
func (t *Tracker) sampleLocked(now time.Time) bool {
	s := t.session
	if now.Before(t.lastSeekAt) {
		return false
	}
	elapsed := now.Sub(t.lastTick).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	t.lastTick = now
	s.ExpectedPosition = math.Min(s.ExpectedPosition+elapsed, s.Duration)

	cur, err := t.player.CurrentTime()
	if err != nil {
		t.log.Warn("player position unavailable", zap.Error(err))
		return false
	}
	cur = s.clamp(cur)

	if DetectDrift(s.ExpectedPosition, cur, t.opts.SkipThresholdSeconds) {
		t.skipLocked(now, cur)
		return true
	}

	RecordWatched(s, s.LastValidPosition, cur)
	s.LastValidPosition = cur
	if cur < s.ExpectedPosition {
		s.ExpectedPosition = cur
	}
	return false
}

func (t *Tracker) heartbeatLocked(now time.Time) {
	t.sampleLocked(now)
	if t.session.State != StatePlaying {
		return
	}
	t.reportProgressLocked(now, false)
}

// reportProgressLocked evaluates completion and reports: immediately when
// completion fired or force is set, otherwise on the heartbeat cadence.
func (t *Tracker) reportProgressLocked(now time.Time, force bool) {
	completed := t.evaluateLocked(now)
	snap := t.snapshotLocked(now)
	if completed || force {
		t.reporter.Report(snap)
		return
	}
	t.reporter.Heartbeat(snap)
}

// skipLocked escalates the penalty and reverts the player. The recorded
// position never advances past a detected skip.
func (t *Tracker) skipLocked(now time.Time, skipTo float64) {
	s := t.session
	act := Penalize(s, t.opts, now)
	t.emit(Event{Kind: EventSkipDetected, At: now, Position: s.LastValidPosition, SkipTo: skipTo, SkipAttempts: s.SkipAttempts})
	t.log.Info("skip detected",
		zap.Float64("skip_to", skipTo),
		zap.Float64("reverted_to", s.LastValidPosition),
		zap.Int("skip_attempts", s.SkipAttempts))

	if err := t.player.Seek(s.LastValidPosition); err != nil {
		t.log.Warn("revert seek failed", zap.Error(err))
	}
	s.ExpectedPosition = s.LastValidPosition
	t.lastTick = now

	if act.Locked {
		t.stopLoopLocked()
		t.pausePlayerLocked()
		s.State = StatePaused
		t.armLockTimerLocked()
		t.emit(Event{Kind: EventLocked, At: now, Position: s.LastValidPosition, SkipAttempts: s.SkipAttempts})
	}
	if act.Blocked {
		t.emit(Event{Kind: EventCompletionBlocked, At: now, SkipAttempts: s.SkipAttempts, WatchedPct: s.WatchedPct()})
	}
	t.reporter.Report(t.snapshotLocked(now))
}

func (t *Tracker) evaluateLocked(now time.Time) bool {
	ev, ok := Evaluate(t.session, t.opts.CompletionThresholdPct, now)
	if ok {
		t.emit(Event{Kind: EventCompleted, At: now, WatchedPct: ev.WatchedPct, SkipAttempts: t.session.SkipAttempts})
		t.log.Info("video completed", zap.Float64("watched_pct", ev.WatchedPct))
	}
	return ok
}

func (t *Tracker) expireLocked(now time.Time) {
	if t.session == nil {
		return
	}
	if ExpirePenalties(t.session, now) {
		if t.lockTimer != nil {
			t.lockTimer.Stop()
			t.lockTimer = nil
		}
		t.emit(Event{Kind: EventUnlocked, At: now, SkipAttempts: t.session.SkipAttempts})
	}
}

func (t *Tracker) armLockTimerLocked() {
	if t.lockTimer != nil {
		t.lockTimer.Stop()
	}
	t.lockTimer = t.clock.AfterFunc(t.opts.LockDuration, func() {
		t.do(func() {
			if !t.closed {
				t.expireLocked(t.clock.Now())
			}
		})
	})
}

func (t *Tracker) pausePlayerLocked() {
	if err := t.player.Pause(); err != nil {
		t.log.Warn("player pause failed", zap.Error(err))
	}
}

func (t *Tracker) startLoopLocked() {
	t.stopLoopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	t.stopLoop = cancel
	sample := t.clock.NewTicker(t.opts.SampleInterval)
	heartbeat := t.clock.NewTicker(t.opts.HeartbeatInterval)
	t.loops.Add(1)
	go t.runLoop(ctx, sample, heartbeat)
}

// stopLoopLocked cancels the tick loop without waiting for it, since it may
// be called from the loop itself. Close waits on t.loops.
func (t *Tracker) stopLoopLocked() {
	if t.stopLoop != nil {
		t.stopLoop()
		t.stopLoop = nil
	}
}

func (t *Tracker) runLoop(ctx context.Context, sample, heartbeat clockwork.Ticker) {
	defer t.loops.Done()
	defer sample.Stop()
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-sample.Chan():
			t.onTick(ctx, tickSample, now)
		case now := <-heartbeat.Chan():
			t.onTick(ctx, tickHeartbeat, now)
		}
	}
}

func (t *Tracker) onTick(ctx context.Context, kind tickKind, now time.Time) {
	processed := false
	t.do(func() {
		if ctx.Err() != nil || t.session == nil || t.session.State != StatePlaying {
			return
		}
		processed = true
		t.expireLocked(now)
		switch kind {
		case tickSample:
			t.sampleLocked(now)
		case tickHeartbeat:
			t.heartbeatLocked(now)
		}
	})
	if processed && t.tickHook != nil {
		t.tickHook(kind)
	}
}

func (t *Tracker) snapshotLocked(now time.Time) Snapshot {
	s := t.session
	return Snapshot{
		UserID:            t.key.UserID,
		VideoID:           t.key.VideoID,
		WatchedPct:        s.WatchedPct(),
		SkipAttempts:      s.SkipAttempts,
		Completed:         s.Completed,
		CompletionBlocked: s.CompletionBlocked,
		UpdatedAt:         now,
	}
}

func (t *Tracker) emit(ev Event) {
	ev.Key = t.key
	t.pending = append(t.pending, ev)
}

// do runs fn under the tracker lock and delivers the events it emitted
// after the lock is released.
func (t *Tracker) do(fn func()) {
	t.mu.Lock()
	fn()
	events := t.pending
	t.pending = nil
	t.mu.Unlock()

	if t.observer == nil {
		return
	}
	for _, ev := range events {
		t.observer(ev)
	}
}
