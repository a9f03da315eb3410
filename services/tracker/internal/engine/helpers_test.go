package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakePlayer struct {
	mu      sync.Mutex
	pos     float64
	dur     float64
	durErr  error
	playing bool
	seeks   []float64
	pauses  int
	plays   int
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = true
	p.plays++
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.pauses++
	return nil
}

func (p *fakePlayer) Seek(sec float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = sec
	p.seeks = append(p.seeks, sec)
	return nil
}

func (p *fakePlayer) CurrentTime() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, nil
}

func (p *fakePlayer) Duration() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.durErr != nil {
		return 0, p.durErr
	}
	return p.dur, nil
}

func (p *fakePlayer) advance(sec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos += sec
	if p.pos > p.dur {
		p.pos = p.dur
	}
}

func (p *fakePlayer) set(pos float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
}

func (p *fakePlayer) position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *fakePlayer) pauseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauses
}

type fakeLedger struct {
	mu        sync.Mutex
	fail      error
	completed map[Key]bool
	blocked   map[Key]bool
	progress  []Snapshot
	marks     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{completed: make(map[Key]bool), blocked: make(map[Key]bool)}
}

func (l *fakeLedger) RecordProgress(_ context.Context, key Key, pct float64, skips int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.progress = append(l.progress, Snapshot{UserID: key.UserID, VideoID: key.VideoID, WatchedPct: pct, SkipAttempts: skips})
	return nil
}

func (l *fakeLedger) MarkCompleted(_ context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.completed[key] = true
	l.marks++
	return nil
}

func (l *fakeLedger) MarkBlocked(_ context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.blocked[key] = true
	return nil
}

func (l *fakeLedger) Standing(_ context.Context, key Key) (Standing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return Standing{}, l.fail
	}
	st := Standing{Completed: l.completed[key], CompletionBlocked: l.blocked[key]}
	for _, p := range l.progress {
		if p.Key() == key {
			st.SkipAttempts = max(st.SkipAttempts, p.SkipAttempts)
		}
	}
	return st, nil
}

func (l *fakeLedger) isBlocked(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked[key]
}

func (l *fakeLedger) setFail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

func (l *fakeLedger) isMarked(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed[key]
}

func (l *fakeLedger) reports() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Snapshot(nil), l.progress...)
}

type fakeCache struct {
	mu    sync.Mutex
	snaps map[Key]Snapshot
}

func newFakeCache() *fakeCache { return &fakeCache{snaps: make(map[Key]Snapshot)} }

func (c *fakeCache) Put(_ context.Context, snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.Key()] = snap
	return nil
}

func (c *fakeCache) Get(_ context.Context, key Key) (Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[key]
	return s, ok, nil
}

var errLedgerDown = errors.New("ledger down")

var testKey = Key{UserID: "user-1", VideoID: "lesson-1"}

type harness struct {
	t      *testing.T
	clock  *clockwork.FakeClock
	player *fakePlayer
	ledger *fakeLedger
	cache  *fakeCache
	tr     *Tracker
	ticks  chan tickKind

	mu     sync.Mutex
	events []Event
}

// newHarness opens a tracker on a fake clock. The heartbeat interval is long
// so that play steps only ever see sample ticks.
func newHarness(t *testing.T, duration float64) *harness {
	t.Helper()
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	return newHarnessWithOptions(t, duration, opts)
}

func newHarnessWithOptions(t *testing.T, duration float64, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clockwork.NewFakeClock(),
		player: &fakePlayer{dur: duration},
		ledger: newFakeLedger(),
		cache:  newFakeCache(),
		ticks:  make(chan tickKind, 64),
	}
	h.tr = New(Config{
		Key:      testKey,
		Player:   h.player,
		Ledger:   h.ledger,
		Cache:    h.cache,
		Options:  opts,
		Clock:    h.clock,
		Observer: h.observe,
	})
	h.tr.tickHook = func(k tickKind) { h.ticks <- k }
	if err := h.tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = h.tr.Close(context.Background()) })
	return h
}

func (h *harness) observe(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *harness) count(kind EventKind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// play advances the player and the clock together in sample-sized steps,
// waiting for each sample tick to be processed.
func (h *harness) play(seconds float64) {
	h.t.Helper()
	step := h.tr.opts.SampleInterval
	for elapsed := 0.0; elapsed < seconds; elapsed += step.Seconds() {
		h.player.advance(step.Seconds())
		h.clock.Advance(step)
		h.waitTick()
	}
}

func (h *harness) waitTick() {
	h.t.Helper()
	select {
	case <-h.ticks:
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for sample tick")
	}
}

func (h *harness) session() Session {
	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	s := *h.tr.session
	s.Segments = append([]Segment(nil), s.Segments...)
	return s
}

// reopen closes h's tracker and opens a fresh one for the same key on the
// same ledger, cache and clock, as a page reload would.
func (h *harness) reopen() *harness {
	h.t.Helper()
	if err := h.tr.Close(context.Background()); err != nil {
		h.t.Fatalf("close: %v", err)
	}
	n := &harness{
		t:      h.t,
		clock:  h.clock,
		player: &fakePlayer{dur: h.player.dur},
		ledger: h.ledger,
		cache:  h.cache,
		ticks:  make(chan tickKind, 64),
	}
	n.tr = New(Config{
		Key:      testKey,
		Player:   n.player,
		Ledger:   n.ledger,
		Cache:    n.cache,
		Options:  h.tr.opts,
		Clock:    n.clock,
		Observer: n.observe,
	})
	n.tr.tickHook = func(k tickKind) { n.ticks <- k }
	if err := n.tr.Open(context.Background()); err != nil {
		h.t.Fatalf("reopen: %v", err)
	}
	h.t.Cleanup(func() { _ = n.tr.Close(context.Background()) })
	return n
}
