package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func snapAt(pct float64) Snapshot {
	return Snapshot{UserID: testKey.UserID, VideoID: testKey.VideoID, WatchedPct: pct}
}

func TestReporter_FailureKeepsCachedProgress(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setFail(errLedgerDown)
	cache := newFakeCache()
	events := &eventLog{}
	r := NewReporter(ledger, cache, clockwork.NewFakeClock(), DefaultOptions(), nil, events.observe)

	require.True(t, r.Report(snapAt(12)))
	require.True(t, r.Report(snapAt(40)))
	require.NoError(t, r.Close(context.Background()))

	snap, ok, err := cache.Get(context.Background(), testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, snap.Synced)
	assert.InDelta(t, 40, snap.WatchedPct, 1e-9)
	assert.False(t, r.Synced())
	assert.Equal(t, 2, events.count(EventReportFailed))
}

func TestReporter_SuccessMarksSynced(t *testing.T) {
	ledger := newFakeLedger()
	cache := newFakeCache()
	r := NewReporter(ledger, cache, nil, DefaultOptions(), nil, nil)

	r.Report(snapAt(50))
	require.NoError(t, r.Close(context.Background()))

	snap, ok, _ := cache.Get(context.Background(), testKey)
	require.True(t, ok)
	assert.True(t, snap.Synced)
	assert.True(t, r.Synced())
	assert.Len(t, ledger.reports(), 1)
}

func TestReporter_RetriesMarkCompleted(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setFail(errLedgerDown)
	events := &eventLog{}
	r := NewReporter(ledger, nil, nil, DefaultOptions(), nil, events.observe)

	done := snapAt(90)
	done.Completed = true
	r.Report(done)
	require.Eventually(t, func() bool { return events.count(EventReportFailed) == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, ledger.isMarked(testKey))

	ledger.setFail(nil)
	r.Report(done)
	r.Report(done)
	require.NoError(t, r.Close(context.Background()))

	assert.True(t, ledger.isMarked(testKey))
	ledger.mu.Lock()
	marks := ledger.marks
	ledger.mu.Unlock()
	assert.Equal(t, 1, marks)
}

func TestReporter_HeartbeatIsThrottled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReporter(newFakeLedger(), nil, clock, DefaultOptions(), nil, nil)
	defer r.Close(context.Background())

	assert.True(t, r.Heartbeat(snapAt(1)))
	assert.False(t, r.Heartbeat(snapAt(2)))

	clock.Advance(9 * time.Second)
	assert.False(t, r.Heartbeat(snapAt(3)))
	assert.True(t, r.Report(snapAt(4)), "immediate reports bypass the throttle")

	clock.Advance(10 * time.Second)
	assert.True(t, r.Heartbeat(snapAt(5)))
}

func TestReporter_CloseDrainsInOrder(t *testing.T) {
	ledger := newFakeLedger()
	r := NewReporter(ledger, nil, nil, DefaultOptions(), nil, nil)
	for i := 1; i <= 10; i++ {
		require.True(t, r.Report(snapAt(float64(i))))
	}
	require.NoError(t, r.Close(context.Background()))

	reports := ledger.reports()
	require.Len(t, reports, 10)
	for i, snap := range reports {
		assert.InDelta(t, float64(i+1), snap.WatchedPct, 1e-9)
	}
	assert.False(t, r.Report(snapAt(11)), "closed reporter rejects new reports")
}

type blockingLedger struct{ fakeLedger }

func (l *blockingLedger) RecordProgress(ctx context.Context, _ Key, _ float64, _ int) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestReporter_CloseHonoursDeadline(t *testing.T) {
	r := NewReporter(&blockingLedger{}, nil, nil, DefaultOptions(), nil, nil)
	r.Report(snapAt(10))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// gatedLedger holds the first RecordProgress until release is closed.
type gatedLedger struct {
	*fakeLedger
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (l *gatedLedger) RecordProgress(ctx context.Context, key Key, pct float64, skips int) error {
	l.once.Do(func() {
		close(l.started)
		<-l.release
	})
	return l.fakeLedger.RecordProgress(ctx, key, pct, skips)
}

func TestReporter_FullQueueKeepsNewestSnapshot(t *testing.T) {
	ledger := &gatedLedger{fakeLedger: newFakeLedger(), started: make(chan struct{}), release: make(chan struct{})}
	r := NewReporter(ledger, nil, nil, DefaultOptions(), nil, nil)

	require.True(t, r.Report(snapAt(1)))
	<-ledger.started
	for i := 0; i < reportQueueSize; i++ {
		require.True(t, r.Report(snapAt(2)))
	}
	require.True(t, r.Report(snapAt(3)))
	done := snapAt(95)
	done.Completed = true
	require.True(t, r.Report(done))

	close(ledger.release)
	require.NoError(t, r.Close(context.Background()))

	assert.True(t, ledger.isMarked(testKey))
	reports := ledger.reports()
	require.Len(t, reports, reportQueueSize+2)
	assert.InDelta(t, 1, reports[0].WatchedPct, 1e-9)
	assert.InDelta(t, 95, reports[len(reports)-1].WatchedPct, 1e-9)
}

func TestReporter_RecordsBlock(t *testing.T) {
	ledger := newFakeLedger()
	r := NewReporter(ledger, nil, nil, DefaultOptions(), nil, nil)

	blocked := snapAt(30)
	blocked.SkipAttempts = 3
	blocked.CompletionBlocked = true
	r.Report(blocked)
	require.NoError(t, r.Close(context.Background()))

	assert.True(t, ledger.isBlocked(testKey))
	st, err := ledger.Standing(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, Standing{SkipAttempts: 3, CompletionBlocked: true}, st)
}
