package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, s store.Store, clock *fakeClock) *Ledger {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	if clock == nil {
		clock = newFakeClock()
	}
	l, err := New(context.Background(), s, Config{
		SessionID:     "sess-1",
		Ceiling:       200000,
		WorkloadClass: "medium",
		Now:           clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing session", Config{Ceiling: 100}},
		{"unsafe session", Config{SessionID: "../x", Ceiling: 100}},
		{"zero ceiling", Config{SessionID: "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), store.NewMemoryStore(), tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrConfiguration)
		})
	}
}

func TestReportUsage_UpdatesBudgets(t *testing.T) {
	l := newTestLedger(t, nil, nil)
	ctx := context.Background()

	ev, err := l.ReportUsage(ctx, UsageReport{Actor: "researcher", Operation: "search", Tokens: 1200, Category: "delegation"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, EventUsage, ev.Kind)
	assert.Equal(t, "sess-1", ev.SessionID)

	_, err = l.ReportUsage(ctx, UsageReport{Actor: "writer", Operation: "draft", Tokens: 800})
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.Equal(t, int64(2000), snap.Used)
	assert.Equal(t, int64(198000), snap.Remaining)
	assert.InDelta(t, 1.0, snap.Percent, 0.0001)
	assert.Equal(t, 2, snap.ActiveActors)

	assert.Equal(t, int64(1200), l.Budget(ActorScope("researcher")).Used)
	assert.Equal(t, int64(800), l.Budget(ActorScope("writer")).Used)
}

func TestReportUsage_RejectsNegative(t *testing.T) {
	l := newTestLedger(t, nil, nil)

	_, err := l.ReportUsage(context.Background(), UsageReport{Actor: "a", Tokens: -1})
	assert.ErrorIs(t, err, ErrInvalidReport)
	assert.Equal(t, int64(0), l.Snapshot().Used)
}

func TestReportUsage_ConcurrentReportersKeepInvariant(t *testing.T) {
	s := store.NewMemoryStore()
	l := newTestLedger(t, s, nil)
	ctx := context.Background()

	const reporters = 8
	const perReporter = 25
	var wg sync.WaitGroup
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perReporter; j++ {
				_, err := l.ReportUsage(ctx, UsageReport{
					Actor:     fmt.Sprintf("actor-%d", i),
					Operation: "work",
					Tokens:    int64(j + 1),
				})
				if err != nil {
					t.Errorf("ReportUsage failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	// 1+2+...+25 per reporter.
	want := int64(reporters * perReporter * (perReporter + 1) / 2)
	snap := l.Snapshot()
	assert.Equal(t, want, snap.Used)
	assert.Equal(t, snap.Ceiling-want, snap.Remaining)
	assert.Equal(t, int64(reporters*perReporter), snap.Events)

	events, err := l.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, reporters*perReporter)

	// The attribution log alone reproduces every budget.
	replayed := Replay(l.Ceiling(), events)
	assert.Equal(t, l.Budgets(), replayed.Budgets)

	doc, err := s.Get(ctx, "budgets/sess-1.json")
	require.NoError(t, err)
	var stored Tally
	require.NoError(t, json.Unmarshal(doc.Data, &stored))
	assert.Equal(t, want, stored.Session().Used)
	assert.Equal(t, l.Ceiling(), stored.Session().Allocated)
}

func TestReclaim_NeverBelowZero(t *testing.T) {
	l := newTestLedger(t, nil, nil)
	ctx := context.Background()

	_, err := l.ReportUsage(ctx, UsageReport{Actor: "a", Tokens: 1000})
	require.NoError(t, err)

	require.NoError(t, l.Reclaim(ctx, "", 400, "recovery"))
	snap := l.Snapshot()
	assert.Equal(t, int64(1000), snap.Used, "used stays monotone")
	assert.Equal(t, int64(600), snap.Live)

	require.NoError(t, l.Reclaim(ctx, "", 5000, "recovery"))
	snap = l.Snapshot()
	assert.Equal(t, int64(0), snap.Live)
	assert.Equal(t, int64(1000), snap.Reclaimed)
}

func TestReset_StartsNewEpoch(t *testing.T) {
	l := newTestLedger(t, nil, nil)
	ctx := context.Background()

	_, err := l.ReportUsage(ctx, UsageReport{Actor: "a", Tokens: 5000})
	require.NoError(t, err)
	require.NoError(t, l.Allocate(ctx, ActorScope("a"), 10000))

	require.NoError(t, l.Reset(ctx, "operator"))

	snap := l.Snapshot()
	assert.Equal(t, 1, snap.Epoch)
	assert.Equal(t, int64(0), snap.Used)
	assert.Equal(t, int64(10000), l.Budget(ActorScope("a")).Allocated)
	assert.Equal(t, 1, l.Session().Epoch)
	assert.Empty(t, l.History(0))
}

func TestAllocate_SessionRejected(t *testing.T) {
	l := newTestLedger(t, nil, nil)

	err := l.Allocate(context.Background(), SessionScope, 10)
	assert.ErrorIs(t, err, faults.ErrConfiguration)
}

func TestRestore_SeedsFreshEpoch(t *testing.T) {
	l := newTestLedger(t, nil, nil)
	ctx := context.Background()

	_, err := l.ReportUsage(ctx, UsageReport{Actor: "old", Tokens: 90000})
	require.NoError(t, err)

	err = l.Restore(ctx, RestoreInput{
		Used:   5000,
		Actors: map[string]int64{"planner": 2000, "coder": 1500},
		Origin: "20260301_090000_deadbeef",
	})
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.Equal(t, 1, snap.Epoch)
	assert.Equal(t, int64(5000), snap.Used)
	assert.Equal(t, int64(2000), l.Budget(ActorScope("planner")).Used)
	assert.Equal(t, int64(1500), l.Budget(ActorScope("coder")).Used)
	assert.Equal(t, int64(0), l.Budget(ActorScope("old")).Used)
}

func TestNew_RebuildsFromLog(t *testing.T) {
	s := store.NewMemoryStore()
	clock := newFakeClock()
	ctx := context.Background()

	l, err := New(ctx, s, Config{SessionID: "sess-1", Ceiling: 1000, Now: clock.Now})
	require.NoError(t, err)
	_, err = l.ReportUsage(ctx, UsageReport{Actor: "a", Tokens: 300})
	require.NoError(t, err)
	require.NoError(t, l.Reclaim(ctx, "a", 100, "recovery"))
	require.NoError(t, l.Close())

	reopened, err := New(ctx, s, Config{SessionID: "sess-1", Ceiling: 1000, Now: clock.Now})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	snap := reopened.Snapshot()
	assert.Equal(t, int64(300), snap.Used)
	assert.Equal(t, int64(200), snap.Live)
	assert.Len(t, reopened.History(0), 2)
	assert.Equal(t, "a", reopened.Session().LastActor)
}

func TestVelocity_SlidingWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(t, nil, clock)
	ctx := context.Background()

	_, err := l.ReportUsage(ctx, UsageReport{Actor: "a", Tokens: 6000})
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = l.ReportUsage(ctx, UsageReport{Actor: "a", Tokens: 3000})
	require.NoError(t, err)

	// Both samples fall inside a 60s window.
	assert.InDelta(t, 150.0, l.Velocity(time.Minute), 0.001)
	// Only the latest sample falls inside a 10s window.
	assert.InDelta(t, 300.0, l.Velocity(10*time.Second), 0.001)

	clock.Advance(2 * time.Minute)
	assert.Zero(t, l.Velocity(time.Minute))
}

func TestActiveActors_WindowAndInactive(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(t, nil, clock)
	ctx := context.Background()

	_, err := l.ReportUsage(ctx, UsageReport{Actor: "early", Tokens: 1})
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	_, err = l.ReportUsage(ctx, UsageReport{Actor: "late", Tokens: 1})
	require.NoError(t, err)
	_, err = l.ReportUsage(ctx, UsageReport{Actor: "busy", Tokens: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"busy", "early", "late"}, l.ActiveActors())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"busy", "late"}, l.ActiveActors())

	l.MarkInactive("busy")
	assert.Equal(t, []string{"late"}, l.ActiveActors())

	_, err = l.ReportUsage(ctx, UsageReport{Actor: "busy", Tokens: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"busy", "late"}, l.ActiveActors())
}

func TestSubscribe_SignalsCommits(t *testing.T) {
	l := newTestLedger(t, nil, nil)
	ch, cancel := l.Subscribe()
	defer cancel()

	_, err := l.ReportUsage(context.Background(), UsageReport{Actor: "a", Tokens: 10})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

func TestClose_RejectsReports(t *testing.T) {
	l := newTestLedger(t, nil, nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.ReportUsage(context.Background(), UsageReport{Actor: "a", Tokens: 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScope_TextRoundTrip(t *testing.T) {
	for _, s := range []Scope{SessionScope, ActorScope("coder"), ScenarioScope("migration")} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got Scope
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}

	var bad Scope
	assert.Error(t, bad.UnmarshalText([]byte("team:x")))
}

func TestBudget_Arithmetic(t *testing.T) {
	b := Budget{Allocated: 100, Used: 130, Reclaimed: 10}
	assert.Equal(t, int64(120), b.Live())
	assert.Equal(t, int64(0), b.Remaining())
	assert.Equal(t, int64(20), b.Overrun())
	assert.InDelta(t, 120.0, b.Percent(), 0.0001)
}
