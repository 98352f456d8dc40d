package optimizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/contextguard/pkg/bundle"
	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/ledger"
	"github.com/aixgo-dev/contextguard/pkg/recovery"
	"github.com/aixgo-dev/contextguard/pkg/risk"
	"github.com/aixgo-dev/contextguard/pkg/store"
	"github.com/aixgo-dev/contextguard/pkg/threshold"
)

type fakeSource struct {
	snap    ledger.Snapshot
	changes chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		snap:    ledger.Snapshot{SessionID: "s", WorkloadClass: "medium", Ceiling: 200000},
		changes: make(chan struct{}, 1),
	}
}

func (s *fakeSource) Snapshot() ledger.Snapshot            { return s.snap }
func (s *fakeSource) History(int) []ledger.Sample          { return nil }
func (s *fakeSource) Velocity(time.Duration) float64       { return 0 }
func (s *fakeSource) Subscribe() (<-chan struct{}, func()) { return s.changes, func() {} }

type fakeEngine struct {
	mu    sync.Mutex
	level risk.Level
	calls int
}

func (e *fakeEngine) set(l risk.Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.level = l
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *fakeEngine) Evaluate(_ context.Context, in risk.Input, _ risk.Predictor) risk.Assessment {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return assessment(e.level, in.CurrentTokens, in.Ceiling)
}

func assessment(l risk.Level, tokens, ceiling int64) risk.Assessment {
	return risk.Assessment{
		Level:             l,
		RecommendedAction: risk.ActionFor(l),
		CurrentTokens:     tokens,
		Ceiling:           ceiling,
	}
}

type fakeRecoverer struct {
	running    atomic.Bool
	supersede  bool
	outcome    recovery.Outcome
	err        error
	mu         sync.Mutex
	recovered  []risk.Assessment
	superseded []risk.Assessment
}

func (r *fakeRecoverer) Running() bool { return r.running.Load() }

func (r *fakeRecoverer) Recover(_ context.Context, a risk.Assessment) (*recovery.Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered = append(r.recovered, a)
	return &recovery.Episode{ID: "ep", Outcome: r.outcome}, r.err
}

func (r *fakeRecoverer) Supersede(a risk.Assessment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.superseded = append(r.superseded, a)
	return r.supersede
}

func (r *fakeRecoverer) recoveries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recovered)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDispatcher(t *testing.T, cfg Config, engine Evaluator, rec Recoverer, opts ...Option) (*Dispatcher, *fakeSource, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	src := newFakeSource()
	d, err := New(cfg, src, engine, rec, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return d, src, clock
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name  string
		a     risk.Assessment
		mode  Mode
		level recovery.Level
		run   bool
	}{
		{"low", assessment(risk.Low, 10000, 200000), ModeIdle, recovery.LevelNone, false},
		{"low but growing", risk.Assessment{Level: risk.Low, RecommendedAction: risk.ActionContinue, Factors: []risk.Factor{risk.FactorGrowthVelocity}}, ModePredictive, recovery.LevelPreventive, true},
		{"medium", assessment(risk.Medium, 125000, 200000), ModePredictive, recovery.LevelPreventive, true},
		{"high", assessment(risk.High, 172000, 200000), ModeReactive, recovery.LevelRestructuring, true},
		{"critical", assessment(risk.Critical, 185000, 200000), ModeEmergency, recovery.LevelEmergencyHandoff, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := Dispatch(tt.a)
			assert.Equal(t, tt.mode, dec.Mode)
			assert.Equal(t, tt.level, dec.EntryLevel)
			assert.Equal(t, tt.run, dec.Run)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	broken := []func(*Config){
		func(c *Config) { c.EvaluationsPerSecond = 0 },
		func(c *Config) { c.Burst = 0 },
		func(c *Config) { c.VelocityWindow = 0 },
		func(c *Config) { c.MaintenanceSchedule = "every hour" },
	}
	for i, mutate := range broken {
		cfg := DefaultConfig()
		mutate(&cfg)
		err := cfg.Validate()
		assert.True(t, errors.Is(err, faults.ErrConfiguration), "case %d: %v", i, err)
	}

	_, err := New(DefaultConfig(), nil, &fakeEngine{}, &fakeRecoverer{})
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestEvaluate_StartsEpisode(t *testing.T) {
	engine := &fakeEngine{level: risk.High}
	rec := &fakeRecoverer{outcome: recovery.OutcomeRecovered}
	d, _, _ := newTestDispatcher(t, DefaultConfig(), engine, rec)

	dec := d.Evaluate(context.Background())
	d.Wait()

	assert.True(t, dec.Run)
	assert.Equal(t, ModeReactive, dec.Mode)
	assert.Equal(t, 1, rec.recoveries())
	require.NotNil(t, d.LastDecision())
	assert.Equal(t, ModeReactive, d.LastDecision().Mode)
}

func TestEvaluate_SupersedesRunningEpisode(t *testing.T) {
	engine := &fakeEngine{level: risk.Critical}
	rec := &fakeRecoverer{supersede: true}
	rec.running.Store(true)
	d, _, _ := newTestDispatcher(t, DefaultConfig(), engine, rec)

	dec := d.Evaluate(context.Background())

	assert.False(t, dec.Run)
	assert.True(t, dec.Superseded)
	assert.Zero(t, rec.recoveries())
	require.Len(t, rec.superseded, 1)
	assert.Equal(t, risk.Critical, rec.superseded[0].Level)

	rec.supersede = false
	dec = d.Evaluate(context.Background())
	assert.False(t, dec.Superseded)
	assert.Equal(t, "episode in progress", dec.Reason)
}

func TestEvaluate_CooldownAfterRecovery(t *testing.T) {
	engine := &fakeEngine{level: risk.High}
	rec := &fakeRecoverer{outcome: recovery.OutcomeRecovered}
	d, _, clock := newTestDispatcher(t, DefaultConfig(), engine, rec)
	ctx := context.Background()

	d.Evaluate(ctx)
	d.Wait()
	require.Equal(t, 1, rec.recoveries())

	dec := d.Evaluate(ctx)
	assert.False(t, dec.Run)
	assert.Equal(t, "cooldown", dec.Reason)

	engine.set(risk.Critical)
	dec = d.Evaluate(ctx)
	d.Wait()
	assert.True(t, dec.Run, "emergencies ignore the cooldown")
	assert.Equal(t, 2, rec.recoveries())

	engine.set(risk.High)
	clock.Advance(31 * time.Second)
	dec = d.Evaluate(ctx)
	d.Wait()
	assert.True(t, dec.Run)
	assert.Equal(t, 3, rec.recoveries())
}

func TestEvaluate_NoCooldownAfterExhaustion(t *testing.T) {
	engine := &fakeEngine{level: risk.High}
	rec := &fakeRecoverer{outcome: recovery.OutcomeExhausted}
	d, _, _ := newTestDispatcher(t, DefaultConfig(), engine, rec)

	d.Evaluate(context.Background())
	d.Wait()
	dec := d.Evaluate(context.Background())
	d.Wait()

	assert.True(t, dec.Run)
	assert.Equal(t, 2, rec.recoveries())
}

func TestRun_EvaluatesOnChange(t *testing.T) {
	engine := &fakeEngine{level: risk.Low}
	d, src, _ := newTestDispatcher(t, DefaultConfig(), engine, &fakeRecoverer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return engine.count() >= 1 }, time.Second, 10*time.Millisecond)
	src.changes <- struct{}{}
	require.Eventually(t, func() bool { return engine.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_StopsOnBudgetExhaustion(t *testing.T) {
	engine := &fakeEngine{level: risk.Critical}
	rec := &fakeRecoverer{
		outcome: recovery.OutcomeExhausted,
		err:     faults.BudgetExhaustion("recovery.cascade", errors.New("60000 tokens remain after cascade")),
	}
	d, _, _ := newTestDispatcher(t, DefaultConfig(), engine, rec)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after exhaustion")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrBudgetExhausted)
	assert.True(t, faults.IsFatal(err))
	assert.Equal(t, 1, rec.recoveries())
	assert.Equal(t, err, d.Err())

	dec := d.Evaluate(context.Background())
	assert.False(t, dec.Run)
	assert.Equal(t, "session budget exhausted", dec.Reason)
	d.Wait()
	assert.Equal(t, 1, rec.recoveries(), "no episode starts after exhaustion")
}

type fakeMaintainer struct {
	mu       sync.Mutex
	sweeps   int
	saves    []bundle.SaveOptions
	sweepErr error
}

func (m *fakeMaintainer) Sweep(context.Context, time.Time) (bundle.SweepReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	return bundle.SweepReport{Archived: []string{"20260201_090000_aaaaaaaa"}}, m.sweepErr
}

func (m *fakeMaintainer) Save(_ context.Context, opts bundle.SaveOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, opts)
	return "20260301_090000_aaaaaaaa", nil
}

func (m *fakeMaintainer) sweepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}

func TestMaintain(t *testing.T) {
	m := &fakeMaintainer{sweepErr: errors.New("store offline")}
	d, _, _ := newTestDispatcher(t, DefaultConfig(), &fakeEngine{}, &fakeRecoverer{}, WithMaintainer(m))

	report, err := d.Maintain(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "store offline")
	assert.Equal(t, ModeMaintenance, report.Mode)
	assert.Equal(t, []string{"20260201_090000_aaaaaaaa"}, report.Sweep.Archived)
	assert.Equal(t, "20260301_090000_aaaaaaaa", report.Saved, "save runs even when the sweep fails")
	require.Len(t, m.saves, 1)
	assert.Equal(t, bundle.TypeScheduled, m.saves[0].Type)
}

func TestMaintain_SkipsSaveDuringEpisode(t *testing.T) {
	m := &fakeMaintainer{}
	rec := &fakeRecoverer{}
	rec.running.Store(true)
	d, _, _ := newTestDispatcher(t, DefaultConfig(), &fakeEngine{}, rec, WithMaintainer(m))

	report, err := d.Maintain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Saved)
	assert.Empty(t, m.saves)
	assert.Equal(t, 1, m.sweepCount())
}

func TestRun_SchedulesMaintenance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaintenanceSchedule = "@every 1s"
	cfg.PeriodicSave = false
	m := &fakeMaintainer{}
	d, _, _ := newTestDispatcher(t, cfg, &fakeEngine{}, &fakeRecoverer{}, WithMaintainer(m))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return m.sweepCount() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_RecoversRealLedger(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.New(ctx, store.NewMemoryStore(), ledger.Config{
		SessionID:     "sess-opt",
		Ceiling:       200000,
		WorkloadClass: "medium",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	engine, err := risk.NewEngine(threshold.NewRegistry(), risk.DefaultConfig())
	require.NoError(t, err)

	ctrl, err := recovery.NewController(recovery.DefaultConfig(), recovery.Collaborators{Budget: l},
		recovery.WithCatalogue(recovery.LevelPreventive, recovery.FuncStrategy{
			StrategyName: "trim",
			Fn: func(_ context.Context, current int64) (int64, error) {
				return current * 30 / 100, nil
			},
		}))
	require.NoError(t, err)

	d, err := New(DefaultConfig(), l, engine, ctrl)
	require.NoError(t, err)

	_, err = l.ReportUsage(ctx, ledger.UsageReport{Actor: "planner", Operation: "plan", Tokens: 155000})
	require.NoError(t, err)

	dec := d.Evaluate(ctx)
	d.Wait()

	assert.Equal(t, ModePredictive, dec.Mode)
	assert.Equal(t, recovery.LevelPreventive, dec.EntryLevel)
	ep := ctrl.LastEpisode()
	require.NotNil(t, ep)
	assert.Equal(t, recovery.OutcomeRecovered, ep.Outcome)
	assert.Equal(t, int64(108500), l.LiveTokens())
}
