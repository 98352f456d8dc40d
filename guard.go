// Package contextguard keeps a long-running session inside its token budget.
// A Guard records usage, evaluates the risk of exhausting the budget, runs
// escalating recovery when that risk grows and persists handoff bundles the
// session can be rebuilt from.
package contextguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aixgo-dev/contextguard/pkg/bundle"
	"github.com/aixgo-dev/contextguard/pkg/compressor"
	"github.com/aixgo-dev/contextguard/pkg/config"
	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/ledger"
	metrics "github.com/aixgo-dev/contextguard/pkg/observability"
	"github.com/aixgo-dev/contextguard/pkg/optimizer"
	"github.com/aixgo-dev/contextguard/pkg/recovery"
	"github.com/aixgo-dev/contextguard/pkg/risk"
	"github.com/aixgo-dev/contextguard/pkg/store"
	"github.com/aixgo-dev/contextguard/pkg/threshold"
)

// Version is reported by the health endpoint and the CLI.
const Version = "0.1.0"

// Status is the current state of the session budget.
type Status struct {
	SessionID         string           `json:"session_id"`
	WorkloadClass     string           `json:"workload_class"`
	Epoch             int              `json:"epoch"`
	TokensUsed        int64            `json:"tokens_used"`
	Ceiling           int64            `json:"ceiling"`
	Remaining         int64            `json:"remaining"`
	Overrun           int64            `json:"overrun,omitempty"`
	Percent           float64          `json:"percent"`
	ThresholdStatus   threshold.Status `json:"threshold_status"`
	RiskLevel         risk.Level       `json:"risk_level"`
	Confidence        float64          `json:"confidence"`
	Factors           []risk.Factor    `json:"factors,omitempty"`
	RecommendedAction risk.Action      `json:"recommended_action"`
	RecoveryState     recovery.State   `json:"recovery_state"`
	ActiveActors      []string         `json:"active_actors"`
}

type options struct {
	logger    *slog.Logger
	store     store.Store
	runtime   recovery.ActorRuntime
	comp      compressor.Compressor
	content   recovery.ContentSource
	cache     recovery.CacheEvictor
	discarder recovery.Discarder
	alerter   recovery.Alerter
	session   bundle.SessionSource
	vcs       bundle.VCSProbe
	predictor risk.Predictor
	memory    risk.MemorySampler
	now       func() time.Time
}

// Option configures a Guard.
type Option func(*options)

// WithLogger sets the logger every component logs through.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithStore replaces the store selected by the configuration. The Guard
// closes it on Close.
func WithStore(s store.Store) Option { return func(o *options) { o.store = s } }

// WithActorRuntime connects the runtime that owns the session's actors.
func WithActorRuntime(r recovery.ActorRuntime) Option { return func(o *options) { o.runtime = r } }

// WithCompressor replaces the configured compressor command.
func WithCompressor(c compressor.Compressor) Option { return func(o *options) { o.comp = c } }

// WithContentSource supplies the content handed to the compressor.
func WithContentSource(c recovery.ContentSource) Option { return func(o *options) { o.content = c } }

// WithCacheEvictor connects the cache eviction strategy.
func WithCacheEvictor(c recovery.CacheEvictor) Option { return func(o *options) { o.cache = c } }

// WithDiscarder connects the cascade's context discard step.
func WithDiscarder(d recovery.Discarder) Option { return func(o *options) { o.discarder = d } }

// WithAlerter replaces the stderr alerter.
func WithAlerter(a recovery.Alerter) Option { return func(o *options) { o.alerter = a } }

// WithSessionSource supplies runtime session state for bundles.
func WithSessionSource(s bundle.SessionSource) Option { return func(o *options) { o.session = s } }

// WithVCSProbe replaces the git probe.
func WithVCSProbe(p bundle.VCSProbe) Option { return func(o *options) { o.vcs = p } }

// WithPredictor replaces the growth predictor.
func WithPredictor(p risk.Predictor) Option { return func(o *options) { o.predictor = p } }

// WithMemorySampler replaces the /proc/meminfo sampler.
func WithMemorySampler(s risk.MemorySampler) Option { return func(o *options) { o.memory = s } }

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Guard wires the ledger, risk engine, recovery controller, bundle manager
// and dispatcher of one session.
type Guard struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	ledger     *ledger.Ledger
	thresholds *threshold.Registry
	engine     *risk.Engine
	controller *recovery.Controller
	bundles    *bundle.Manager
	dispatcher *optimizer.Dispatcher
	health     *metrics.HealthChecker
}

// Open loads the configuration file at path and creates a Guard from it.
func Open(ctx context.Context, path string, opts ...Option) (*Guard, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// New creates a Guard from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (g *Guard, err error) {
	if cfg == nil {
		return nil, faults.Configurationf("contextguard.new", "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		logger:    slog.Default(),
		predictor: risk.NewGrowthPredictor(),
		memory:    risk.NewProcMeminfo(),
		vcs:       bundle.GitProbe{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	g = &Guard{cfg: cfg, logger: o.logger}

	g.store = o.store
	if g.store == nil {
		if g.store, err = openStore(cfg); err != nil {
			return nil, err
		}
	}
	defer func() {
		if err != nil {
			_ = g.Close()
		}
	}()

	g.thresholds = threshold.NewRegistry()
	if err := g.thresholds.Merge(cfg.Profiles); err != nil {
		return nil, err
	}

	g.ledger, err = ledger.New(ctx, g.store, ledger.Config{
		SessionID:     cfg.SessionID,
		Ceiling:       cfg.Ceiling,
		WorkloadClass: cfg.Workload,
		Logger:        o.logger,
		Now:           o.now,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	g.engine, err = risk.NewEngine(g.thresholds, cfg.Risk, risk.WithLogger(o.logger), risk.WithClock(o.now))
	if err != nil {
		return nil, err
	}

	session := o.session
	if session == nil {
		session = bundle.SessionFunc(g.defaultSessionInfo)
	}
	g.bundles, err = bundle.NewManager(g.store, cfg.Bundle.Config,
		bundle.WithLedger(g.ledger),
		bundle.WithSessionSource(session),
		bundle.WithVCSProbe(o.vcs),
		bundle.WithThresholds(g.thresholds),
		bundle.WithLogger(o.logger),
		bundle.WithClock(o.now),
	)
	if err != nil {
		return nil, err
	}

	comp := o.comp
	if comp == nil && len(cfg.Compressor.Command) > 0 {
		exec := compressor.NewExecCompressor(cfg.Compressor.Command...)
		if cfg.Compressor.Grace > 0 {
			exec.Grace = cfg.Compressor.Grace
		}
		comp = exec
	}
	alerter := o.alerter
	if alerter == nil {
		alerter = recovery.NewLogAlerter(o.logger)
	}
	g.controller, err = recovery.NewController(cfg.RecoveryConfig(), recovery.Collaborators{
		Budget:     g.ledger,
		Compressor: comp,
		Content:    o.content,
		Runtime:    o.runtime,
		Cache:      o.cache,
		Snapshots:  bundle.Snapshotter{Manager: g.bundles, Compression: cfg.Bundle.SnapshotCompression},
		Discarder:  o.discarder,
		Alerter:    alerter,
	}, recovery.WithLogger(o.logger), recovery.WithClock(o.now))
	if err != nil {
		return nil, err
	}

	g.dispatcher, err = optimizer.New(cfg.Optimizer, g.ledger, g.engine, g.controller,
		optimizer.WithLogger(o.logger),
		optimizer.WithClock(o.now),
		optimizer.WithPredictor(o.predictor),
		optimizer.WithMemorySampler(o.memory),
		optimizer.WithMaintainer(g.bundles),
	)
	if err != nil {
		return nil, err
	}

	g.health = metrics.NewHealthChecker(Version)
	g.health.RegisterCheck(metrics.StoreCheck(g.store.Ping))
	g.health.RegisterCheck(metrics.BudgetCheck(g.checkBudget))
	return g, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendRedis:
		s, err := store.NewRedisStore(cfg.Store.Redis)
		if err != nil {
			return nil, faults.Transient("contextguard.store", fmt.Errorf("connect redis: %w", err))
		}
		return s, nil
	default:
		s, err := store.NewFileStore(cfg.BaseDir)
		if err != nil {
			return nil, faults.Configuration("contextguard.store", fmt.Errorf("open %s: %w", cfg.BaseDir, err))
		}
		return s, nil
	}
}

func (g *Guard) defaultSessionInfo(context.Context) (bundle.SessionInfo, error) {
	wd, err := os.Getwd()
	if err != nil {
		wd = ""
	}
	return bundle.SessionInfo{
		ActiveActor:      g.ledger.Session().LastActor,
		WorkingDirectory: wd,
	}, nil
}

func (g *Guard) checkBudget(ctx context.Context) error {
	snap := g.ledger.Snapshot()
	status := g.thresholds.Lookup(snap.WorkloadClass).Classify(snap.Percent)
	if status == threshold.StatusEmergency {
		return fmt.Errorf("usage %.1f%% is at the emergency threshold", snap.Percent)
	}
	return nil
}

// ReportUsage records tokens consumed by actor. Category defaults to
// "general".
func (g *Guard) ReportUsage(ctx context.Context, actor, operation string, tokens int64, category string) (ledger.UsageEvent, error) {
	return g.ledger.ReportUsage(ctx, ledger.UsageReport{
		Actor:     actor,
		Operation: operation,
		Tokens:    tokens,
		Category:  category,
	})
}

// CurrentStatus evaluates the session budget now.
func (g *Guard) CurrentStatus(ctx context.Context) Status {
	snap := g.ledger.Snapshot()
	a := g.dispatcher.Assess(ctx)
	return Status{
		SessionID:         snap.SessionID,
		WorkloadClass:     snap.WorkloadClass,
		Epoch:             snap.Epoch,
		TokensUsed:        snap.Live,
		Ceiling:           snap.Ceiling,
		Remaining:         snap.Remaining,
		Overrun:           snap.Overrun,
		Percent:           snap.Percent,
		ThresholdStatus:   a.Status,
		RiskLevel:         a.Level,
		Confidence:        a.Confidence,
		Factors:           a.Factors,
		RecommendedAction: a.RecommendedAction,
		RecoveryState:     g.controller.State(),
		ActiveActors:      g.ledger.ActiveActors(),
	}
}

// TriggerRecovery runs a recovery episode now. LevelNone picks the entry
// level from the current risk assessment.
func (g *Guard) TriggerRecovery(ctx context.Context, level recovery.Level) (*recovery.Episode, error) {
	if level == recovery.LevelNone {
		return g.controller.Recover(ctx, g.dispatcher.Assess(ctx))
	}
	return g.controller.TriggerRecovery(ctx, level)
}

// SaveBundle writes a handoff bundle and returns its id. A zero Type saves a
// manual bundle.
func (g *Guard) SaveBundle(ctx context.Context, opts bundle.SaveOptions) (string, error) {
	if opts.Type == "" {
		opts.Type = bundle.TypeManual
	}
	return g.bundles.Save(ctx, opts)
}

// LoadBundle loads a bundle by identifier without applying it.
func (g *Guard) LoadBundle(ctx context.Context, identifier string, opts bundle.LoadOptions) (*bundle.RestoredState, error) {
	return g.bundles.Load(ctx, identifier, opts)
}

// RestoreBundle loads a bundle and seeds a new ledger epoch from its usage
// section. A bundle that only survived repair as its essentials is returned
// with a bundle corruption error and the ledger is left untouched.
func (g *Guard) RestoreBundle(ctx context.Context, identifier string, opts bundle.LoadOptions) (*bundle.RestoredState, error) {
	rs, err := g.bundles.Load(ctx, identifier, opts)
	if err != nil {
		return nil, err
	}
	if err := g.bundles.Restore(ctx, rs, g.ledger); err != nil {
		return rs, err
	}
	return rs, nil
}

// Config returns the configuration the Guard was built from.
func (g *Guard) Config() *config.Config { return g.cfg }

// Ledger returns the usage ledger.
func (g *Guard) Ledger() *ledger.Ledger { return g.ledger }

// Bundles returns the bundle manager.
func (g *Guard) Bundles() *bundle.Manager { return g.bundles }

// Controller returns the recovery controller.
func (g *Guard) Controller() *recovery.Controller { return g.controller }

// Dispatcher returns the optimizer dispatcher.
func (g *Guard) Dispatcher() *optimizer.Dispatcher { return g.dispatcher }

// Health returns the health checker served by the metrics server.
func (g *Guard) Health() *metrics.HealthChecker { return g.health }

// Close stops the ledger and closes the store.
func (g *Guard) Close() error {
	var errs []error
	if g.ledger != nil {
		if err := g.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
