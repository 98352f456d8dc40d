// Package optimizer turns risk assessments into recovery work. A Dispatcher
// watches the ledger, evaluates risk at a bounded rate, starts recovery
// episodes and supersedes running ones when risk climbs. It also runs the
// scheduled bundle maintenance.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/contextguard/pkg/bundle"
	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/ledger"
	metrics "github.com/aixgo-dev/contextguard/pkg/observability"
	"github.com/aixgo-dev/contextguard/pkg/recovery"
	"github.com/aixgo-dev/contextguard/pkg/risk"
)

// Mode is the kind of optimization a decision calls for.
type Mode string

const (
	ModeIdle        Mode = "idle"
	ModePredictive  Mode = "predictive"
	ModeReactive    Mode = "reactive"
	ModeEmergency   Mode = "emergency"
	ModeMaintenance Mode = "maintenance"
)

// Decision is the dispatcher's verdict on one assessment.
type Decision struct {
	Mode       Mode            `json:"mode"`
	EntryLevel recovery.Level  `json:"entry_level"`
	Run        bool            `json:"run"`
	Superseded bool            `json:"superseded,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Assessment risk.Assessment `json:"assessment"`
}

// Source is the usage view the dispatcher evaluates.
type Source interface {
	Snapshot() ledger.Snapshot
	History(n int) []ledger.Sample
	Velocity(window time.Duration) float64
	Subscribe() (<-chan struct{}, func())
}

// Evaluator scores usage. *risk.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, in risk.Input, p risk.Predictor) risk.Assessment
}

// Recoverer runs recovery episodes. *recovery.Controller implements it.
type Recoverer interface {
	Running() bool
	Recover(ctx context.Context, a risk.Assessment) (*recovery.Episode, error)
	Supersede(a risk.Assessment) bool
}

// Maintainer is the bundle housekeeping the maintenance job drives.
// *bundle.Manager implements it.
type Maintainer interface {
	Sweep(ctx context.Context, now time.Time) (bundle.SweepReport, error)
	Save(ctx context.Context, opts bundle.SaveOptions) (string, error)
}

// Config tunes the dispatcher.
type Config struct {
	// EvaluationsPerSecond bounds how often ledger changes are evaluated.
	EvaluationsPerSecond float64 `yaml:"evaluations_per_second"`
	Burst                int     `yaml:"burst"`
	// Cooldown suppresses non-emergency episodes after a recovered one.
	Cooldown time.Duration `yaml:"cooldown"`
	// VelocityWindow is the trailing window usage velocity is measured over.
	VelocityWindow time.Duration `yaml:"velocity_window"`
	HistorySize    int           `yaml:"history_size"`
	// MaintenanceSchedule is a cron spec. Empty disables maintenance.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`
	// PeriodicSave adds a scheduled bundle save to each maintenance run.
	PeriodicSave bool `yaml:"periodic_save"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		EvaluationsPerSecond: 2,
		Burst:                1,
		Cooldown:             30 * time.Second,
		VelocityWindow:       time.Minute,
		HistorySize:          50,
		MaintenanceSchedule:  "@every 1h",
		PeriodicSave:         true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.EvaluationsPerSecond <= 0 {
		return faults.Configurationf("optimizer.config", "evaluations_per_second must be positive")
	}
	if c.Burst < 1 {
		return faults.Configurationf("optimizer.config", "burst must be at least 1")
	}
	if c.Cooldown < 0 || c.VelocityWindow <= 0 {
		return faults.Configurationf("optimizer.config", "cooldown must be non-negative and velocity_window positive")
	}
	if c.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
			return faults.Configuration("optimizer.config", fmt.Errorf("maintenance_schedule: %w", err))
		}
	}
	return nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithPredictor sets the external predictor consulted on every evaluation.
func WithPredictor(p risk.Predictor) Option {
	return func(d *Dispatcher) { d.predictor = p }
}

// WithMemorySampler sets the host memory sampler.
func WithMemorySampler(s risk.MemorySampler) Option {
	return func(d *Dispatcher) { d.memory = s }
}

// WithMaintainer enables the maintenance job.
func WithMaintainer(m Maintainer) Option {
	return func(d *Dispatcher) { d.maintainer = m }
}

// Dispatcher routes assessments to the recovery controller.
type Dispatcher struct {
	cfg        Config
	source     Source
	engine     Evaluator
	recoverer  Recoverer
	predictor  risk.Predictor
	memory     risk.MemorySampler
	maintainer Maintainer
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time

	mu            sync.Mutex
	cooldownUntil time.Time
	last          *Decision
	fatalErr      error

	// fatal carries the first session-ending episode error to Run.
	fatal chan error

	episodes sync.WaitGroup
}

// New creates a dispatcher. Source, engine and recoverer are required.
func New(cfg Config, source Source, engine Evaluator, recoverer Recoverer, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || engine == nil || recoverer == nil {
		return nil, faults.Configurationf("optimizer.new", "source, engine and recoverer are required")
	}
	d := &Dispatcher{
		cfg:       cfg,
		source:    source,
		engine:    engine,
		recoverer: recoverer,
		limiter:   rate.NewLimiter(rate.Limit(cfg.EvaluationsPerSecond), cfg.Burst),
		logger:    slog.Default(),
		now:       time.Now,
		fatal:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "optimizer")
	return d, nil
}

// Assess evaluates the current ledger state without acting on it.
func (d *Dispatcher) Assess(ctx context.Context) risk.Assessment {
	snap := d.source.Snapshot()
	history := d.source.History(d.cfg.HistorySize)
	samples := make([]risk.Sample, len(history))
	for i, s := range history {
		samples[i] = risk.Sample{At: s.At, Tokens: s.Live}
	}
	a := d.engine.Evaluate(ctx, risk.Input{
		CurrentTokens:    snap.Live,
		Ceiling:          snap.Ceiling,
		WorkloadClass:    snap.WorkloadClass,
		ConcurrentActors: snap.ActiveActors,
		Velocity:         d.source.Velocity(d.cfg.VelocityWindow),
		MemoryPercent:    risk.SampleMemory(d.memory),
		History:          samples,
	}, d.predictor)
	metrics.SetRiskLevel(int(a.Level))
	metrics.SetTokenGauges(snap.Live, snap.Remaining)
	return a
}

// Dispatch maps an assessment to a decision. It does not start anything.
func Dispatch(a risk.Assessment) Decision {
	dec := Decision{Mode: ModeIdle, Assessment: a}
	switch {
	case a.Level == risk.Critical:
		dec.Mode = ModeEmergency
	case a.Level == risk.High:
		dec.Mode = ModeReactive
	case a.Level == risk.Medium, a.Has(risk.FactorGrowthVelocity):
		dec.Mode = ModePredictive
	default:
		return dec
	}
	dec.EntryLevel = recovery.EntryLevel(a)
	dec.Run = true
	return dec
}

// Evaluate assesses the ledger once and acts on the decision: it starts an
// episode in the background, supersedes the running one, or does nothing.
func (d *Dispatcher) Evaluate(ctx context.Context) Decision {
	dec := Dispatch(d.Assess(ctx))
	if !dec.Run {
		d.remember(dec)
		return dec
	}

	if err := d.Err(); err != nil {
		dec.Run = false
		dec.Reason = "session budget exhausted"
		d.remember(dec)
		return dec
	}

	if d.recoverer.Running() {
		dec.Run = false
		if d.recoverer.Supersede(dec.Assessment) {
			dec.Superseded = true
			d.logger.Info("superseding recovery episode",
				"mode", dec.Mode, "risk", dec.Assessment.Level, "percent", dec.Assessment.UsagePercent)
		} else {
			dec.Reason = "episode in progress"
		}
		d.remember(dec)
		return dec
	}

	if dec.Mode != ModeEmergency && d.coolingDown() {
		dec.Run = false
		dec.Reason = "cooldown"
		d.remember(dec)
		return dec
	}

	d.logger.Info("starting recovery episode",
		"mode", dec.Mode, "entry_level", int(dec.EntryLevel), "risk", dec.Assessment.Level,
		"percent", dec.Assessment.UsagePercent, "factors", dec.Assessment.Factors)
	d.episodes.Add(1)
	go func(a risk.Assessment) {
		defer d.episodes.Done()
		d.recover(ctx, a)
	}(dec.Assessment)
	d.remember(dec)
	return dec
}

func (d *Dispatcher) recover(ctx context.Context, a risk.Assessment) {
	ep, err := d.recoverer.Recover(ctx, a)
	switch {
	case ep == nil:
		d.logger.Debug("recovery not started", "error", err)
	case ep.Outcome == recovery.OutcomeRecovered:
		d.mu.Lock()
		d.cooldownUntil = d.now().Add(d.cfg.Cooldown)
		d.mu.Unlock()
		d.logger.Info("recovery episode finished", "episode", ep.ID, "outcome", ep.Outcome,
			"levels", ep.Levels(), "tokens_saved", ep.TokensSaved())
	case faults.IsFatal(err):
		d.logger.Error("recovery exhausted the session budget", "episode", ep.ID, "outcome", ep.Outcome,
			"levels", ep.Levels(), "tokens_saved", ep.TokensSaved(), "error", err)
		d.mu.Lock()
		first := d.fatalErr == nil
		if first {
			d.fatalErr = err
		}
		d.mu.Unlock()
		if first {
			d.fatal <- err
		}
	default:
		d.logger.Warn("recovery episode finished", "episode", ep.ID, "outcome", ep.Outcome,
			"levels", ep.Levels(), "tokens_saved", ep.TokensSaved(), "error", err)
	}
}

// Err returns the session-ending error of a background episode, or nil.
// Once set, no further episodes are started.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatalErr
}

func (d *Dispatcher) coolingDown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now().Before(d.cooldownUntil)
}

func (d *Dispatcher) remember(dec Decision) {
	d.mu.Lock()
	d.last = &dec
	d.mu.Unlock()
}

// LastDecision returns the most recent decision, or nil.
func (d *Dispatcher) LastDecision() *Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return nil
	}
	dec := *d.last
	return &dec
}

// Wait blocks until background episodes started by Evaluate have finished.
func (d *Dispatcher) Wait() {
	d.episodes.Wait()
}
