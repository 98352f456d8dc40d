// Package recovery implements the escalating recovery state machine. An
// episode enters at a level chosen from the triggering risk assessment,
// runs that level's strategies until its target is met, and escalates
// otherwise. Level 4 is terminal and runs under a hard deadline that the
// caller cannot cancel.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/contextguard/internal/observability"
	"github.com/aixgo-dev/contextguard/pkg/compressor"
	"github.com/aixgo-dev/contextguard/pkg/faults"
	metrics "github.com/aixgo-dev/contextguard/pkg/observability"
	"github.com/aixgo-dev/contextguard/pkg/risk"
)

// ErrInProgress is returned when an episode is already running.
var ErrInProgress = errors.New("recovery episode already in progress")

const (
	defaultEssentialBudget = 20000
	defaultSubStepTimeout  = 750 * time.Millisecond
	maxParallelTerminate   = 8
)

// Config configures a Controller.
type Config struct {
	Policies map[Level]LevelPolicy
	// EssentialBudget is the most live state level 4 preserves.
	EssentialBudget int64
	// SubStepTimeout bounds each level 4 sub-step.
	SubStepTimeout time.Duration
	// PreservationThreshold is requested from the compressor at levels 1
	// and 2; AggressivePreservation at level 3.
	PreservationThreshold  float64
	AggressivePreservation float64
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Policies:               DefaultPolicies(),
		EssentialBudget:        defaultEssentialBudget,
		SubStepTimeout:         defaultSubStepTimeout,
		PreservationThreshold:  0.85,
		AggressivePreservation: 0.70,
	}
}

// Collaborators are the external services recovery drives. Any may be nil;
// strategies without their collaborator are left out of the catalogue.
type Collaborators struct {
	Budget     Budget
	Compressor compressor.Compressor
	Content    ContentSource
	Runtime    ActorRuntime
	Cache      CacheEvictor
	Snapshots  Snapshotter
	Discarder  Discarder
	Alerter    Alerter
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithCatalogue replaces the strategies of a level.
func WithCatalogue(level Level, strategies ...Strategy) Option {
	return func(c *Controller) { c.catalogue[level] = strategies }
}

// Controller runs recovery episodes. One episode runs at a time.
type Controller struct {
	cfg       Config
	collab    Collaborators
	catalogue map[Level][]Strategy
	logger    *slog.Logger
	now       func() time.Time

	running atomic.Bool

	mu          sync.Mutex
	state       State
	current     Level
	pending     Level
	cancelLevel context.CancelFunc
	bundle      string
	last        *Episode
}

// NewController creates a controller.
func NewController(cfg Config, collab Collaborators, opts ...Option) (*Controller, error) {
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if err := ValidatePolicies(cfg.Policies); err != nil {
		return nil, err
	}
	if cfg.EssentialBudget <= 0 {
		cfg.EssentialBudget = defaultEssentialBudget
	}
	if cfg.SubStepTimeout <= 0 {
		cfg.SubStepTimeout = defaultSubStepTimeout
	}
	if err := ValidateSubStepTimeout(cfg.SubStepTimeout, cfg.Policies); err != nil {
		return nil, err
	}
	if cfg.PreservationThreshold <= 0 {
		cfg.PreservationThreshold = 0.85
	}
	if cfg.AggressivePreservation <= 0 {
		cfg.AggressivePreservation = 0.70
	}
	if collab.Budget == nil {
		return nil, faults.Configurationf("recovery.new", "budget is required")
	}
	if collab.Alerter == nil {
		collab.Alerter = NewLogAlerter(nil)
	}

	c := &Controller{
		cfg:    cfg,
		collab: collab,
		logger: slog.Default(),
		now:    time.Now,
		state:  StateMonitoring,
	}
	c.catalogue = c.defaultCatalogue()
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "recovery")
	return c, nil
}

func (c *Controller) defaultCatalogue() map[Level][]Strategy {
	col := c.collab
	compress := func(l Level, name string, aggressive bool, preservation float64) Strategy {
		p := c.cfg.Policies[l]
		return &compression{
			name:         name,
			compressor:   col.Compressor,
			content:      col.Content,
			target:       p.Target,
			preservation: preservation,
			maxTime:      p.CallTimeout,
			aggressive:   aggressive,
		}
	}

	var (
		dedupe  Strategy = &duplicateElimination{runtime: col.Runtime}
		suspend Strategy = &actorSuspension{runtime: col.Runtime, snapshots: col.Snapshots, budget: col.Budget}
		evict   Strategy = &cacheEviction{evictor: col.Cache}
		snap    Strategy = &emergencySnapshot{snapshots: col.Snapshots, record: c.recordBundle}
	)

	keep := func(strategies ...Strategy) []Strategy {
		out := strategies[:0]
		for _, s := range strategies {
			switch v := s.(type) {
			case *compression:
				if v.compressor == nil {
					continue
				}
			case *duplicateElimination, *actorSuspension:
				if col.Runtime == nil {
					continue
				}
			case *cacheEviction:
				if col.Cache == nil {
					continue
				}
			case *emergencySnapshot:
				if col.Snapshots == nil {
					continue
				}
			}
			out = append(out, s)
		}
		return out
	}

	return map[Level][]Strategy{
		LevelPreventive: keep(
			compress(LevelPreventive, NameContentCompression, false, c.cfg.PreservationThreshold),
			dedupe,
			evict,
		),
		LevelRestructuring: keep(
			dedupe,
			suspend,
			compress(LevelRestructuring, NameContentCompression, false, c.cfg.PreservationThreshold),
			evict,
		),
		LevelEmergencyHandoff: keep(
			snap,
			compress(LevelEmergencyHandoff, NameAggressiveCompression, true, c.cfg.AggressivePreservation),
			suspend,
			evict,
		),
	}
}

func (c *Controller) recordBundle(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundle = id
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether an episode is in progress.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// CurrentLevel returns the level being run, or LevelNone.
func (c *Controller) CurrentLevel() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// LastEpisode returns the most recently finished episode.
func (c *Controller) LastEpisode() *Episode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Recover runs an episode entered at the level a recommends.
func (c *Controller) Recover(ctx context.Context, a risk.Assessment) (*Episode, error) {
	return c.run(ctx, EntryLevel(a), &a)
}

// TriggerRecovery runs an episode entered at level.
func (c *Controller) TriggerRecovery(ctx context.Context, level Level) (*Episode, error) {
	if !level.Valid() {
		return nil, faults.Configurationf("recovery.trigger", "level must be 1-4, got %d", level)
	}
	return c.run(ctx, level, nil)
}

// Supersede asks a running episode to abandon its current level and re-enter
// at level 3 for a Critical assessment or level 2 for a High one. It never
// moves an episode to a lower level and has no effect on level 4.
func (c *Controller) Supersede(a risk.Assessment) bool {
	target := supersedeLevel(a)
	if target == LevelNone || !c.running.Load() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == LevelNone || c.current >= LevelCascade || target <= c.current || target <= c.pending {
		return false
	}
	c.pending = target
	if c.cancelLevel != nil {
		c.cancelLevel()
	}
	c.logger.Info("recovery superseded", "from", int(c.current), "to", int(target), "risk", a.Level.String())
	return true
}

func (c *Controller) setLevel(l Level, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = l
	c.state = l.State()
	c.cancelLevel = cancel
	// A supersede that arrived while no level was running.
	if cancel != nil && c.pending > l {
		cancel()
	}
}

// takePending returns and clears a requested supersede level.
func (c *Controller) takePending() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = LevelNone
	c.cancelLevel = nil
	return p
}

func (c *Controller) run(ctx context.Context, entry Level, trigger *risk.Assessment) (*Episode, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer c.running.Store(false)

	c.mu.Lock()
	c.bundle = ""
	c.pending = LevelNone
	c.mu.Unlock()

	ep := &Episode{
		ID:          uuid.New().String(),
		StartedAt:   c.now().UTC(),
		Trigger:     trigger,
		StartTokens: c.collab.Budget.LiveTokens(),
	}
	var factors []risk.Factor
	if trigger != nil {
		factors = trigger.Factors
	}

	c.logger.Info("recovery episode started", "episode", ep.ID, "entry_level", int(entry), "tokens", ep.StartTokens)

	current := ep.StartTokens
	level := entry
	for {
		var att Attempt
		if level == LevelCascade {
			att = c.runCascade(ctx, ep, current)
		} else {
			levelCtx, cancel := c.levelContext(ctx, level)
			c.setLevel(level, cancel)
			att = c.runLevel(levelCtx, ep, level, current, factors)
			cancel()
		}
		current = max(current-att.TokensSavedTotal, 0)

		if att.Success {
			ep.Attempts = append(ep.Attempts, att)
			ep.Outcome = OutcomeRecovered
			break
		}

		if level == LevelCascade {
			ep.Attempts = append(ep.Attempts, att)
			ep.Outcome = OutcomeExhausted
			break
		}

		if p := c.takePending(); p > level {
			att.Superseded = true
			att.EscalatedTo = p
			ep.Attempts = append(ep.Attempts, att)
			level = p
			continue
		}

		if ctx.Err() != nil {
			ep.Attempts = append(ep.Attempts, att)
			ep.Outcome = OutcomeSuperseded
			break
		}

		att.EscalatedTo = level + 1
		ep.Attempts = append(ep.Attempts, att)
		c.logger.Warn("recovery escalating", "episode", ep.ID, "from", int(level), "to", int(level+1),
			"saved", att.TokensSavedTotal, "target", att.Target)
		level++
	}

	ep.FinalTokens = current
	ep.FinishedAt = c.now().UTC()

	c.mu.Lock()
	if ep.Bundle == "" {
		ep.Bundle = c.bundle
	}
	c.current = LevelNone
	c.cancelLevel = nil
	switch ep.Outcome {
	case OutcomeRecovered:
		c.state = StateRecovered
	case OutcomeExhausted:
		c.state = StateExhausted
	default:
		c.state = StateMonitoring
	}
	c.last = ep
	c.mu.Unlock()

	c.logger.Info("recovery episode finished", "episode", ep.ID, "outcome", string(ep.Outcome),
		"levels", len(ep.Attempts), "saved", ep.TokensSaved(), "final_tokens", ep.FinalTokens)

	if ep.Outcome == OutcomeExhausted {
		return ep, faults.BudgetExhaustion("recovery.cascade",
			fmt.Errorf("%d tokens remain after cascade (essential budget %d)", ep.FinalTokens, c.cfg.EssentialBudget))
	}
	return ep, nil
}

func (c *Controller) alert(ctx context.Context, ep *Episode, level Level, tokens int64) {
	switch level {
	case LevelEmergencyHandoff:
		c.collab.Alerter.Alert(ctx, Alert{
			Time: c.now().UTC(), Level: level, Episode: ep.ID, Tokens: tokens, Severity: slog.LevelWarn,
			Message: "emergency handoff: writing recovery bundle and shedding load",
		})
	case LevelCascade:
		c.collab.Alerter.Alert(ctx, Alert{
			Time: c.now().UTC(), Level: level, Episode: ep.ID, Tokens: tokens, Severity: slog.LevelError,
			Message: "cascade recovery: terminating non-essential actors and discarding context",
		})
	}
}

// levelContext derives the context a level 1-3 runs under. A hard time
// budget becomes a deadline.
func (c *Controller) levelContext(ctx context.Context, level Level) (context.Context, context.CancelFunc) {
	if policy := c.cfg.Policies[level]; policy.Hard {
		return context.WithTimeout(ctx, policy.TimeBudget)
	}
	return context.WithCancel(ctx)
}

// runLevel runs the strategies of levels 1-3.
func (c *Controller) runLevel(ctx context.Context, ep *Episode, level Level, start int64, factors []risk.Factor) Attempt {
	policy := c.cfg.Policies[level]
	started := c.now()

	ctx, span := observability.StartSpan(ctx, "recovery.level",
		attribute.Int("recovery.level", int(level)),
		attribute.Int64("recovery.start_tokens", start))
	defer span.End()

	c.alert(ctx, ep, level, start)

	att := Attempt{
		Level:       level,
		StartTokens: start,
		Target:      int64(math.Ceil(float64(start) * policy.Target / 100)),
	}
	c.logger.Info("recovery level entered", "episode", ep.ID, "level", int(level),
		"state", string(level.State()), "tokens", start, "target", att.Target)

	if start <= 0 {
		att.Success = true
		return c.finishAttempt(ep, att, started)
	}

	for _, s := range orderByFactors(c.catalogue[level], factors) {
		if ctx.Err() != nil {
			break
		}
		if !policy.Hard && c.now().Sub(started) >= policy.TimeBudget {
			c.logger.Info("recovery level time budget spent", "episode", ep.ID, "level", int(level))
			break
		}

		current := max(start-att.TokensSavedTotal, 0)
		res := c.apply(ctx, s, current, policy.CallTimeout)
		att.Strategies = append(att.Strategies, res)
		if res.TokensSaved > 0 {
			att.TokensSavedTotal += res.TokensSaved
			c.reclaim(ctx, res)
		}

		if att.TokensSavedTotal >= att.Target {
			att.Success = true
			break
		}
	}

	return c.finishAttempt(ep, att, started)
}

func (c *Controller) finishAttempt(ep *Episode, att Attempt, started time.Time) Attempt {
	att.Duration = c.now().Sub(started)
	if att.StartTokens > 0 {
		att.EffectivenessPercent = float64(att.TokensSavedTotal) / float64(att.StartTokens) * 100
	}
	metrics.RecordRecoveryAttempt(int(att.Level), att.Success, att.TokensSavedTotal, att.Duration)

	log := c.logger.Info
	switch att.Level {
	case LevelEmergencyHandoff:
		log = c.logger.Warn
	case LevelCascade:
		log = c.logger.Error
	}
	log("recovery level finished", "episode", ep.ID, "level", int(att.Level),
		"saved", att.TokensSavedTotal, "effectiveness", att.EffectivenessPercent,
		"success", att.Success, "duration", att.Duration)
	return att
}

// apply runs one strategy under its call timeout. Failures count as zero.
func (c *Controller) apply(ctx context.Context, s Strategy, current int64, timeout time.Duration) StrategyResult {
	started := c.now()
	saved, err := callWithTimeout(ctx, timeout, func(ctx context.Context) (int64, error) {
		return s.Apply(ctx, current)
	})
	res := StrategyResult{Name: s.Name(), Duration: c.now().Sub(started)}
	if err != nil {
		res.Err = err.Error()
		c.logger.Warn("recovery strategy failed", "strategy", s.Name(), "kind", string(faults.KindTransient), "error", err)
		// Partial savings reported alongside an error still count.
		if saved > 0 {
			res.TokensSaved = saved
		}
		return res
	}
	res.TokensSaved = max(saved, 0)
	return res
}

func (c *Controller) reclaim(ctx context.Context, res StrategyResult) {
	if err := c.collab.Budget.Reclaim(context.WithoutCancel(ctx), "", res.TokensSaved, "recovery:"+res.Name); err != nil {
		c.logger.Warn("recording reclaimed tokens failed", "strategy", res.Name, "error", err)
	}
}

type callResult[T any] struct {
	v   T
	err error
}

// callWithTimeout runs fn and stops waiting for it after timeout, so a
// collaborator that ignores its context cannot stall the caller.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult[T], 1)
	go func() {
		v, err := fn(cctx)
		ch <- callResult[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		return zero, faults.Transient("recovery.call", cctx.Err())
	}
}

// runCascade is level 4. It runs on a context detached from the caller and
// bounded by the level's hard time budget.
func (c *Controller) runCascade(parent context.Context, ep *Episode, current int64) Attempt {
	policy := c.cfg.Policies[LevelCascade]
	started := c.now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), policy.TimeBudget)
	defer cancel()
	c.setLevel(LevelCascade, nil)

	ctx, span := observability.StartSpan(ctx, "recovery.cascade",
		attribute.Int64("recovery.start_tokens", current))
	defer span.End()

	c.alert(ctx, ep, LevelCascade, current)

	att := Attempt{
		Level:       LevelCascade,
		StartTokens: current,
		Target:      int64(math.Ceil(float64(ep.StartTokens) * policy.Target / 100)),
	}
	c.logger.Error("recovery level entered", "episode", ep.ID, "level", int(LevelCascade),
		"state", string(StateCascadeRecovery), "tokens", current, "essential_budget", c.cfg.EssentialBudget)

	step := func(name string, fn func(ctx context.Context) (int64, error)) {
		s := c.now()
		saved, err := callWithTimeout(ctx, c.cfg.SubStepTimeout, fn)
		res := StrategyResult{Name: name, TokensSaved: max(saved, 0), Duration: c.now().Sub(s)}
		if err != nil {
			res.Err = err.Error()
			c.logger.Warn("cascade step failed", "step", name, "error", err)
		}
		att.Strategies = append(att.Strategies, res)
		if res.TokensSaved > 0 {
			att.TokensSavedTotal += res.TokensSaved
			c.reclaim(ctx, res)
		}
	}

	// (a) pick the essential actors that fit the essential budget.
	var terminate []string
	preserved := c.cfg.EssentialBudget
	if c.collab.Runtime != nil {
		s := c.now()
		plan, err := callWithTimeout(ctx, c.cfg.SubStepTimeout, func(ctx context.Context) (essentialPlan, error) {
			actors, err := c.collab.Runtime.Actors(ctx)
			if err != nil {
				return essentialPlan{}, err
			}
			return selectEssential(actors, c.cfg.EssentialBudget), nil
		})
		res := StrategyResult{Name: "preserve_essential", Duration: c.now().Sub(s)}
		if err != nil {
			res.Err = err.Error()
			c.logger.Warn("cascade step failed", "step", res.Name, "error", err)
		} else {
			terminate, preserved = plan.terminate, plan.kept
		}
		att.Strategies = append(att.Strategies, res)
	}

	// (b) terminate everything else concurrently.
	step("terminate_actors", func(ctx context.Context) (int64, error) {
		if c.collab.Runtime == nil || len(terminate) == 0 {
			return 0, nil
		}
		var freed atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelTerminate)
		for _, id := range terminate {
			g.Go(func() error {
				n, err := c.collab.Runtime.Terminate(gctx, id)
				if err != nil {
					c.logger.Warn("terminate actor failed", "actor", id, "error", err)
					return nil
				}
				c.collab.Budget.MarkInactive(id)
				freed.Add(n)
				return nil
			})
		}
		err := g.Wait()
		return freed.Load(), err
	})

	// (c) write the minimal recovery bundle.
	step("minimal_bundle", func(ctx context.Context) (int64, error) {
		if c.collab.Snapshots == nil {
			return 0, nil
		}
		id, err := c.collab.Snapshots.Snapshot(ctx, SnapshotMinimal, "cascade recovery")
		if err != nil {
			return 0, err
		}
		c.recordBundle(id)
		return 0, nil
	})

	// (d) discard whatever live context exceeds the preserved state.
	step("discard_context", func(ctx context.Context) (int64, error) {
		if c.collab.Discarder == nil {
			return 0, nil
		}
		keep := min(max(preserved, 0), c.cfg.EssentialBudget)
		return c.collab.Discarder.Discard(ctx, keep)
	})

	post := max(current-att.TokensSavedTotal, 0)
	reducedFromOrigin := ep.StartTokens - post
	att.Success = post <= c.cfg.EssentialBudget || reducedFromOrigin >= att.Target

	return c.finishAttempt(ep, att, started)
}

type essentialPlan struct {
	terminate []string
	kept      int64
}

// selectEssential keeps essential actors, most recently useful first, while
// they fit budget. Everything else is marked for termination.
func selectEssential(actors []Actor, budget int64) essentialPlan {
	sorted := make([]Actor, len(actors))
	copy(sorted, actors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastUseful.After(sorted[j].LastUseful)
	})

	var plan essentialPlan
	for _, a := range sorted {
		if a.Essential && plan.kept+a.Tokens <= budget {
			plan.kept += a.Tokens
			continue
		}
		plan.terminate = append(plan.terminate, a.ID)
	}
	sort.Strings(plan.terminate)
	return plan
}
