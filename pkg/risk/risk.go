// Package risk scores the likelihood that a session exhausts its token
// budget and recommends how aggressively to recover.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/threshold"
)

// Level is the assessed risk of budget exhaustion.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses the String form of a level.
func ParseLevel(s string) (Level, error) {
	for l := Low; l <= Critical; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return Low, fmt.Errorf("unknown risk level %q", s)
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Action is the recovery posture recommended for a level.
type Action string

const (
	ActionContinue               Action = "continue"
	ActionPreventiveOptimization Action = "preventive_optimization"
	ActionImmediateOptimization  Action = "immediate_optimization"
	ActionEmergencyCascade       Action = "emergency_cascade"
)

// ActionFor maps a level onto its recommended action.
func ActionFor(l Level) Action {
	switch l {
	case Critical:
		return ActionEmergencyCascade
	case High:
		return ActionImmediateOptimization
	case Medium:
		return ActionPreventiveOptimization
	default:
		return ActionContinue
	}
}

// Factor names a triggered risk signal.
type Factor string

const (
	FactorTokenThreshold Factor = "token_threshold"
	FactorGrowthVelocity Factor = "growth_velocity"
	FactorAgentOverload  Factor = "agent_overload"
	FactorMemoryPressure Factor = "memory_pressure"
)

// Weights are the confidence contributions of each triggered signal.
type Weights struct {
	TokenThreshold float64 `yaml:"token_threshold"`
	GrowthVelocity float64 `yaml:"growth_velocity"`
	AgentOverload  float64 `yaml:"agent_overload"`
	MemoryPressure float64 `yaml:"memory_pressure"`
}

// Config tunes the risk engine.
type Config struct {
	Weights Weights `yaml:"weights"`
	// VelocityLimit is the growth rate in tokens per second above which
	// the velocity signal triggers.
	VelocityLimit float64 `yaml:"velocity_limit"`
	// ActorCeiling is the concurrent actor count above which the
	// overload signal triggers.
	ActorCeiling int `yaml:"actor_ceiling"`
	// MemoryLimit is the host memory percentage above which the memory
	// signal triggers.
	MemoryLimit float64 `yaml:"memory_limit"`
	// HighConfidence and MediumConfidence map the signal score onto a
	// level when usage is below the optimize threshold.
	HighConfidence   float64       `yaml:"high_confidence"`
	MediumConfidence float64       `yaml:"medium_confidence"`
	PredictorTimeout time.Duration `yaml:"predictor_timeout"`
}

// DefaultConfig returns the default weights and limits.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			TokenThreshold: 0.25,
			GrowthVelocity: 0.20,
			AgentOverload:  0.15,
			MemoryPressure: 0.10,
		},
		VelocityLimit:    500,
		ActorCeiling:     5,
		MemoryLimit:      85,
		HighConfidence:   0.45,
		MediumConfidence: 0.25,
		PredictorTimeout: 2 * time.Second,
	}
}

// Validate checks weights and limits.
func (c Config) Validate() error {
	for name, w := range map[string]float64{
		"token_threshold": c.Weights.TokenThreshold,
		"growth_velocity": c.Weights.GrowthVelocity,
		"agent_overload":  c.Weights.AgentOverload,
		"memory_pressure": c.Weights.MemoryPressure,
	} {
		if w < 0 || w > 1 {
			return faults.Configurationf("risk.config", "weight %s must be in [0,1], got %v", name, w)
		}
	}
	if c.VelocityLimit <= 0 {
		return faults.Configurationf("risk.config", "velocity limit must be positive")
	}
	if c.ActorCeiling <= 0 {
		return faults.Configurationf("risk.config", "actor ceiling must be positive")
	}
	if c.MemoryLimit <= 0 || c.MemoryLimit > 100 {
		return faults.Configurationf("risk.config", "memory limit must be in (0,100]")
	}
	if c.MediumConfidence <= 0 || c.HighConfidence <= c.MediumConfidence {
		return faults.Configurationf("risk.config", "confidence cutoffs must satisfy 0 < medium < high")
	}
	return nil
}

// Sample is a point of the live usage history.
type Sample struct {
	At     time.Time
	Tokens int64
}

// Input is the state a risk evaluation is computed from.
type Input struct {
	CurrentTokens    int64
	Ceiling          int64
	WorkloadClass    string
	ConcurrentActors int
	// Velocity is the usage growth in tokens per second.
	Velocity float64
	// MemoryPercent is host memory in use. Zero means unknown.
	MemoryPercent float64
	History       []Sample
}

// Prediction is an external opinion on the risk level.
type Prediction struct {
	Level      Level   `json:"level"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// State is what a Predictor sees: the input plus the local verdict.
type State struct {
	Input
	UsagePercent float64
	Profile      threshold.Profile
	LocalLevel   Level
	Factors      []Factor
}

// Predictor offers an external risk label and confidence.
type Predictor interface {
	Predict(ctx context.Context, state State) (Prediction, error)
}

// Assessment is the result of one evaluation. It is a value; nothing
// mutates it after Evaluate returns.
type Assessment struct {
	Timestamp         time.Time        `json:"timestamp"`
	CurrentTokens     int64            `json:"current_tokens"`
	Ceiling           int64            `json:"ceiling"`
	UsagePercent      float64          `json:"usage_percent"`
	WorkloadClass     string           `json:"workload_class"`
	Status            threshold.Status `json:"threshold_status"`
	Level             Level            `json:"risk_level"`
	Confidence        float64          `json:"confidence"`
	Factors           []Factor         `json:"factors"`
	RecommendedAction Action           `json:"recommended_action"`
	Prediction        *Prediction      `json:"prediction,omitempty"`
}

// Has reports whether factor triggered.
func (a Assessment) Has(f Factor) bool {
	for _, got := range a.Factors {
		if got == f {
			return true
		}
	}
	return false
}

// scoreEpsilon absorbs float rounding when summed weights meet a cutoff.
const scoreEpsilon = 1e-9

// Engine evaluates risk against the registered threshold profiles.
type Engine struct {
	registry *threshold.Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source used for assessment timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a risk engine.
func NewEngine(registry *threshold.Registry, cfg Config, opts ...Option) (*Engine, error) {
	if registry == nil {
		registry = threshold.NewRegistry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		registry: registry,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "risk")
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate scores in. The predictor is optional; its failures are ignored.
func (e *Engine) Evaluate(ctx context.Context, in Input, p Predictor) Assessment {
	profile := e.registry.Lookup(in.WorkloadClass)

	var pct float64
	if in.Ceiling > 0 {
		pct = float64(in.CurrentTokens) / float64(in.Ceiling) * 100
	}

	var (
		confidence float64
		factors    []Factor
	)
	w := e.cfg.Weights
	if pct >= profile.Optimize {
		confidence += w.TokenThreshold
		factors = append(factors, FactorTokenThreshold)
	}
	if in.Velocity > e.cfg.VelocityLimit {
		confidence += w.GrowthVelocity
		factors = append(factors, FactorGrowthVelocity)
	}
	if in.ConcurrentActors > e.cfg.ActorCeiling {
		confidence += w.AgentOverload
		factors = append(factors, FactorAgentOverload)
	}
	if in.MemoryPercent > e.cfg.MemoryLimit {
		confidence += w.MemoryPressure
		factors = append(factors, FactorMemoryPressure)
	}

	level := e.localLevel(pct, profile, confidence)

	a := Assessment{
		Timestamp:     e.now().UTC(),
		CurrentTokens: in.CurrentTokens,
		Ceiling:       in.Ceiling,
		UsagePercent:  pct,
		WorkloadClass: in.WorkloadClass,
		Status:        profile.Classify(pct),
		Factors:       factors,
	}

	if p != nil {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.PredictorTimeout)
		pred, err := p.Predict(pctx, State{
			Input:        in,
			UsagePercent: pct,
			Profile:      profile,
			LocalLevel:   level,
			Factors:      factors,
		})
		cancel()
		if err != nil {
			e.logger.Debug("predictor unavailable", "kind", faults.KindTransient, "error", err)
		} else {
			confidence = (confidence + clamp01(pred.Confidence)) / 2
			level = upgrade(level, pred.Level)
			a.Prediction = &pred
		}
	}

	a.Level = level
	a.Confidence = clamp01(confidence)
	a.RecommendedAction = ActionFor(level)
	return a
}

func (e *Engine) localLevel(pct float64, p threshold.Profile, confidence float64) Level {
	switch {
	case pct >= p.Emergency:
		return Critical
	case pct >= p.Critical:
		return High
	case pct >= p.Optimize:
		return Medium
	case confidence+scoreEpsilon >= e.cfg.HighConfidence:
		return High
	case confidence+scoreEpsilon >= e.cfg.MediumConfidence:
		return Medium
	default:
		return Low
	}
}

// upgrade raises local by an external opinion. It never lowers local.
func upgrade(local, external Level) Level {
	switch {
	case external == Critical && local < High:
		return High
	case external == High && local == Low:
		return Medium
	default:
		return local
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
