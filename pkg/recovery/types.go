package recovery

import (
	"fmt"
	"time"

	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/risk"
)

// Level is a recovery level. Higher levels shed more state.
type Level int

const (
	// LevelNone marks an attempt that did not escalate.
	LevelNone Level = iota
	LevelPreventive
	LevelRestructuring
	LevelEmergencyHandoff
	LevelCascade
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelPreventive:
		return "preventive"
	case LevelRestructuring:
		return "restructuring"
	case LevelEmergencyHandoff:
		return "emergency_handoff"
	case LevelCascade:
		return "cascade_recovery"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the four recovery levels.
func (l Level) Valid() bool {
	return l >= LevelPreventive && l <= LevelCascade
}

// State is the controller state.
type State string

const (
	StateMonitoring       State = "monitoring"
	StatePreventive       State = "preventive"
	StateRestructuring    State = "restructuring"
	StateEmergencyHandoff State = "emergency_handoff"
	StateCascadeRecovery  State = "cascade_recovery"
	StateRecovered        State = "recovered"
	StateExhausted        State = "exhausted"
)

// State returns the controller state while running l.
func (l Level) State() State {
	switch l {
	case LevelPreventive:
		return StatePreventive
	case LevelRestructuring:
		return StateRestructuring
	case LevelEmergencyHandoff:
		return StateEmergencyHandoff
	case LevelCascade:
		return StateCascadeRecovery
	default:
		return StateMonitoring
	}
}

// EntryLevel returns the level an episode triggered by a starts at.
func EntryLevel(a risk.Assessment) Level {
	switch a.RecommendedAction {
	case risk.ActionEmergencyCascade:
		return LevelEmergencyHandoff
	case risk.ActionImmediateOptimization:
		return LevelRestructuring
	default:
		return LevelPreventive
	}
}

// supersedeLevel returns the level a fresher assessment re-enters at, or
// LevelNone when it does not warrant superseding.
func supersedeLevel(a risk.Assessment) Level {
	switch a.Level {
	case risk.Critical:
		return LevelEmergencyHandoff
	case risk.High:
		return LevelRestructuring
	default:
		return LevelNone
	}
}

// LevelPolicy is the effectiveness target and time budget of a level.
type LevelPolicy struct {
	// Target is the required reduction in percent. Levels 1-3 measure it
	// against usage at level entry; level 4 against usage at episode start.
	Target float64 `yaml:"target"`
	// TimeBudget bounds the level. A soft budget is checked between
	// strategies; a hard budget is a deadline.
	TimeBudget time.Duration `yaml:"time_budget"`
	Hard       bool          `yaml:"hard"`
	// CallTimeout bounds each strategy call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultPolicies returns the default level policies.
func DefaultPolicies() map[Level]LevelPolicy {
	return map[Level]LevelPolicy{
		LevelPreventive:       {Target: 20, TimeBudget: 30 * time.Second, CallTimeout: 10 * time.Second},
		LevelRestructuring:    {Target: 35, TimeBudget: 60 * time.Second, CallTimeout: 15 * time.Second},
		LevelEmergencyHandoff: {Target: 50, TimeBudget: 90 * time.Second, CallTimeout: 20 * time.Second},
		LevelCascade:          {Target: 30, TimeBudget: 10 * time.Second, Hard: true, CallTimeout: 2 * time.Second},
	}
}

// ValidatePolicies checks that every level has a usable policy.
func ValidatePolicies(p map[Level]LevelPolicy) error {
	for l := LevelPreventive; l <= LevelCascade; l++ {
		policy, ok := p[l]
		if !ok {
			return faults.Configurationf("recovery.policies", "missing policy for level %d", l)
		}
		if policy.Target <= 0 || policy.Target > 100 {
			return faults.Configurationf("recovery.policies", "level %d target must be in (0,100], got %v", l, policy.Target)
		}
		if policy.TimeBudget <= 0 || policy.CallTimeout <= 0 {
			return faults.Configurationf("recovery.policies", "level %d needs positive time budget and call timeout", l)
		}
	}
	if !p[LevelCascade].Hard {
		return faults.Configurationf("recovery.policies", "level 4 time budget must be hard")
	}
	return nil
}

// CascadeSubSteps is the number of level 4 sub-steps, each bounded by the
// sub-step timeout.
const CascadeSubSteps = 4

// ValidateSubStepTimeout checks that a level 4 sub-step timeout is under a
// second and that every sub-step fits the level 4 time budget.
func ValidateSubStepTimeout(timeout time.Duration, p map[Level]LevelPolicy) error {
	if timeout <= 0 || timeout >= time.Second {
		return faults.Configurationf("recovery.sub_step_timeout", "sub-step timeout must be in (0,1s), got %s", timeout)
	}
	if budget := p[LevelCascade].TimeBudget; CascadeSubSteps*timeout > budget {
		return faults.Configurationf("recovery.sub_step_timeout",
			"%d sub-steps of %s exceed the level 4 time budget %s", CascadeSubSteps, timeout, budget)
	}
	return nil
}

// StrategyResult records one strategy invocation.
type StrategyResult struct {
	Name        string        `json:"name"`
	TokensSaved int64         `json:"tokens_saved"`
	Duration    time.Duration `json:"duration"`
	Err         string        `json:"error,omitempty"`
}

// Attempt is one run of one recovery level.
type Attempt struct {
	Level                Level            `json:"level"`
	StartTokens          int64            `json:"start_tokens"`
	Target               int64            `json:"target_tokens"`
	Strategies           []StrategyResult `json:"strategies"`
	TokensSavedTotal     int64            `json:"tokens_saved_total"`
	EffectivenessPercent float64          `json:"effectiveness_percent"`
	Success              bool             `json:"success"`
	Superseded           bool             `json:"superseded,omitempty"`
	EscalatedTo          Level            `json:"escalated_to"`
	Duration             time.Duration    `json:"duration"`
}

// Outcome is how an episode ended.
type Outcome string

const (
	OutcomeRecovered  Outcome = "recovered"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeSuperseded Outcome = "superseded"
)

// Episode is one run of the controller from its entry level to an outcome.
type Episode struct {
	ID          string           `json:"id"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Trigger     *risk.Assessment `json:"trigger,omitempty"`
	StartTokens int64            `json:"start_tokens"`
	FinalTokens int64            `json:"final_tokens"`
	Attempts    []Attempt        `json:"attempts"`
	Outcome     Outcome          `json:"outcome"`
	Bundle      string           `json:"bundle,omitempty"`
}

// Levels returns the level of every attempt in order.
func (e *Episode) Levels() []Level {
	out := make([]Level, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a.Level
	}
	return out
}

// TokensSaved sums the savings of every attempt.
func (e *Episode) TokensSaved() int64 {
	var total int64
	for _, a := range e.Attempts {
		total += a.TokensSavedTotal
	}
	return total
}
