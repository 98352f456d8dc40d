package ledger

import (
	"fmt"
	"strings"
	"time"
)

// ScopeKind identifies what a budget is charged against.
type ScopeKind string

const (
	ScopeSession  ScopeKind = "session"
	ScopeActor    ScopeKind = "actor"
	ScopeScenario ScopeKind = "scenario"
)

// Scope names a budget.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// SessionScope is the scope of the session-wide budget.
var SessionScope = Scope{Kind: ScopeSession}

// ActorScope returns the budget scope of an actor.
func ActorScope(id string) Scope { return Scope{Kind: ScopeActor, ID: id} }

// ScenarioScope returns the budget scope of a scenario.
func ScenarioScope(id string) Scope { return Scope{Kind: ScopeScenario, ID: id} }

func (s Scope) String() string {
	if s.ID == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.ID
}

// MarshalText encodes the scope as kind or kind:id.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses kind or kind:id.
func (s *Scope) UnmarshalText(text []byte) error {
	kind, id, _ := strings.Cut(string(text), ":")
	switch ScopeKind(kind) {
	case ScopeSession, ScopeActor, ScopeScenario:
	default:
		return fmt.Errorf("unknown scope kind %q", kind)
	}
	s.Kind = ScopeKind(kind)
	s.ID = id
	return nil
}

// Budget is an allocation and the usage charged against it. Used only grows
// until the ledger is reset. Reclaimed counts tokens freed by recovery, so
// the live usage is Used - Reclaimed.
type Budget struct {
	Scope     Scope `json:"scope"`
	Allocated int64 `json:"allocated"`
	Used      int64 `json:"used"`
	Reclaimed int64 `json:"reclaimed"`
}

// Live returns the usage currently occupying the budget.
func (b Budget) Live() int64 {
	return b.Used - b.Reclaimed
}

// Remaining returns the unused allocation, clamped at zero.
func (b Budget) Remaining() int64 {
	if r := b.Allocated - b.Live(); r > 0 {
		return r
	}
	return 0
}

// Overrun returns how far live usage exceeds the allocation.
func (b Budget) Overrun() int64 {
	if o := b.Live() - b.Allocated; o > 0 {
		return o
	}
	return 0
}

// Percent returns live usage as a percentage of the allocation.
func (b Budget) Percent() float64 {
	if b.Allocated <= 0 {
		return 0
	}
	return float64(b.Live()) / float64(b.Allocated) * 100
}

// EventKind distinguishes entries of the attribution log.
type EventKind string

const (
	EventUsage    EventKind = "usage"
	EventReclaim  EventKind = "reclaim"
	EventAllocate EventKind = "allocate"
	EventReset    EventKind = "reset"
)

// UsageEvent is one immutable entry of the attribution log.
type UsageEvent struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Epoch     int       `json:"epoch"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Actor     string    `json:"actor,omitempty"`
	Scenario  string    `json:"scenario,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Tokens    int64     `json:"tokens"`
	Category  string    `json:"category,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Scope     *Scope    `json:"scope,omitempty"`
}

// UsageReport is the caller's description of consumed tokens.
type UsageReport struct {
	Actor     string
	Operation string
	Tokens    int64
	Category  string
	Origin    string
	Scenario  string
}

// Sample is a point of the live-usage history.
type Sample struct {
	At    time.Time `json:"at"`
	Delta int64     `json:"delta"`
	Live  int64     `json:"live"`
}

// Session is the persisted per-session state document.
type Session struct {
	ID            string               `json:"id"`
	Epoch         int                  `json:"epoch"`
	WorkloadClass string               `json:"workload_class"`
	StartedAt     time.Time            `json:"started_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	EventCount    int64                `json:"event_count"`
	LastActor     string               `json:"last_actor,omitempty"`
	LastOperation string               `json:"last_operation,omitempty"`
	Actors        map[string]time.Time `json:"actors"`
}

// Snapshot is a read-only view of the session budget.
type Snapshot struct {
	SessionID     string    `json:"session_id"`
	WorkloadClass string    `json:"workload_class"`
	Epoch         int       `json:"epoch"`
	Ceiling       int64     `json:"ceiling"`
	Used          int64     `json:"used"`
	Reclaimed     int64     `json:"reclaimed"`
	Live          int64     `json:"live"`
	Remaining     int64     `json:"remaining"`
	Overrun       int64     `json:"overrun"`
	Percent       float64   `json:"percent"`
	Events        int64     `json:"events"`
	ActiveActors  int       `json:"active_actors"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RestoreInput seeds a fresh ledger epoch from a handoff bundle.
type RestoreInput struct {
	// Used is the live session usage recorded in the bundle.
	Used int64
	// Actors maps actor names to their recorded usage. Usage not covered
	// by an actor is charged to the session only.
	Actors map[string]int64
	// Origin identifies the bundle the state came from.
	Origin string
}
