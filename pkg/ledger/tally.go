package ledger

import "maps"

// Tally is the set of budgets derived from an attribution log.
type Tally struct {
	Epoch   int              `json:"epoch"`
	Events  int64            `json:"events"`
	Budgets map[Scope]Budget `json:"budgets"`
}

// NewTally returns an empty tally whose session budget is ceiling.
func NewTally(ceiling int64) Tally {
	return Tally{
		Budgets: map[Scope]Budget{
			SessionScope: {Scope: SessionScope, Allocated: ceiling},
		},
	}
}

// Replay reconstructs every budget from an event sequence. Replaying the
// full log of a session yields exactly the budgets the ledger holds.
func Replay(ceiling int64, events []UsageEvent) Tally {
	t := NewTally(ceiling)
	for _, ev := range events {
		t.Apply(ev)
	}
	return t
}

// Session returns the session-wide budget.
func (t Tally) Session() Budget {
	return t.Budgets[SessionScope]
}

// Clone returns a deep copy.
func (t Tally) Clone() Tally {
	t.Budgets = maps.Clone(t.Budgets)
	return t
}

func (t *Tally) budget(s Scope) Budget {
	b, ok := t.Budgets[s]
	if !ok {
		b = Budget{Scope: s}
	}
	return b
}

// Apply folds one event into the tally.
func (t *Tally) Apply(ev UsageEvent) {
	if t.Budgets == nil {
		t.Budgets = map[Scope]Budget{}
	}
	t.Events++

	switch ev.Kind {
	case EventReset:
		t.Epoch = ev.Epoch
		for s, b := range t.Budgets {
			b.Used, b.Reclaimed = 0, 0
			t.Budgets[s] = b
		}

	case EventAllocate:
		if ev.Scope == nil {
			return
		}
		b := t.budget(*ev.Scope)
		b.Allocated = ev.Tokens
		t.Budgets[*ev.Scope] = b

	case EventUsage:
		for _, s := range t.scopesOf(ev) {
			b := t.budget(s)
			b.Used += ev.Tokens
			t.Budgets[s] = b
		}

	case EventReclaim:
		for _, s := range t.scopesOf(ev) {
			b := t.budget(s)
			amount := min(ev.Tokens, b.Live())
			if amount > 0 {
				b.Reclaimed += amount
			}
			t.Budgets[s] = b
		}
	}
}

func (t *Tally) scopesOf(ev UsageEvent) []Scope {
	scopes := []Scope{SessionScope}
	if ev.Actor != "" {
		scopes = append(scopes, ActorScope(ev.Actor))
	}
	if ev.Scenario != "" {
		scopes = append(scopes, ScenarioScope(ev.Scenario))
	}
	return scopes
}
