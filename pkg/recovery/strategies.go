package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/aixgo-dev/contextguard/pkg/compressor"
	"github.com/aixgo-dev/contextguard/pkg/risk"
)

// Strategy reduces live usage and reports the tokens it actually freed.
type Strategy interface {
	Name() string
	// Factors lists the risk factors this strategy addresses first.
	Factors() []risk.Factor
	Apply(ctx context.Context, current int64) (int64, error)
}

// Strategy names.
const (
	NameContentCompression    = "content_compression"
	NameDuplicateElimination  = "duplicate_elimination"
	NameActorSuspension       = "actor_suspension"
	NameCacheEviction         = "cache_eviction"
	NameAggressiveCompression = "aggressive_compression"
	NameEmergencySnapshot     = "emergency_snapshot"
)

// errNoCollaborator is returned by strategies whose collaborator is absent.
var errNoCollaborator = errors.New("collaborator not configured")

// pinned is implemented by strategies that always run first.
type pinned interface {
	pinned() bool
}

// orderByFactors moves strategies addressing any present factor to the
// front, keeping catalogue order within each group. Pinned strategies stay
// ahead of both groups.
func orderByFactors(strategies []Strategy, factors []risk.Factor) []Strategy {
	present := make(map[risk.Factor]bool, len(factors))
	for _, f := range factors {
		present[f] = true
	}

	rank := func(s Strategy) int {
		if p, ok := s.(pinned); ok && p.pinned() {
			return 0
		}
		for _, f := range s.Factors() {
			if present[f] {
				return 1
			}
		}
		return 2
	}

	ordered := make([]Strategy, len(strategies))
	copy(ordered, strategies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return rank(ordered[i]) < rank(ordered[j])
	})
	return ordered
}

// compression hands the session content to the compressor.
type compression struct {
	name         string
	compressor   compressor.Compressor
	content      ContentSource
	target       float64
	preservation float64
	maxTime      time.Duration
	aggressive   bool
}

func (c *compression) Name() string { return c.name }

func (c *compression) Factors() []risk.Factor {
	return []risk.Factor{risk.FactorTokenThreshold, risk.FactorGrowthVelocity}
}

func (c *compression) Apply(ctx context.Context, current int64) (int64, error) {
	if c.compressor == nil {
		return 0, errNoCollaborator
	}
	var content string
	if c.content != nil {
		var err error
		if content, err = c.content.Content(ctx); err != nil {
			return 0, fmt.Errorf("read content: %w", err)
		}
	}

	res, err := c.compressor.Compress(ctx, compressor.Request{
		Content:                content,
		TargetReductionPercent: c.target,
		PreservationThreshold:  c.preservation,
		MaxTime:                c.maxTime,
		Aggressive:             c.aggressive,
	})
	if err != nil {
		return 0, err
	}
	return min(max(res.TokensSaved, 0), current), nil
}

// duplicateElimination collapses actors working on identical contexts.
type duplicateElimination struct {
	runtime ActorRuntime
}

func (d *duplicateElimination) Name() string { return NameDuplicateElimination }

func (d *duplicateElimination) Factors() []risk.Factor {
	return []risk.Factor{risk.FactorAgentOverload}
}

func (d *duplicateElimination) Apply(ctx context.Context, current int64) (int64, error) {
	if d.runtime == nil {
		return 0, errNoCollaborator
	}
	actors, err := d.runtime.Actors(ctx)
	if err != nil {
		return 0, fmt.Errorf("list actors: %w", err)
	}

	groups := map[[32]byte][]Actor{}
	var order [][32]byte
	for _, a := range actors {
		if len(a.Context) == 0 {
			continue
		}
		sum := blake3.Sum256(a.Context)
		if _, seen := groups[sum]; !seen {
			order = append(order, sum)
		}
		groups[sum] = append(groups[sum], a)
	}

	var saved int64
	var errs []error
	for _, sum := range order {
		group := groups[sum]
		if len(group) < 2 {
			continue
		}
		// The most recently useful actor keeps the context.
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].LastUseful.After(group[j].LastUseful)
		})
		canonical := group[0].ID
		for _, dup := range group[1:] {
			if err := ctx.Err(); err != nil {
				return saved, err
			}
			freed, err := d.runtime.Deduplicate(ctx, dup.ID, canonical)
			if err != nil {
				errs = append(errs, fmt.Errorf("deduplicate %s: %w", dup.ID, err))
				continue
			}
			saved += freed
		}
	}
	return min(saved, current), errors.Join(errs...)
}

// actorSuspension snapshots and suspends the least recently useful actor.
type actorSuspension struct {
	runtime   ActorRuntime
	snapshots Snapshotter
	budget    Budget
}

func (a *actorSuspension) Name() string { return NameActorSuspension }

func (a *actorSuspension) Factors() []risk.Factor {
	return []risk.Factor{risk.FactorAgentOverload, risk.FactorMemoryPressure}
}

func (a *actorSuspension) Apply(ctx context.Context, current int64) (int64, error) {
	if a.runtime == nil {
		return 0, errNoCollaborator
	}
	actors, err := a.runtime.Actors(ctx)
	if err != nil {
		return 0, fmt.Errorf("list actors: %w", err)
	}

	var victim *Actor
	for i := range actors {
		c := &actors[i]
		if c.Essential || c.Tokens <= 0 {
			continue
		}
		if victim == nil || c.LastUseful.Before(victim.LastUseful) {
			victim = c
		}
	}
	if victim == nil {
		return 0, nil
	}

	if a.snapshots != nil {
		if _, err := a.snapshots.Snapshot(ctx, SnapshotActor, "suspend "+victim.ID); err != nil {
			return 0, fmt.Errorf("snapshot before suspending %s: %w", victim.ID, err)
		}
	}

	freed, err := a.runtime.Suspend(ctx, victim.ID)
	if err != nil {
		return 0, fmt.Errorf("suspend %s: %w", victim.ID, err)
	}
	if a.budget != nil {
		a.budget.MarkInactive(victim.ID)
	}
	return min(freed, current), nil
}

// cacheEviction drops cached and temporary state.
type cacheEviction struct {
	evictor CacheEvictor
}

func (c *cacheEviction) Name() string { return NameCacheEviction }

func (c *cacheEviction) Factors() []risk.Factor {
	return []risk.Factor{risk.FactorMemoryPressure}
}

func (c *cacheEviction) Apply(ctx context.Context, current int64) (int64, error) {
	if c.evictor == nil {
		return 0, errNoCollaborator
	}
	freed, err := c.evictor.Evict(ctx)
	if err != nil {
		return 0, err
	}
	return min(max(freed, 0), current), nil
}

// emergencySnapshot writes an emergency bundle. It frees nothing itself.
type emergencySnapshot struct {
	snapshots Snapshotter
	record    func(id string)
}

func (e *emergencySnapshot) Name() string { return NameEmergencySnapshot }

func (e *emergencySnapshot) Factors() []risk.Factor { return nil }

// The handoff bundle is written before anything is shed.
func (e *emergencySnapshot) pinned() bool { return true }

func (e *emergencySnapshot) Apply(ctx context.Context, _ int64) (int64, error) {
	if e.snapshots == nil {
		return 0, errNoCollaborator
	}
	id, err := e.snapshots.Snapshot(ctx, SnapshotEmergency, "emergency handoff")
	if err != nil {
		return 0, err
	}
	if e.record != nil {
		e.record(id)
	}
	return 0, nil
}

// FuncStrategy adapts a function to Strategy.
type FuncStrategy struct {
	StrategyName    string
	StrategyFactors []risk.Factor
	Fn              func(ctx context.Context, current int64) (int64, error)
}

func (f FuncStrategy) Name() string           { return f.StrategyName }
func (f FuncStrategy) Factors() []risk.Factor { return f.StrategyFactors }

func (f FuncStrategy) Apply(ctx context.Context, current int64) (int64, error) {
	return f.Fn(ctx, current)
}
