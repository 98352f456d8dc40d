package recovery

import (
	"context"
	"sync"
)

type fakeBudget struct {
	mu       sync.Mutex
	live     int64
	reclaims []string
	inactive []string
}

func newFakeBudget(live int64) *fakeBudget { return &fakeBudget{live: live} }

func (b *fakeBudget) LiveTokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

func (b *fakeBudget) Reclaim(_ context.Context, _ string, tokens int64, origin string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live = max(b.live-tokens, 0)
	b.reclaims = append(b.reclaims, origin)
	return nil
}

func (b *fakeBudget) MarkInactive(actor string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inactive = append(b.inactive, actor)
}

func (b *fakeBudget) origins() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reclaims...)
}

type fakeRuntime struct {
	mu         sync.Mutex
	actors     []Actor
	hang       chan struct{}
	suspended  []string
	terminated []string
	merged     map[string]string
}

func (r *fakeRuntime) Actors(context.Context) ([]Actor, error) {
	if r.hang != nil {
		<-r.hang
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Actor(nil), r.actors...), nil
}

func (r *fakeRuntime) tokens(id string) int64 {
	for _, a := range r.actors {
		if a.ID == id {
			return a.Tokens
		}
	}
	return 0
}

func (r *fakeRuntime) Suspend(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended = append(r.suspended, id)
	return r.tokens(id), nil
}

func (r *fakeRuntime) Terminate(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, id)
	return r.tokens(id), nil
}

func (r *fakeRuntime) Deduplicate(_ context.Context, id, canonical string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.merged == nil {
		r.merged = map[string]string{}
	}
	r.merged[id] = canonical
	return r.tokens(id), nil
}

type fakeSnapshots struct {
	mu    sync.Mutex
	kinds []SnapshotKind
}

func (s *fakeSnapshots) Snapshot(_ context.Context, kind SnapshotKind, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	return "20261014_120000_" + []string{"aaaaaaaa", "bbbbbbbb", "cccccccc", "dddddddd"}[len(s.kinds)%4], nil
}

type discardFunc func(ctx context.Context, keep int64) (int64, error)

func (f discardFunc) Discard(ctx context.Context, keep int64) (int64, error) { return f(ctx, keep) }

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingAlerter) levels() []Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Level
	for _, a := range r.alerts {
		out = append(out, a.Level)
	}
	return out
}

// saving returns a strategy that frees pct percent of the current usage.
func saving(name string, pct int64) Strategy {
	return FuncStrategy{StrategyName: name, Fn: func(_ context.Context, current int64) (int64, error) {
		return current * pct / 100, nil
	}}
}

// nothing returns a strategy that frees nothing.
func nothing(name string) Strategy {
	return FuncStrategy{StrategyName: name, Fn: func(context.Context, int64) (int64, error) { return 0, nil }}
}
