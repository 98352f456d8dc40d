package recovery

import (
	"context"
	"time"
)

// Actor is a concurrent sub-task as seen by the execution runtime.
type Actor struct {
	ID     string
	Tokens int64
	// LastUseful is when the actor last produced useful output.
	LastUseful time.Time
	// Essential actors are kept by cascade recovery while they fit the
	// essential budget.
	Essential bool
	// Context is the actor's working context, used to detect duplicates.
	Context []byte
}

// ActorRuntime controls the actors of the session.
type ActorRuntime interface {
	Actors(ctx context.Context) ([]Actor, error)
	// Suspend parks an actor and returns the tokens freed.
	Suspend(ctx context.Context, id string) (int64, error)
	// Terminate stops an actor and returns the tokens freed.
	Terminate(ctx context.Context, id string) (int64, error)
	// Deduplicate makes id share canonical's context and returns the
	// tokens freed.
	Deduplicate(ctx context.Context, id, canonical string) (int64, error)
}

// CacheEvictor drops cached and temporary state.
type CacheEvictor interface {
	Evict(ctx context.Context) (int64, error)
}

// ContentSource supplies the content handed to the compressor.
type ContentSource interface {
	Content(ctx context.Context) (string, error)
}

// Discarder drops live context beyond keep tokens and returns the tokens
// freed.
type Discarder interface {
	Discard(ctx context.Context, keep int64) (int64, error)
}

// SnapshotKind selects what a snapshot captures.
type SnapshotKind string

const (
	SnapshotActor     SnapshotKind = "actor"
	SnapshotEmergency SnapshotKind = "emergency"
	SnapshotMinimal   SnapshotKind = "minimal"
)

// Snapshotter persists a handoff bundle and returns its id.
type Snapshotter interface {
	Snapshot(ctx context.Context, kind SnapshotKind, reason string) (string, error)
}

// Budget is the usage ledger as seen by recovery.
type Budget interface {
	LiveTokens() int64
	Reclaim(ctx context.Context, actor string, tokens int64, origin string) error
	MarkInactive(actor string)
}

// ContentFunc adapts a function to ContentSource.
type ContentFunc func(ctx context.Context) (string, error)

// Content implements ContentSource.
func (f ContentFunc) Content(ctx context.Context) (string, error) { return f(ctx) }
