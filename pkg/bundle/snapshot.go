package bundle

import (
	"context"

	"github.com/aixgo-dev/contextguard/pkg/recovery"
)

// Snapshotter adapts a Manager to the recovery controller.
type Snapshotter struct {
	Manager *Manager
	// Compression is used for emergency and minimal bundles. Actor
	// snapshots use the manager default.
	Compression Compression
}

// Snapshot implements recovery.Snapshotter.
func (s Snapshotter) Snapshot(ctx context.Context, kind recovery.SnapshotKind, reason string) (string, error) {
	opts := SaveOptions{Reason: reason}
	switch kind {
	case recovery.SnapshotMinimal:
		opts.Type, opts.Priority, opts.Minimal = TypeMinimal, PriorityCritical, true
		opts.Compression = s.Compression
	case recovery.SnapshotEmergency:
		opts.Type, opts.Priority = TypeEmergency, PriorityHigh
		opts.Compression = s.Compression
	default:
		opts.Type, opts.Priority = TypeActor, PriorityNormal
	}
	return s.Manager.Save(ctx, opts)
}
