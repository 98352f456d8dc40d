package bundle

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepReport lists what a retention sweep changed.
type SweepReport struct {
	Archived []string `json:"archived"`
	Deleted  []string `json:"deleted"`
	Failed   []string `json:"failed,omitempty"`
}

var sweepOrder = []Partition{PartitionActive, PartitionEmergency, PartitionArchive, PartitionQuarantine}

// Sweep applies retention: active and emergency bundles past their retention
// move to the archive; archived and quarantined bundles past theirs are
// deleted. Age is measured from the stored modification time, which a move
// resets, so archive retention counts from archiving. Partitions are
// listed before anything moves, so one sweep never archives and deletes the
// same bundle.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	listed := make([][]Ref, len(sweepOrder))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range sweepOrder {
		g.Go(func() error {
			refs, err := m.List(gctx, p)
			listed[i] = refs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for i, p := range sweepOrder {
		retention, archive := m.retention(p)
		for _, ref := range listed[i] {
			if now.Sub(ref.ModTime) <= retention {
				continue
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			var err error
			if archive {
				err = m.move(ctx, ref, PartitionArchive)
			} else {
				err = m.delete(ctx, ref)
			}
			switch {
			case err != nil:
				m.logger.Warn("sweep failed", "bundle", ref.ID, "partition", string(p), "error", err)
				report.Failed = append(report.Failed, ref.ID)
			case archive:
				report.Archived = append(report.Archived, ref.ID)
			default:
				report.Deleted = append(report.Deleted, ref.ID)
			}
		}
	}

	m.logger.Info("bundle sweep finished", "archived", len(report.Archived), "deleted", len(report.Deleted),
		"failed", len(report.Failed))
	return report, nil
}

// retention returns how long bundles stay in p and whether they are archived
// rather than deleted afterwards.
func (m *Manager) retention(p Partition) (time.Duration, bool) {
	switch p {
	case PartitionActive:
		return m.cfg.ActiveRetention, true
	case PartitionEmergency:
		return m.cfg.EmergencyRetention, true
	case PartitionArchive:
		return m.cfg.ArchiveRetention, false
	default:
		return m.cfg.QuarantineRetention, false
	}
}
