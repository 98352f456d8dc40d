package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/contextguard/pkg/bundle"
)

// MaintenanceReport is the result of one maintenance run.
type MaintenanceReport struct {
	Mode   Mode               `json:"mode"`
	Sweep  bundle.SweepReport `json:"sweep"`
	Saved  string             `json:"saved,omitempty"`
	Errors []string           `json:"errors,omitempty"`
}

// Run evaluates risk after every ledger change until ctx is done. Changes
// arriving faster than the configured rate are coalesced. When a maintainer
// is configured the maintenance job runs on its schedule. Run waits for
// episodes it started before returning. A background episode that ends in
// a session-ending error, such as terminal budget exhaustion, stops Run with
// that error.
func (d *Dispatcher) Run(ctx context.Context) error {
	changes, unsubscribe := d.source.Subscribe()
	defer unsubscribe()
	defer d.episodes.Wait()

	if d.maintainer != nil && d.cfg.MaintenanceSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(d.cfg.MaintenanceSchedule, func() {
			if _, err := d.Maintain(ctx); err != nil {
				d.logger.Warn("maintenance failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule maintenance: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		d.logger.Info("maintenance scheduled", "schedule", d.cfg.MaintenanceSchedule)
	}

	// Evaluate once so a session that is already near its ceiling is acted on
	// before the next report.
	d.Evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			return d.Err()
		case err := <-d.fatal:
			return err
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if err := d.limiter.Wait(ctx); err != nil {
				return nil //nolint:nilerr // context ended while throttled
			}
			d.Evaluate(ctx)
		}
	}
}

// Maintain sweeps expired bundles and, when periodic saves are enabled,
// writes a scheduled bundle. Both steps run even if the other fails.
func (d *Dispatcher) Maintain(ctx context.Context) (MaintenanceReport, error) {
	report := MaintenanceReport{Mode: ModeMaintenance}
	if d.maintainer == nil {
		return report, nil
	}

	var errs []error
	sweep, err := d.maintainer.Sweep(ctx, d.now())
	report.Sweep = sweep
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep bundles: %w", err))
	}

	if d.cfg.PeriodicSave && !d.recoverer.Running() {
		id, err := d.maintainer.Save(ctx, bundle.SaveOptions{
			Type:     bundle.TypeScheduled,
			Priority: bundle.PriorityLow,
			Reason:   "scheduled maintenance",
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("save scheduled bundle: %w", err))
		}
		report.Saved = id
	}

	for _, err := range errs {
		report.Errors = append(report.Errors, err.Error())
	}
	d.logger.Info("maintenance finished",
		"archived", len(sweep.Archived), "deleted", len(sweep.Deleted), "saved", report.Saved,
		"errors", len(errs), "at", d.now().Format(time.RFC3339))
	return report, errors.Join(errs...)
}
