package manager

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/metrics"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/registry"
)

// ReconcileReport counts what one sweep did.
type ReconcileReport struct {
	Stale      int
	Reconciled int
	Failed     int
	// Released counts settled tenants whose leftover execution handle was cleared.
	Released int
}

// settledStates never hold an execution handle once a run has recorded its outcome.
var settledStates = []model.State{
	model.StateActive, model.StateFailed, model.StateInactive, model.StateDeletionFailed,
}

// ReconcileStale finds creating/deleting tenants that have not moved for
// StaleAfter and hands each to the workflow: a recorded execution is resumed, a
// record without one is failed. Settled tenants still holding a handle after
// StaleAfter have it released. Errors on one tenant do not stop the sweep.
func (tm *TenantManager) ReconcileStale(ctx context.Context) (ReconcileReport, error) {
	candidates, err := tm.registry.List(ctx, registry.Filter{
		States: []model.State{model.StateCreating, model.StateDeleting},
	})
	if err != nil {
		return ReconcileReport{}, mapRegistryErr(err, "reconcile", "")
	}

	now := tm.now()
	var stale []model.Tenant
	for _, t := range candidates {
		if t.Stale(now, tm.cfg.StaleAfter) {
			stale = append(stale, t)
		}
	}
	metrics.StaleTenants.Set(float64(len(stale)))

	var reconciled, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tm.cfg.SweepConcurrency)
	for i := range stale {
		t := &stale[i]
		g.Go(func() error {
			if err := tm.workflow.Resume(gctx, t); err != nil {
				failed.Add(1)
				tm.log.ErrorContext(gctx, "failed to reconcile stale tenant",
					logger.TenantID(t.ID), logger.Error(err))
				return nil
			}
			reconciled.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}

	released, err := tm.releaseOrphanedHandles(ctx, now)
	if err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{
		Stale:      len(stale),
		Reconciled: int(reconciled.Load()),
		Failed:     int(failed.Load()),
		Released:   released,
	}
	if report.Stale > 0 || report.Released > 0 {
		tm.log.InfoContext(ctx, "stale sweep finished",
			"stale", report.Stale, "reconciled", report.Reconciled, "failed", report.Failed,
			"released", report.Released)
	}
	return report, nil
}

// releaseOrphanedHandles clears the handle of settled tenants whose run ended
// without releasing it. The write is conditional on the same state and handle.
func (tm *TenantManager) releaseOrphanedHandles(ctx context.Context, now time.Time) (int, error) {
	settled, err := tm.registry.List(ctx, registry.Filter{States: settledStates})
	if err != nil {
		return 0, mapRegistryErr(err, "reconcile", "")
	}

	released := 0
	for _, t := range settled {
		if !t.InFlight() || now.Sub(t.LastModified) <= tm.cfg.StaleAfter {
			continue
		}
		_, err := tm.registry.Apply(ctx, t.ID, registry.Mutation{
			ExpectStates:    []model.State{t.ProvisioningState},
			ExpectExecution: registry.Ptr(t.ExecutionArn),
			ExecutionArn:    registry.Ptr(""),
		})
		if err != nil {
			tm.log.WarnContext(ctx, "failed to release orphaned execution handle",
				logger.TenantID(t.ID), logger.Execution(t.ExecutionArn), logger.Error(err))
			continue
		}
		tm.log.WarnContext(ctx, "released orphaned execution handle",
			logger.TenantID(t.ID), logger.Execution(t.ExecutionArn),
			slog.String("state", string(t.ProvisioningState)))
		released++
	}
	return released, nil
}
