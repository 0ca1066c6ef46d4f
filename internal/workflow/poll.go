package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/poller"
	"tenant-provisioner/internal/stack"
)

// waitForStack polls at PollInterval until the operation reaches a terminal phase
// or PollMaxAttempts checks have been made. Transient poll errors use up an
// attempt; anything else ends the wait. The returned status is the execution
// status to record on failure.
func (o *Orchestrator) waitForStack(ctx context.Context, req model.Request) (string, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.poll")
	defer span.End()

	var (
		last     poller.Result
		attempts int
	)
	check := func() error {
		attempts++
		res, err := o.steps.Poller.Poll(ctx, req)
		if err != nil {
			if errs.IsCategory(err, errs.CategoryTransient) {
				o.log.WarnContext(ctx, "status check failed, will retry",
					logger.TenantID(req.TenantID), logger.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		last = res
		if res.Phase == stack.PhaseInProgress {
			return errPending
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.PollInterval), uint64(o.cfg.PollMaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(check, policy)
	switch {
	case err == nil && last.Phase == stack.PhaseSucceeded:
		return model.ExecutionSucceeded, nil
	case err == nil:
		return model.ExecutionFailed, errs.Anomalous(last.Reason).WithOp("poll").WithTenant(req.TenantID)
	case errors.Is(err, errPending):
		return model.ExecutionTimedOut, errs.Transient(fmt.Sprintf(
			"timed out after %d status checks, last status %s", attempts, last.Status)).
			WithOp("poll").WithTenant(req.TenantID)
	default:
		return model.ExecutionFailed, err
	}
}
