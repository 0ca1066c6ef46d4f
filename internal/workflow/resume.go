package workflow

import (
	"context"
	"errors"
	"fmt"

	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/lifecycle"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/registry"
)

// RequestFor rebuilds the request of the execution recorded on t.
func RequestFor(t *model.Tenant, op model.Operation) model.Request {
	return model.Request{
		Operation:        op,
		ExecutionArn:     t.ExecutionArn,
		TenantID:         t.ID,
		TenantAccountID:  t.AccountID,
		SubscriptionTier: t.SubscriptionTier,
		TenantName:       t.Name,
		Email:            t.Email,
		FirstName:        t.FirstName,
		LastName:         t.LastName,
		AdminUsername:    t.AdminUsername,
		AdminEmail:       t.AdminEmail,
		CreatedBy:        t.CreatedBy,
		RegisteredOn:     t.RegisteredOn,
		StackID:          t.StackID,
	}
}

func operationFor(state model.State) (model.Operation, lifecycle.Trigger, bool) {
	switch state {
	case model.StateCreating:
		return model.OperationCreate, lifecycle.ProvisionFailed, true
	case model.StateDeleting:
		return model.OperationDelete, lifecycle.DeleteFailed, true
	}
	return "", "", false
}

// Resume re-dispatches the execution recorded on a tenant stuck in a transient
// state. Every step is idempotent, so the resumed run repeats the work of the lost
// one safely. A record without a handle has nothing to resume and is failed.
func (o *Orchestrator) Resume(ctx context.Context, t *model.Tenant) error {
	op, failTrigger, ok := operationFor(t.ProvisioningState)
	if !ok {
		return errs.Conflict("tenant is not in a transient state").WithOp("resume").WithTenant(t.ID)
	}
	req := RequestFor(t, op)
	if req.Operation == model.OperationDelete && req.SubscriptionTier == model.TierPrivate && req.StackID == "" {
		req.StackID = o.cfg.Entity.StackName(t.ID)
	}

	if !t.InFlight() {
		return o.fail(ctx, req, failTrigger, model.ExecutionFailed,
			errs.Anomalous("execution lost before it recorded a handle").WithOp("resume").WithTenant(t.ID))
	}

	// Touch the record so the sweep does not pick it up again before the run reports.
	_, err := o.registry.Apply(ctx, t.ID, registry.Mutation{
		ExpectStates:    []model.State{t.ProvisioningState},
		ExpectExecution: registry.Ptr(t.ExecutionArn),
	})
	if errors.Is(err, registry.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim stale tenant %s: %w", t.ID, err)
	}

	o.log.InfoContext(ctx, "resuming stale execution",
		logger.TenantID(t.ID), logger.Operation(string(op)), logger.Execution(t.ExecutionArn))
	if err := o.dispatcher.Dispatch(ctx, req); err != nil {
		return o.fail(ctx, req, failTrigger, model.ExecutionFailed, fmt.Errorf("dispatch failed: %w", err))
	}
	return nil
}
