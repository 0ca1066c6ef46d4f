// Package poller reports the progress of a tenant's infrastructure operation.
package poller

import (
	"context"
	"fmt"
	"log/slog"

	"tenant-provisioner/internal/crossaccount"
	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/metrics"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/stack"
)

const op = "poll"

type Result struct {
	Phase   stack.Phase
	Status  stack.Status
	StackID string
	// Reason explains a failed phase.
	Reason string
}

// Poller makes one status check per call. Cadence and the attempt ceiling belong
// to the caller.
type Poller struct {
	tenants crossaccount.ClientSource
	entity  model.Entity
	log     *slog.Logger
}

func New(tenants crossaccount.ClientSource, entity model.Entity) *Poller {
	return &Poller{
		tenants: tenants,
		entity:  entity,
		log:     slog.Default().With(logger.Component("poller")),
	}
}

func (p *Poller) Poll(ctx context.Context, req model.Request) (Result, error) {
	if req.SubscriptionTier == model.TierPublic {
		// Public work is synchronous; there is nothing to wait for.
		return Result{Phase: stack.PhaseSucceeded}, nil
	}

	metrics.PollAttempts.WithLabelValues(string(req.Operation)).Inc()

	clients, err := p.tenants.Clients(ctx, req.TenantAccountID, req.TenantID)
	if err != nil {
		return Result{}, errs.New(errs.CategoryCrossAccountAuth, "cannot access tenant account").
			WithOp(op).WithTenant(req.TenantID).WithCause(err)
	}

	ref := req.StackID
	if ref == "" {
		ref = p.entity.StackName(req.TenantID)
	}
	d, err := stack.NewManager(clients.CloudFormation).Describe(ctx, ref)
	if err != nil {
		return Result{}, errs.Transient("failed to describe tenant stack").
			WithOp(op).WithTenant(req.TenantID).WithCause(err)
	}

	res := Result{
		Phase:   stack.Classify(req.Operation, d.Status),
		Status:  d.Status,
		StackID: d.StackID,
	}
	if res.Phase == stack.PhaseFailed {
		res.Reason = failureReason(req.Operation, d)
	}
	p.log.DebugContext(ctx, "stack status",
		logger.TenantID(req.TenantID), logger.StackID(d.StackID),
		slog.String("status", string(d.Status)), slog.String("phase", string(res.Phase)))
	return res, nil
}

func failureReason(operation model.Operation, d stack.Description) string {
	if operation == model.OperationCreate && d.Status == stack.NotFound {
		return "stack vanished during creation"
	}
	if d.Reason != "" {
		return fmt.Sprintf("stack %s: %s", d.Status, d.Reason)
	}
	return fmt.Sprintf("stack %s", d.Status)
}
