// Package deprovisioner removes a tenant's storage.
package deprovisioner

import (
	"context"
	"errors"
	"log/slog"

	"tenant-provisioner/internal/awsclient"
	"tenant-provisioner/internal/crossaccount"
	"tenant-provisioner/internal/datastore"
	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/stack"
)

const op = "deprovision"

type Config struct {
	Entity      model.Entity
	SharedTable string
	Retry       datastore.RetryPolicy
}

type Result struct {
	Phase   stack.Phase
	StackID string
	// Report is set for public tenants.
	Report *datastore.DeleteReport
}

type Deprovisioner struct {
	home    *awsclient.Bundle
	tenants crossaccount.ClientSource
	cfg     Config
	log     *slog.Logger
}

func New(home *awsclient.Bundle, tenants crossaccount.ClientSource, cfg Config) *Deprovisioner {
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = datastore.DefaultRetryPolicy()
	}
	return &Deprovisioner{
		home:    home,
		tenants: tenants,
		cfg:     cfg,
		log:     slog.Default().With(logger.Component("deprovisioner")),
	}
}

func (d *Deprovisioner) Deprovision(ctx context.Context, req model.Request) (Result, error) {
	switch req.SubscriptionTier {
	case model.TierPublic:
		return d.deleteShared(ctx, req)
	case model.TierPrivate:
		return d.deleteDedicated(ctx, req)
	}
	return Result{}, errs.Configuration("unknown subscription tier " + string(req.SubscriptionTier)).
		WithOp(op).WithTenant(req.TenantID)
}

// deleteShared removes every row of the tenant's partition. Rows left after the
// batch retries are reported but do not fail the run; a rejected batch does.
func (d *Deprovisioner) deleteShared(ctx context.Context, req model.Request) (Result, error) {
	table := datastore.NewTable(d.home.DynamoDB, d.cfg.SharedTable, d.cfg.Retry)
	report, err := table.DeletePartition(ctx, d.cfg.Entity.PartitionKey(req.TenantID))
	if err != nil {
		return Result{}, errs.Transient("failed to delete shared table partition").
			WithOp(op).WithTenant(req.TenantID).WithCause(err)
	}
	d.log.InfoContext(ctx, "public tenant data deleted",
		logger.TenantID(req.TenantID),
		slog.Int("found", report.Found),
		slog.Int("deleted", report.Deleted),
		slog.Int("unprocessed", report.Unprocessed))
	return Result{Phase: stack.PhaseSucceeded, Report: &report}, nil
}

func (d *Deprovisioner) deleteDedicated(ctx context.Context, req model.Request) (Result, error) {
	clients, err := d.tenants.Clients(ctx, req.TenantAccountID, req.TenantID)
	if err != nil {
		return Result{}, errs.New(errs.CategoryCrossAccountAuth, "cannot access tenant account").
			WithOp(op).WithTenant(req.TenantID).WithCause(err)
	}

	ref := req.StackID
	if ref == "" {
		ref = d.cfg.Entity.StackName(req.TenantID)
	}
	err = stack.NewManager(clients.CloudFormation).Delete(ctx, ref)
	if errors.Is(err, stack.ErrNoStack) {
		d.log.InfoContext(ctx, "tenant stack already gone", logger.TenantID(req.TenantID), logger.StackID(ref))
		return Result{Phase: stack.PhaseSucceeded, StackID: ref}, nil
	}
	if err != nil {
		return Result{}, errs.Transient("failed to delete tenant stack").
			WithOp(op).WithTenant(req.TenantID).WithCause(err)
	}
	d.log.InfoContext(ctx, "tenant stack deletion submitted", logger.TenantID(req.TenantID), logger.StackID(ref))
	return Result{Phase: stack.PhaseInProgress, StackID: ref}, nil
}
