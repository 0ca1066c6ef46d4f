// Package provisioner creates a tenant's storage: an init marker in the shared table
// for the public tier, a dedicated CloudFormation stack for the private tier.
package provisioner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tenant-provisioner/internal/awsclient"
	"tenant-provisioner/internal/crossaccount"
	"tenant-provisioner/internal/datastore"
	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/lifecycle"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/registry"
	"tenant-provisioner/internal/stack"
)

const op = "provision"

type Config struct {
	Entity      model.Entity
	SharedTable string
}

// Result of one provision step. Public provisioning is synchronous and returns
// PhaseSucceeded; private provisioning returns PhaseInProgress with the stack id.
type Result struct {
	Phase     stack.Phase
	StackID   string
	TableName string
}

type Provisioner struct {
	home     *awsclient.Bundle
	tenants  crossaccount.ClientSource
	registry registry.Store
	cfg      Config
	log      *slog.Logger
}

// New returns a Provisioner. home holds the control-plane clients used for the
// shared table; tenants hands out clients scoped to a tenant account.
func New(home *awsclient.Bundle, tenants crossaccount.ClientSource, reg registry.Store, cfg Config) *Provisioner {
	return &Provisioner{
		home:     home,
		tenants:  tenants,
		registry: reg,
		cfg:      cfg,
		log:      slog.Default().With(logger.Component("provisioner")),
	}
}

func (p *Provisioner) Provision(ctx context.Context, req model.Request) (Result, error) {
	switch req.SubscriptionTier {
	case model.TierPublic:
		return p.provisionShared(ctx, req)
	case model.TierPrivate:
		return p.provisionDedicated(ctx, req)
	}
	return Result{}, errs.Configuration("unknown subscription tier " + string(req.SubscriptionTier)).
		WithOp(op).WithTenant(req.TenantID)
}

func (p *Provisioner) provisionShared(ctx context.Context, req model.Request) (Result, error) {
	table := datastore.NewTable(p.home.DynamoDB, p.cfg.SharedTable, datastore.DefaultRetryPolicy())
	attrs := map[string]string{
		"tenantId":         req.TenantID,
		"subscriptionTier": string(model.TierPublic),
	}
	if err := table.EnsureInitMarker(ctx, p.cfg.Entity.PartitionKey(req.TenantID), attrs); err != nil {
		return Result{}, errs.Transient("failed to write shared table init marker").
			WithOp(op).WithTenant(req.TenantID).WithCause(err)
	}
	p.log.InfoContext(ctx, "public tenant provisioned",
		logger.TenantID(req.TenantID), logger.Table(p.cfg.SharedTable))
	return Result{Phase: stack.PhaseSucceeded, TableName: p.cfg.SharedTable}, nil
}

func (p *Provisioner) provisionDedicated(ctx context.Context, req model.Request) (Result, error) {
	clients, err := p.tenants.Clients(ctx, req.TenantAccountID, req.TenantID)
	if err != nil {
		var authErr *crossaccount.CrossAccountAuthError
		if errors.As(err, &authErr) {
			failure := errs.New(errs.CategoryCrossAccountAuth, "cannot access tenant account").
				WithOp(op).WithTenant(req.TenantID).WithCause(err)
			p.markFailed(ctx, req, failure)
			return Result{}, failure
		}
		return Result{}, errs.Wrap(err, op, req.TenantID)
	}

	name := p.cfg.Entity.StackName(req.TenantID)
	tableName := p.cfg.Entity.DedicatedTableName(req.TenantID)
	stackID, err := stack.NewManager(clients.CloudFormation).Create(ctx, name, stack.TableTemplate{
		TableName: tableName,
		TenantID:  req.TenantID,
		Entity:    string(p.cfg.Entity),
	})
	if err != nil {
		return Result{}, errs.Transient("failed to create tenant stack").
			WithOp(op).WithTenant(req.TenantID).WithCause(err)
	}

	p.log.InfoContext(ctx, "tenant stack submitted",
		logger.TenantID(req.TenantID), logger.AccountID(req.TenantAccountID), logger.StackID(stackID))
	return Result{Phase: stack.PhaseInProgress, StackID: stackID, TableName: tableName}, nil
}

// markFailed records an authorization failure on the tenant while the run still
// owns it. The same write releases the execution handle, so the tenant is never
// left failed with a run attached even if nothing after this step gets recorded.
func (p *Provisioner) markFailed(ctx context.Context, req model.Request, cause error) {
	next, err := lifecycle.Next(ctx, model.StateCreating, lifecycle.ProvisionFailed)
	if err != nil {
		p.log.ErrorContext(ctx, "no failed transition from creating", logger.Error(err))
		return
	}
	m := registry.Mutation{
		ExpectStates:      []model.State{model.StateCreating},
		State:             &next,
		ExecutionArn:      registry.Ptr(""),
		ExecutionStatus:   registry.Ptr(model.ExecutionFailed),
		ProvisioningError: registry.Ptr(cause.Error()),
	}
	if req.ExecutionArn != "" {
		m.ExpectExecution = registry.Ptr(req.ExecutionArn)
	}
	if _, err := p.registry.Apply(ctx, req.TenantID, m); err != nil {
		p.log.WarnContext(ctx, "could not record cross-account failure",
			logger.TenantID(req.TenantID), logger.Error(err))
		return
	}
	p.log.ErrorContext(ctx, "cross-account access failed, tenant marked failed",
		logger.TenantID(req.TenantID), logger.AccountID(req.TenantAccountID),
		logger.Error(cause), slog.Time("at", time.Now().UTC()))
}
