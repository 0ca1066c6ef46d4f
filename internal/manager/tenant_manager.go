// internal/manager/tenant_manager.go
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"tenant-provisioner/internal/consumer"
	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/lifecycle"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/registry"
)

// Workflow is implemented by workflow.Orchestrator.
type Workflow interface {
	Start(ctx context.Context, req model.Request) (*model.Tenant, error)
	Resume(ctx context.Context, t *model.Tenant) error
}

type Config struct {
	Entity        model.Entity
	SharedTable   string
	HomeAccountID string
	StaleAfter    time.Duration
	// SweepConcurrency bounds the resumes run in parallel by ReconcileStale.
	SweepConcurrency int
}

type TenantManager struct {
	registry registry.Store
	workflow Workflow
	ids      registry.IDGenerator
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	consumers map[string]*consumer.Consumer
}

func NewTenantManager(reg registry.Store, wf Workflow, cfg Config) *TenantManager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 45 * time.Minute
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 4
	}
	return &TenantManager{
		registry:  reg,
		workflow:  wf,
		cfg:       cfg,
		log:       slog.Default().With(logger.Component("manager")),
		now:       func() time.Time { return time.Now().UTC() },
		consumers: make(map[string]*consumer.Consumer),
	}
}

// OnboardInput is the onboarding form.
type OnboardInput struct {
	TenantName       string `json:"tenantName"`
	Email            string `json:"email"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	AdminUsername    string `json:"adminUsername"`
	AdminEmail       string `json:"adminEmail"`
	AdminPassword    string `json:"adminPassword,omitempty"`
	SubscriptionTier string `json:"subscriptionTier"`
	TenantAccountID  string `json:"tenantAccountId"`
	CreatedBy        string `json:"createdBy"`
}

func (in *OnboardInput) validate() (model.Tier, error) {
	var problems []string
	if strings.TrimSpace(in.TenantName) == "" {
		problems = append(problems, "tenantName is required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		problems = append(problems, "email is invalid")
	}
	if strings.TrimSpace(in.AdminUsername) == "" {
		problems = append(problems, "adminUsername is required")
	}
	if _, err := mail.ParseAddress(in.AdminEmail); err != nil {
		problems = append(problems, "adminEmail is invalid")
	}
	tier, err := model.ParseTier(in.SubscriptionTier)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if tier == model.TierPrivate && !model.ValidAccountID(in.TenantAccountID) {
		problems = append(problems, "tenantAccountId must be a 12 digit account id for the private tier")
	}
	if len(problems) > 0 {
		return "", errs.Configuration(strings.Join(problems, "; ")).WithOp("onboard")
	}
	return tier, nil
}

// Onboard registers a tenant under a freshly allocated id and starts provisioning.
// The returned record reflects the started execution, or the failure recorded when
// the execution could not be dispatched.
func (tm *TenantManager) Onboard(ctx context.Context, in OnboardInput) (*model.Tenant, error) {
	tier, err := in.validate()
	if err != nil {
		return nil, err
	}

	accountID := in.TenantAccountID
	if tier == model.TierPublic && !model.ValidAccountID(accountID) {
		// the shared table lives in the control-plane account
		accountID = tm.cfg.HomeAccountID
	}

	now := tm.now()
	t, err := registry.CreateWithGeneratedID(ctx, tm.registry, tm.ids, func(id string) *model.Tenant {
		table := tm.cfg.SharedTable
		if tier == model.TierPrivate {
			table = tm.cfg.Entity.DedicatedTableName(id)
		}
		return &model.Tenant{
			ID:                id,
			Name:              in.TenantName,
			Email:             in.Email,
			FirstName:         in.FirstName,
			LastName:          in.LastName,
			AdminUsername:     in.AdminUsername,
			AdminEmail:        in.AdminEmail,
			CreatedBy:         in.CreatedBy,
			SubscriptionTier:  tier,
			ProvisioningState: model.StateCreating,
			AccountID:         accountID,
			TableName:         table,
			RegisteredOn:      now,
			LastModified:      now,
		}
	})
	if err != nil {
		return nil, errs.Wrap(err, "onboard", "")
	}
	tm.log.InfoContext(ctx, "tenant registered",
		logger.TenantID(t.ID), logger.Tier(string(tier)), logger.AccountID(accountID))

	started, err := tm.workflow.Start(ctx, model.Request{
		Operation:        model.OperationCreate,
		TenantID:         t.ID,
		TenantAccountID:  accountID,
		SubscriptionTier: tier,
		TenantName:       t.Name,
		Email:            t.Email,
		FirstName:        t.FirstName,
		LastName:         t.LastName,
		AdminUsername:    t.AdminUsername,
		AdminEmail:       t.AdminEmail,
		AdminPassword:    in.AdminPassword,
		CreatedBy:        t.CreatedBy,
		RegisteredOn:     t.RegisteredOn,
	})
	if err != nil {
		if errs.IsCategory(err, errs.CategoryTransient) {
			// dispatch failed and the tenant is already marked failed
			if current, getErr := tm.registry.Get(ctx, t.ID); getErr == nil {
				return current, nil
			}
		}
		return nil, err
	}
	return started, nil
}

// ProfileInput is the editable part of a tenant.
type ProfileInput struct {
	TenantID      string `json:"tenantId"`
	TenantName    string `json:"tenantName"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	AdminUsername string `json:"adminUsername"`
	AdminEmail    string `json:"adminEmail"`
}

var editableStates = []model.State{
	model.StateCreating, model.StateActive, model.StateFailed,
	model.StateInactive, model.StateDeletionFailed,
}

// UpdateProfile replaces the profile fields. Tier and account are immutable.
func (tm *TenantManager) UpdateProfile(ctx context.Context, in ProfileInput) (*model.Tenant, error) {
	if in.TenantID == "" {
		return nil, errs.Configuration("tenantId is required").WithOp("update_profile")
	}
	if strings.TrimSpace(in.TenantName) == "" {
		return nil, errs.Configuration("tenantName is required").WithOp("update_profile").WithTenant(in.TenantID)
	}
	for _, addr := range []string{in.Email, in.AdminEmail} {
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, errs.Configuration(fmt.Sprintf("invalid email %q", addr)).
				WithOp("update_profile").WithTenant(in.TenantID)
		}
	}

	t, err := tm.registry.Apply(ctx, in.TenantID, registry.Mutation{
		ExpectStates: editableStates,
		Profile: &registry.Profile{
			Name:          in.TenantName,
			Email:         in.Email,
			FirstName:     in.FirstName,
			LastName:      in.LastName,
			AdminUsername: in.AdminUsername,
			AdminEmail:    in.AdminEmail,
		},
	})
	if err != nil {
		return nil, mapRegistryErr(err, "update_profile", in.TenantID)
	}
	return t, nil
}

// Offboard starts deprovisioning. The record itself is kept as deleted.
func (tm *TenantManager) Offboard(ctx context.Context, id string) (*model.Tenant, error) {
	if id == "" {
		return nil, errs.Configuration("tenantId is required").WithOp("offboard")
	}
	return tm.workflow.Start(ctx, model.Request{
		Operation: model.OperationDelete,
		TenantID:  id,
	})
}

func (tm *TenantManager) Suspend(ctx context.Context, id string) (*model.Tenant, error) {
	return tm.transition(ctx, id, lifecycle.Suspend)
}

func (tm *TenantManager) Activate(ctx context.Context, id string) (*model.Tenant, error) {
	return tm.transition(ctx, id, lifecycle.Activate)
}

// transition applies a direct state change that needs no infrastructure work.
func (tm *TenantManager) transition(ctx context.Context, id string, trigger lifecycle.Trigger) (*model.Tenant, error) {
	op := string(trigger)
	current, err := tm.registry.Get(ctx, id)
	if err != nil {
		return nil, mapRegistryErr(err, op, id)
	}
	if current.InFlight() {
		return nil, errs.Conflict("execution already in flight").WithOp(op).
			WithTenant(id).WithCause(registry.ErrExecutionInFlight)
	}
	next, err := lifecycle.Next(ctx, current.ProvisioningState, trigger)
	if err != nil {
		return nil, errs.Conflict("operation not allowed in current state").WithOp(op).
			WithTenant(id).WithCause(err)
	}

	t, err := tm.registry.Apply(ctx, id, registry.Mutation{
		ExpectStates:    []model.State{current.ProvisioningState},
		ExpectExecution: registry.Ptr(""),
		State:           &next,
	})
	if err != nil {
		return nil, mapRegistryErr(err, op, id)
	}
	tm.log.InfoContext(ctx, "tenant state changed", logger.TenantID(id),
		slog.String("from", string(current.ProvisioningState)), slog.String("to", string(next)))
	return t, nil
}

func (tm *TenantManager) Get(ctx context.Context, id string) (*model.Tenant, error) {
	t, err := tm.registry.Get(ctx, id)
	if err != nil {
		return nil, mapRegistryErr(err, "get", id)
	}
	return t, nil
}

func (tm *TenantManager) List(ctx context.Context, f registry.Filter) ([]model.Tenant, error) {
	tenants, err := tm.registry.List(ctx, f)
	if err != nil {
		return nil, errs.Wrap(err, "list", "")
	}
	if tenants == nil {
		tenants = []model.Tenant{}
	}
	return tenants, nil
}

// Status is the provisioning view of a tenant.
type Status struct {
	TenantID          string              `json:"tenantId"`
	SubscriptionTier  model.Tier          `json:"subscriptionTier"`
	ProvisioningState model.State         `json:"provisioningState"`
	ExecutionArn      string              `json:"stepFunctionExecutionArn,omitempty"`
	ExecutionStatus   string              `json:"stepFunctionStatus,omitempty"`
	StackID           string              `json:"cloudFormationStackId,omitempty"`
	TableName         string              `json:"tenantTableName"`
	ProvisioningError string              `json:"provisioningError,omitempty"`
	DeletionAttempts  int                 `json:"deletionAttempts"`
	LastModified      time.Time           `json:"lastModified"`
	Stale             bool                `json:"stale"`
	Permitted         []lifecycle.Trigger `json:"permittedTransitions"`
}

func (tm *TenantManager) ProvisioningStatus(ctx context.Context, id string) (*Status, error) {
	t, err := tm.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{
		TenantID:          t.ID,
		SubscriptionTier:  t.SubscriptionTier,
		ProvisioningState: t.ProvisioningState,
		ExecutionArn:      t.ExecutionArn,
		ExecutionStatus:   t.ExecutionStatus,
		StackID:           t.StackID,
		TableName:         t.TableName,
		ProvisioningError: t.ProvisioningError,
		DeletionAttempts:  t.DeletionAttempts,
		LastModified:      t.LastModified,
		Stale:             t.Stale(tm.now(), tm.cfg.StaleAfter),
		Permitted:         lifecycle.Permitted(ctx, t.ProvisioningState),
	}, nil
}

// AttachConsumer registers a running queue consumer so its pool can be rescaled
// and stopped through the manager.
func (tm *TenantManager) AttachConsumer(c *consumer.Consumer) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.consumers[c.QueueName] = c
}

func (tm *TenantManager) SetWorkerCount(queue string, n int) error {
	if n <= 0 {
		return errs.Configuration("worker count must be positive").WithOp("set_worker_count")
	}

	tm.mu.RLock()
	c, ok := tm.consumers[queue]
	tm.mu.RUnlock()
	if !ok {
		return errs.NotFound("queue", queue).WithOp("set_worker_count")
	}

	c.SetWorkerCount(n)
	return nil
}

// ShutdownAll stops every attached consumer and waits for in-flight runs.
func (tm *TenantManager) ShutdownAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for queue, c := range tm.consumers {
		c.Stop()
		tm.log.Info("stopped consumer", slog.String("queue", queue))
	}
	tm.consumers = make(map[string]*consumer.Consumer)
}

func mapRegistryErr(err error, op, id string) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return errs.NotFound("tenant", id).WithOp(op)
	case errors.Is(err, registry.ErrPrecondition):
		return errs.Conflict("tenant changed concurrently or is in a state that does not allow this").
			WithOp(op).WithTenant(id).WithCause(err)
	}
	return errs.Wrap(err, op, id)
}
