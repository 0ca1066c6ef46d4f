// Package workflow runs provisioning executions: it owns the registry transitions
// and sequences the provision, poll, finalize and deprovision steps.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tenant-provisioner/internal/crossaccount"
	"tenant-provisioner/internal/datastore"
	"tenant-provisioner/internal/deprovisioner"
	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/lifecycle"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/metrics"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/poller"
	"tenant-provisioner/internal/provisioner"
	"tenant-provisioner/internal/registry"
)

// Dispatcher hands a started execution to a worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.Request) error
}

type Provisioner interface {
	Provision(ctx context.Context, req model.Request) (provisioner.Result, error)
}

type Poller interface {
	Poll(ctx context.Context, req model.Request) (poller.Result, error)
}

type Deprovisioner interface {
	Deprovision(ctx context.Context, req model.Request) (deprovisioner.Result, error)
}

// Tracer is satisfied by trace.Tracer and *tracing.Tracer.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}

type Config struct {
	Entity          model.Entity
	PollInterval    time.Duration
	PollMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Entity == "" {
		c.Entity = model.EntityTenant
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 120
	}
	return c
}

// Steps groups the workers an Orchestrator drives.
type Steps struct {
	Provisioner   Provisioner
	Poller        Poller
	Deprovisioner Deprovisioner
	// Tenants supplies clients for the finalize step of private tenants.
	Tenants crossaccount.ClientSource
}

type Orchestrator struct {
	registry   registry.Store
	dispatcher Dispatcher
	steps      Steps
	cfg        Config
	tracer     Tracer
	log        *slog.Logger
	now        func() time.Time
}

func New(reg registry.Store, dispatcher Dispatcher, steps Steps, cfg Config) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		dispatcher: dispatcher,
		steps:      steps,
		cfg:        cfg.withDefaults(),
		tracer:     otel.Tracer("tenant-provisioner/workflow"),
		log:        slog.Default().With(logger.Component("workflow")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithTracer replaces the global tracer.
func (o *Orchestrator) WithTracer(t Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// WithDispatcher sets the dispatcher after construction, for wiring where the
// dispatcher's consumer needs the orchestrator first.
func (o *Orchestrator) WithDispatcher(d Dispatcher) *Orchestrator {
	o.dispatcher = d
	return o
}

func requestTrigger(op model.Operation) (lifecycle.Trigger, lifecycle.Trigger, error) {
	switch op {
	case model.OperationCreate:
		return lifecycle.ProvisionRequested, lifecycle.ProvisionFailed, nil
	case model.OperationDelete:
		return lifecycle.DeleteRequested, lifecycle.DeleteFailed, nil
	}
	return "", "", fmt.Errorf("%w: unknown operation %q", model.ErrInvalidRequest, op)
}

// NewExecutionArn returns a fresh execution handle.
func NewExecutionArn(op model.Operation, tenantID string) string {
	return fmt.Sprintf("execution:%s:%s:%s", strings.ToLower(string(op)), tenantID, uuid.NewString())
}

// Start claims the tenant for a new execution and dispatches it. The claim is one
// conditional registry write: no execution may be in flight and the current state
// must accept the operation's trigger. A concurrent second Start for the same
// tenant therefore fails with registry.ErrExecutionInFlight.
func (o *Orchestrator) Start(ctx context.Context, req model.Request) (*model.Tenant, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.start", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("workflow.operation", string(req.Operation)),
	))
	defer span.End()

	if req.TenantID == "" {
		return nil, errs.Configuration("tenantId is required").WithOp("start")
	}
	trigger, failTrigger, err := requestTrigger(req.Operation)
	if err != nil {
		return nil, errs.Configuration(err.Error()).WithOp("start").WithTenant(req.TenantID)
	}

	current, err := o.registry.Get(ctx, req.TenantID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, errs.NotFound("tenant", req.TenantID).WithOp("start")
	}
	if err != nil {
		return nil, errs.Wrap(err, "start", req.TenantID)
	}
	if req.SubscriptionTier == "" {
		req.SubscriptionTier = current.SubscriptionTier
	}
	if req.SubscriptionTier != current.SubscriptionTier {
		return nil, errs.Configuration("subscription tier cannot change").WithOp("start").WithTenant(req.TenantID)
	}
	if req.TenantAccountID == "" {
		req.TenantAccountID = current.AccountID
	}
	if req.Operation == model.OperationDelete && req.StackID == "" && req.SubscriptionTier == model.TierPrivate {
		req.StackID = current.StackID
		if req.StackID == "" {
			req.StackID = o.cfg.Entity.StackName(req.TenantID)
		}
	}
	if req.Operation == model.OperationCreate && req.TenantName == "" {
		req.TenantName = current.Name
	}
	if err := req.Validate(); err != nil {
		return nil, errs.Configuration(err.Error()).WithOp("start").WithTenant(req.TenantID)
	}

	if current.InFlight() {
		return nil, errs.Conflict("execution already in flight").WithOp("start").
			WithTenant(req.TenantID).WithCause(registry.ErrExecutionInFlight)
	}
	next, err := lifecycle.Next(ctx, current.ProvisioningState, trigger)
	if err != nil {
		return nil, errs.Conflict("operation not allowed in current state").WithOp("start").
			WithTenant(req.TenantID).WithCause(err)
	}

	handle := NewExecutionArn(req.Operation, req.TenantID)
	now := o.now()
	m := registry.Mutation{
		ExpectStates:      lifecycle.Sources(trigger),
		ExpectExecution:   registry.Ptr(""),
		State:             &next,
		ExecutionArn:      &handle,
		ExecutionStatus:   registry.Ptr(model.ExecutionRunning),
		ProvisioningError: registry.Ptr(""),
	}
	if req.Operation == model.OperationCreate {
		m.ProvisioningSubmittedAt = &now
	} else {
		m.DeletionSubmittedAt = &now
		m.IncrementDeletionAttempts = true
	}

	updated, err := o.registry.Apply(ctx, req.TenantID, m)
	if errors.Is(err, registry.ErrPrecondition) {
		return nil, o.startConflict(ctx, req.TenantID, trigger)
	}
	if err != nil {
		return nil, errs.Wrap(err, "start", req.TenantID)
	}

	req.ExecutionArn = handle
	metrics.ExecutionsStarted.WithLabelValues(string(req.Operation), string(req.SubscriptionTier)).Inc()
	span.SetAttributes(attribute.String("workflow.execution", handle))
	o.log.InfoContext(ctx, "execution started",
		logger.TenantID(req.TenantID), logger.Operation(string(req.Operation)),
		logger.Tier(string(req.SubscriptionTier)), logger.Execution(handle))

	if err := o.dispatcher.Dispatch(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		o.fail(ctx, req, failTrigger, model.ExecutionFailed, fmt.Errorf("dispatch failed: %w", err))
		return nil, errs.Transient("failed to dispatch execution").WithOp("start").
			WithTenant(req.TenantID).WithCause(err)
	}
	return updated, nil
}

// startConflict explains a lost conditional claim.
func (o *Orchestrator) startConflict(ctx context.Context, id string, trigger lifecycle.Trigger) error {
	current, err := o.registry.Get(ctx, id)
	if err == nil && current.InFlight() {
		return errs.Conflict("execution already in flight").WithOp("start").
			WithTenant(id).WithCause(registry.ErrExecutionInFlight)
	}
	from := model.State("")
	if current != nil {
		from = current.ProvisioningState
	}
	return errs.Conflict("operation not allowed in current state").WithOp("start").
		WithTenant(id).WithCause(&lifecycle.TransitionError{From: from, Trigger: trigger})
}

// Run executes one dispatched request. Deliveries whose handle no longer owns the
// tenant are dropped. Step failures are recorded on the tenant and are not
// returned; only registry errors that leave the outcome unrecorded are.
func (o *Orchestrator) Run(ctx context.Context, req model.Request) error {
	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("workflow.operation", string(req.Operation)),
		attribute.String("workflow.execution", req.ExecutionArn),
	))
	defer span.End()

	current, err := o.registry.Get(ctx, req.TenantID)
	if errors.Is(err, registry.ErrNotFound) {
		o.log.WarnContext(ctx, "dropping execution for unknown tenant", logger.TenantID(req.TenantID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load tenant %s: %w", req.TenantID, err)
	}
	if req.ExecutionArn == "" || current.ExecutionArn != req.ExecutionArn {
		o.log.InfoContext(ctx, "dropping stale delivery",
			logger.TenantID(req.TenantID), logger.Execution(req.ExecutionArn),
			slog.String("current_execution", current.ExecutionArn))
		return nil
	}

	switch req.Operation {
	case model.OperationCreate:
		err = o.runCreate(ctx, req)
	case model.OperationDelete:
		err = o.runDelete(ctx, req)
	default:
		err = o.fail(ctx, req, lifecycle.ProvisionFailed, model.ExecutionFailed,
			errs.Configuration("unknown operation "+string(req.Operation)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) runCreate(ctx context.Context, req model.Request) error {
	res, err := o.step(ctx, "provision", func(ctx context.Context) error {
		r, err := o.steps.Provisioner.Provision(ctx, req)
		if err == nil && r.StackID != "" {
			req.StackID = r.StackID
			_, err = o.registry.Apply(ctx, req.TenantID, registry.Mutation{
				ExpectExecution: registry.Ptr(req.ExecutionArn),
				StackID:         registry.Ptr(r.StackID),
			})
		}
		return phaseErr(r.Phase, err)
	})
	if err != nil {
		return o.fail(ctx, req, lifecycle.ProvisionFailed, model.ExecutionFailed, err)
	}

	if res == pending {
		status, err := o.waitForStack(ctx, req)
		if err != nil {
			return o.fail(ctx, req, lifecycle.ProvisionFailed, status, err)
		}
	}

	if _, err := o.step(ctx, "finalize", func(ctx context.Context) error {
		return o.finalize(ctx, req)
	}); err != nil {
		return o.fail(ctx, req, lifecycle.ProvisionFailed, model.ExecutionFailed, err)
	}

	return o.complete(ctx, req, lifecycle.ProvisionSucceeded)
}

func (o *Orchestrator) runDelete(ctx context.Context, req model.Request) error {
	res, err := o.step(ctx, "deprovision", func(ctx context.Context) error {
		r, err := o.steps.Deprovisioner.Deprovision(ctx, req)
		if err == nil && r.StackID != "" {
			req.StackID = r.StackID
		}
		return phaseErr(r.Phase, err)
	})
	if err != nil {
		return o.fail(ctx, req, lifecycle.DeleteFailed, model.ExecutionFailed, err)
	}

	if res == pending {
		status, err := o.waitForStack(ctx, req)
		if err != nil {
			return o.fail(ctx, req, lifecycle.DeleteFailed, status, err)
		}
	}
	return o.complete(ctx, req, lifecycle.DeleteSucceeded)
}

// finalize writes the init marker into a private tenant's dedicated table once its
// stack is complete. Public tenants got theirs during provisioning.
func (o *Orchestrator) finalize(ctx context.Context, req model.Request) error {
	if req.SubscriptionTier != model.TierPrivate {
		return nil
	}
	clients, err := o.steps.Tenants.Clients(ctx, req.TenantAccountID, req.TenantID)
	if err != nil {
		return errs.New(errs.CategoryCrossAccountAuth, "cannot access tenant account").
			WithOp("finalize").WithTenant(req.TenantID).WithCause(err)
	}
	table := datastore.NewTable(clients.DynamoDB, o.cfg.Entity.DedicatedTableName(req.TenantID), datastore.DefaultRetryPolicy())
	attrs := map[string]string{
		"tenantId":         req.TenantID,
		"subscriptionTier": string(model.TierPrivate),
	}
	if err := table.EnsureInitMarker(ctx, o.cfg.Entity.PartitionKey(req.TenantID), attrs); err != nil {
		return errs.Transient("failed to write dedicated table init marker").
			WithOp("finalize").WithTenant(req.TenantID).WithCause(err)
	}
	return nil
}

// complete moves the tenant to the success state of the run and releases the handle.
func (o *Orchestrator) complete(ctx context.Context, req model.Request, trigger lifecycle.Trigger) error {
	from := lifecycle.Sources(trigger)[0]
	next, err := lifecycle.Next(ctx, from, trigger)
	if err != nil {
		return err
	}
	now := o.now()
	m := registry.Mutation{
		ExpectStates:    []model.State{from},
		ExpectExecution: registry.Ptr(req.ExecutionArn),
		State:           &next,
		ExecutionArn:    registry.Ptr(""),
		ExecutionStatus: registry.Ptr(model.ExecutionSucceeded),
	}
	if trigger == lifecycle.ProvisionSucceeded {
		m.ProvisioningCompletedAt = &now
	} else {
		m.DeletedAt = &now
	}

	if _, err := o.registry.Apply(ctx, req.TenantID, m); err != nil {
		if errors.Is(err, registry.ErrPrecondition) {
			o.log.WarnContext(ctx, "execution lost ownership before completing",
				logger.TenantID(req.TenantID), logger.Execution(req.ExecutionArn))
			return nil
		}
		return fmt.Errorf("failed to record completion of %s: %w", req.TenantID, err)
	}

	metrics.ExecutionsFinished.WithLabelValues(string(req.Operation), string(req.SubscriptionTier), "succeeded").Inc()
	o.log.InfoContext(ctx, "execution succeeded",
		logger.TenantID(req.TenantID), logger.Operation(string(req.Operation)),
		logger.Execution(req.ExecutionArn), slog.String("state", string(next)))
	return nil
}

// fail records a terminal failure of the run and releases the handle. The tenant
// may already be in the failure state when a step recorded it first.
// A cancelled ctx records nothing.
func (o *Orchestrator) fail(ctx context.Context, req model.Request, trigger lifecycle.Trigger, status string, cause error) error {
	if err := ctx.Err(); err != nil {
		// Shutdown is not a failure of the run; the tenant keeps its handle and
		// the delivery goes back to the queue.
		return fmt.Errorf("execution %s interrupted: %w", req.ExecutionArn, err)
	}
	from := lifecycle.Sources(trigger)[0]
	next, err := lifecycle.Next(ctx, from, trigger)
	if err != nil {
		return err
	}
	now := o.now()
	msg := errs.Wrap(cause, strings.ToLower(string(req.Operation)), req.TenantID).Error()
	m := registry.Mutation{
		ExpectStates:      []model.State{from, next},
		ExpectExecution:   registry.Ptr(req.ExecutionArn),
		State:             &next,
		ExecutionArn:      registry.Ptr(""),
		ExecutionStatus:   registry.Ptr(status),
		ProvisioningError: registry.Ptr(msg),
	}
	if trigger == lifecycle.DeleteFailed {
		m.DeletionFailedAt = &now
	}

	if _, err := o.registry.Apply(ctx, req.TenantID, m); err != nil {
		if errors.Is(err, registry.ErrPrecondition) {
			if o.failureRecorded(ctx, req.TenantID, next) {
				o.log.ErrorContext(ctx, "execution failed",
					logger.TenantID(req.TenantID), logger.Operation(string(req.Operation)),
					logger.Execution(req.ExecutionArn), slog.String("status", status), logger.Error(cause))
				metrics.ExecutionsFinished.WithLabelValues(string(req.Operation), string(req.SubscriptionTier), "failed").Inc()
				return nil
			}
			o.log.WarnContext(ctx, "execution lost ownership before failing",
				logger.TenantID(req.TenantID), logger.Execution(req.ExecutionArn), logger.Error(cause))
			return nil
		}
		return fmt.Errorf("failed to record failure of %s: %w", req.TenantID, err)
	}

	metrics.ExecutionsFinished.WithLabelValues(string(req.Operation), string(req.SubscriptionTier), "failed").Inc()
	o.log.ErrorContext(ctx, "execution failed",
		logger.TenantID(req.TenantID), logger.Operation(string(req.Operation)),
		logger.Execution(req.ExecutionArn), slog.String("status", status), logger.Error(cause))
	return nil
}

// failureRecorded reports whether a step already moved the tenant to the failure
// state and released the handle, which no other execution can do while this one
// owns the tenant.
func (o *Orchestrator) failureRecorded(ctx context.Context, id string, failed model.State) bool {
	current, err := o.registry.Get(ctx, id)
	return err == nil && current.ProvisioningState == failed && !current.InFlight()
}

type stepResult int

const (
	done stepResult = iota
	pending
)

var errPending = errors.New("step still in progress")

// phaseErr folds a step's phase into its error so step can tell done from pending.
func phaseErr(phase interface{ Terminal() bool }, err error) error {
	if err != nil {
		return err
	}
	if !phase.Terminal() {
		return errPending
	}
	return nil
}

// step runs fn inside a span named after the step.
func (o *Orchestrator) step(ctx context.Context, name string, fn func(ctx context.Context) error) (stepResult, error) {
	ctx, span := o.tracer.Start(ctx, "workflow."+name)
	defer span.End()

	err := fn(ctx)
	if errors.Is(err, errPending) {
		return pending, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return done, err
	}
	return done, nil
}
