// Package registry is the durable record of tenant identity and provisioning state.
package registry

import (
	"context"
	"errors"
	"slices"
	"time"

	"tenant-provisioner/internal/model"
)

var (
	ErrNotFound      = errors.New("tenant not found")
	ErrAlreadyExists = errors.New("tenant already exists")
	// ErrPrecondition means the record no longer matches the mutation's expectations.
	ErrPrecondition = errors.New("registry precondition failed")
	// ErrExecutionInFlight means another execution owns the record.
	ErrExecutionInFlight = errors.New("an execution is already in flight for this tenant")
)

// Store is implemented by the DynamoDB, Postgres and in-memory backends.
// Every write is conditional: Create fails on an existing id and Apply checks the
// mutation's expectations atomically with the write.
type Store interface {
	Create(ctx context.Context, t *model.Tenant) error
	Get(ctx context.Context, id string) (*model.Tenant, error)
	List(ctx context.Context, f Filter) ([]model.Tenant, error)
	Apply(ctx context.Context, id string, m Mutation) (*model.Tenant, error)
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	States []model.State
	Tier   model.Tier
	Limit  int
}

func (f Filter) Match(t *model.Tenant) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, t.ProvisioningState) {
		return false
	}
	if f.Tier != "" && t.SubscriptionTier != f.Tier {
		return false
	}
	return true
}

// Profile carries the editable profile fields.
type Profile struct {
	Name          string
	Email         string
	FirstName     string
	LastName      string
	AdminUsername string
	AdminEmail    string
}

// Mutation is a conditional partial update of one record.
type Mutation struct {
	// ExpectStates must contain the current state when non-empty.
	ExpectStates []model.State
	// ExpectExecution must equal the current execution handle when non-nil;
	// a pointer to "" requires that no execution is in flight.
	ExpectExecution *string

	State                     *model.State
	ExecutionArn              *string
	ExecutionStatus           *string
	StackID                   *string
	ProvisioningError         *string
	IncrementDeletionAttempts bool
	ProvisioningSubmittedAt   *time.Time
	ProvisioningCompletedAt   *time.Time
	DeletionSubmittedAt       *time.Time
	DeletionFailedAt          *time.Time
	DeletedAt                 *time.Time
	Profile                   *Profile
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Satisfied reports whether t meets the mutation's expectations.
func (m Mutation) Satisfied(t *model.Tenant) bool {
	if len(m.ExpectStates) > 0 && !slices.Contains(m.ExpectStates, t.ProvisioningState) {
		return false
	}
	if m.ExpectExecution != nil && *m.ExpectExecution != t.ExecutionArn {
		return false
	}
	return true
}

// ApplyTo writes the mutation's changes into t and stamps LastModified.
func (m Mutation) ApplyTo(t *model.Tenant, now time.Time) {
	if m.State != nil {
		t.ProvisioningState = *m.State
	}
	if m.ExecutionArn != nil {
		t.ExecutionArn = *m.ExecutionArn
	}
	if m.ExecutionStatus != nil {
		t.ExecutionStatus = *m.ExecutionStatus
	}
	if m.StackID != nil {
		t.StackID = *m.StackID
	}
	if m.ProvisioningError != nil {
		t.ProvisioningError = *m.ProvisioningError
	}
	if m.IncrementDeletionAttempts {
		t.DeletionAttempts++
	}
	setTime(&t.ProvisioningSubmittedAt, m.ProvisioningSubmittedAt)
	setTime(&t.ProvisioningCompletedAt, m.ProvisioningCompletedAt)
	setTime(&t.DeletionSubmittedAt, m.DeletionSubmittedAt)
	setTime(&t.DeletionFailedAt, m.DeletionFailedAt)
	setTime(&t.DeletedAt, m.DeletedAt)
	if p := m.Profile; p != nil {
		t.Name = p.Name
		t.Email = p.Email
		t.FirstName = p.FirstName
		t.LastName = p.LastName
		t.AdminUsername = p.AdminUsername
		t.AdminEmail = p.AdminEmail
	}
	t.LastModified = now
}

func setTime(dst **time.Time, v *time.Time) {
	if v != nil {
		tv := v.UTC()
		*dst = &tv
	}
}
