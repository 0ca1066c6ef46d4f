// internal/model/tenant.go
package model

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the subscription tier of a tenant. It is fixed at creation.
type Tier string

const (
	TierPublic  Tier = "public"
	TierPrivate Tier = "private"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPublic:
		return TierPublic, nil
	case TierPrivate:
		return TierPrivate, nil
	}
	return "", fmt.Errorf("invalid subscription tier %q", s)
}

// State is the provisioning state stored on the registry record.
type State string

const (
	StateCreating       State = "creating"
	StateActive         State = "active"
	StateFailed         State = "failed"
	StateDeleting       State = "deleting"
	StateDeleted        State = "deleted"
	StateDeletionFailed State = "deletion_failed"
	StateInactive       State = "inactive"
)

// Transient reports whether the state is only held while an execution runs.
func (s State) Transient() bool {
	return s == StateCreating || s == StateDeleting
}

// Execution statuses recorded next to the execution handle.
const (
	ExecutionRunning   = "RUNNING"
	ExecutionSucceeded = "SUCCEEDED"
	ExecutionFailed    = "FAILED"
	ExecutionTimedOut  = "TIMED_OUT"
)

// Tenant is the registry record of one tenant.
type Tenant struct {
	ID                string `json:"tenantId" dynamodbav:"tenantId"`
	Name              string `json:"tenantName" dynamodbav:"tenantName"`
	Email             string `json:"email" dynamodbav:"email"`
	FirstName         string `json:"firstName" dynamodbav:"firstName"`
	LastName          string `json:"lastName" dynamodbav:"lastName"`
	AdminUsername     string `json:"adminUsername" dynamodbav:"adminUsername"`
	AdminEmail        string `json:"adminEmail" dynamodbav:"adminEmail"`
	CreatedBy         string `json:"createdBy" dynamodbav:"createdBy"`
	SubscriptionTier  Tier   `json:"subscriptionTier" dynamodbav:"subscriptionTier"`
	ProvisioningState State  `json:"provisioningState" dynamodbav:"provisioningState"`
	AccountID         string `json:"tenantAccountId" dynamodbav:"tenantAccountId"`
	TableName         string `json:"tenantTableName" dynamodbav:"tenantTableName"`
	StackID           string `json:"cloudFormationStackId,omitempty" dynamodbav:"cloudFormationStackId,omitempty"`
	ExecutionArn      string `json:"stepFunctionExecutionArn,omitempty" dynamodbav:"stepFunctionExecutionArn,omitempty"`
	ExecutionStatus   string `json:"stepFunctionStatus,omitempty" dynamodbav:"stepFunctionStatus,omitempty"`
	ProvisioningError string `json:"provisioningError,omitempty" dynamodbav:"provisioningError,omitempty"`
	DeletionAttempts  int    `json:"deletionAttempts" dynamodbav:"deletionAttempts"`

	RegisteredOn            time.Time  `json:"registeredOn" dynamodbav:"registeredOn"`
	LastModified            time.Time  `json:"lastModified" dynamodbav:"lastModified"`
	ProvisioningSubmittedAt *time.Time `json:"provisioningSubmittedAt,omitempty" dynamodbav:"provisioningSubmittedAt,omitempty"`
	ProvisioningCompletedAt *time.Time `json:"provisioningCompletedAt,omitempty" dynamodbav:"provisioningCompletedAt,omitempty"`
	DeletionSubmittedAt     *time.Time `json:"deletionSubmittedAt,omitempty" dynamodbav:"deletionSubmittedAt,omitempty"`
	DeletionFailedAt        *time.Time `json:"deletionFailedAt,omitempty" dynamodbav:"deletionFailedAt,omitempty"`
	DeletedAt               *time.Time `json:"deletedAt,omitempty" dynamodbav:"deletedAt,omitempty"`
}

// InFlight reports whether an execution currently owns the record.
func (t *Tenant) InFlight() bool {
	return t.ExecutionArn != ""
}

// Stale reports whether a transient state has not advanced for longer than after.
func (t *Tenant) Stale(now time.Time, after time.Duration) bool {
	return t.ProvisioningState.Transient() && now.Sub(t.LastModified) > after
}
