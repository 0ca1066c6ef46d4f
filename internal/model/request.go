// internal/model/request.go
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Operation is the workflow operation carried by a Request.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationDelete Operation = "DELETE"
)

var accountIDPattern = regexp.MustCompile(`^[0-9]{12}$`)

// ValidAccountID reports whether id looks like an AWS account id.
func ValidAccountID(id string) bool {
	return accountIDPattern.MatchString(id)
}

// Request is the workflow input. Operation is the discriminator; StackID is only
// meaningful for a private-tier DELETE and the profile fields only for CREATE.
type Request struct {
	Operation        Operation `json:"operation"`
	ExecutionArn     string    `json:"executionArn,omitempty"`
	TenantID         string    `json:"tenantId"`
	TenantAccountID  string    `json:"tenantAccountId"`
	SubscriptionTier Tier      `json:"subscriptionTier"`
	TenantName       string    `json:"tenantName,omitempty"`
	Email            string    `json:"email,omitempty"`
	FirstName        string    `json:"firstName,omitempty"`
	LastName         string    `json:"lastName,omitempty"`
	AdminUsername    string    `json:"adminUsername,omitempty"`
	AdminEmail       string    `json:"adminEmail,omitempty"`
	AdminPassword    string    `json:"adminPassword,omitempty"`
	CreatedBy        string    `json:"createdBy,omitempty"`
	RegisteredOn     time.Time `json:"registeredOn,omitempty"`
	StackID          string    `json:"stackId,omitempty"`
}

var ErrInvalidRequest = errors.New("invalid workflow request")

// Validate checks the fields required by the request's operation and tier.
func (r *Request) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenantId is required", ErrInvalidRequest)
	}
	switch r.SubscriptionTier {
	case TierPublic, TierPrivate:
	default:
		return fmt.Errorf("%w: invalid subscription tier %q", ErrInvalidRequest, r.SubscriptionTier)
	}
	if r.SubscriptionTier == TierPrivate && !ValidAccountID(r.TenantAccountID) {
		return fmt.Errorf("%w: tenantAccountId %q is not a 12 digit account id", ErrInvalidRequest, r.TenantAccountID)
	}
	switch r.Operation {
	case OperationCreate:
		if r.TenantName == "" {
			return fmt.Errorf("%w: tenantName is required", ErrInvalidRequest)
		}
	case OperationDelete:
		if r.SubscriptionTier == TierPrivate && r.StackID == "" {
			return fmt.Errorf("%w: stackId is required to delete a private tenant", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, r.Operation)
	}
	return nil
}

// Marshal encodes the request without the admin password, which never leaves the
// process that received it.
func (r Request) Marshal() ([]byte, error) {
	r.AdminPassword = ""
	return json.Marshal(r)
}

func UnmarshalRequest(body []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return &r, nil
}
