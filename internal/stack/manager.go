package stack

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"tenant-provisioner/internal/awsclient"
)

var ErrNoStack = errors.New("stack does not exist")

// Description is what the poller needs from DescribeStacks.
type Description struct {
	StackID string
	Status  Status
	Reason  string
}

// Manager issues stack calls with a client scoped to one tenant account.
type Manager struct {
	cf awsclient.CloudFormationAPI
}

func NewManager(cf awsclient.CloudFormationAPI) *Manager {
	return &Manager{cf: cf}
}

// Create submits the stack and returns its id without waiting. A stack that already
// exists under name is returned as is, so a retried provision step is harmless.
func (m *Manager) Create(ctx context.Context, name string, tpl TableTemplate) (string, error) {
	body, err := tpl.Body()
	if err != nil {
		return "", err
	}
	out, err := m.cf.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(name),
		TemplateBody: aws.String(body),
		OnFailure:    cftypes.OnFailureRollback,
		Tags: []cftypes.Tag{
			{Key: aws.String("TenantId"), Value: aws.String(tpl.TenantID)},
			{Key: aws.String("ManagedBy"), Value: aws.String("tenant-provisioner")},
		},
	})
	if err != nil {
		if awsclient.IsStackAlreadyExists(err) {
			d, derr := m.Describe(ctx, name)
			if derr != nil {
				return "", fmt.Errorf("stack %s exists but cannot be described: %w", name, derr)
			}
			return d.StackID, nil
		}
		return "", fmt.Errorf("failed to create stack %s: %w", name, err)
	}
	return aws.ToString(out.StackId), nil
}

// Describe returns the stack status. A missing stack is reported as NotFound, not as an error.
func (m *Manager) Describe(ctx context.Context, nameOrID string) (Description, error) {
	out, err := m.cf.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(nameOrID),
	})
	if err != nil {
		if awsclient.IsStackNotFound(err) {
			return Description{StackID: nameOrID, Status: NotFound}, nil
		}
		return Description{}, fmt.Errorf("failed to describe stack %s: %w", nameOrID, err)
	}
	if len(out.Stacks) == 0 {
		return Description{StackID: nameOrID, Status: NotFound}, nil
	}
	s := out.Stacks[0]
	return Description{
		StackID: aws.ToString(s.StackId),
		Status:  Status(s.StackStatus),
		Reason:  aws.ToString(s.StackStatusReason),
	}, nil
}

// Delete requests deletion. A stack that is already gone returns ErrNoStack.
func (m *Manager) Delete(ctx context.Context, nameOrID string) error {
	_, err := m.cf.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName: aws.String(nameOrID),
	})
	if err != nil {
		if awsclient.IsStackNotFound(err) {
			return ErrNoStack
		}
		return fmt.Errorf("failed to delete stack %s: %w", nameOrID, err)
	}
	return nil
}
