package poller

import (
	"context"
	"testing"

	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-provisioner/internal/awsclient"
	"tenant-provisioner/internal/awsfake"
	"tenant-provisioner/internal/crossaccount"
	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/stack"
)

func newPoller(cf *awsfake.CloudFormation) (*Poller, *awsfake.Accounts) {
	accounts := &awsfake.Accounts{Bundle: &awsclient.Bundle{CloudFormation: cf}}
	return New(accounts, model.EntityTenant), accounts
}

func privateRequest(op model.Operation) model.Request {
	return model.Request{
		Operation:        op,
		TenantID:         "251018ab",
		TenantAccountID:  "123456789012",
		SubscriptionTier: model.TierPrivate,
	}
}

func TestPollPublicIsImmediate(t *testing.T) {
	p, accounts := newPoller(awsfake.NewCloudFormation())
	res, err := p.Poll(context.Background(), model.Request{TenantID: "x", SubscriptionTier: model.TierPublic})
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseSucceeded, res.Phase)
	assert.Empty(t, accounts.Accounts)
}

func TestPollCreateProgress(t *testing.T) {
	cf := awsfake.NewCloudFormation()
	cf.Put("tenant-251018ab-dynamodb", cftypes.StackStatusCreateInProgress,
		cftypes.StackStatusCreateInProgress, cftypes.StackStatusCreateComplete)
	p, _ := newPoller(cf)

	res, err := p.Poll(context.Background(), privateRequest(model.OperationCreate))
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseInProgress, res.Phase)

	res, err = p.Poll(context.Background(), privateRequest(model.OperationCreate))
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseSucceeded, res.Phase)
	assert.Equal(t, stack.CreateComplete, res.Status)
	assert.Contains(t, res.StackID, "tenant-251018ab-dynamodb")
}

func TestPollCreateVanishedStack(t *testing.T) {
	p, _ := newPoller(awsfake.NewCloudFormation())

	res, err := p.Poll(context.Background(), privateRequest(model.OperationCreate))
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseFailed, res.Phase)
	assert.Equal(t, "stack vanished during creation", res.Reason)
}

func TestPollDeleteOfMissingStackSucceeds(t *testing.T) {
	p, _ := newPoller(awsfake.NewCloudFormation())
	req := privateRequest(model.OperationDelete)
	req.StackID = "arn:aws:cloudformation:us-east-1:123456789012:stack/tenant-251018ab-dynamodb/gone"

	res, err := p.Poll(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseSucceeded, res.Phase)
	assert.Equal(t, stack.NotFound, res.Status)
}

func TestPollFailedStackReason(t *testing.T) {
	cf := awsfake.NewCloudFormation()
	s := cf.Put("tenant-251018ab-dynamodb", cftypes.StackStatusRollbackComplete)
	s.Reason = "Resource creation cancelled"
	p, _ := newPoller(cf)

	res, err := p.Poll(context.Background(), privateRequest(model.OperationCreate))
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseFailed, res.Phase)
	assert.Equal(t, "stack ROLLBACK_COMPLETE: Resource creation cancelled", res.Reason)
}

func TestPollErrors(t *testing.T) {
	cf := awsfake.NewCloudFormation()
	cf.Err["DescribeStacks"] = awsfake.APIError("Throttling", "Rate exceeded")
	p, accounts := newPoller(cf)

	_, err := p.Poll(context.Background(), privateRequest(model.OperationCreate))
	assert.True(t, errs.IsCategory(err, errs.CategoryTransient))

	accounts.SetErr(&crossaccount.CrossAccountAuthError{AccountID: "123456789012"})
	_, err = p.Poll(context.Background(), privateRequest(model.OperationCreate))
	assert.True(t, errs.IsCategory(err, errs.CategoryCrossAccountAuth))
}
