package deprovisioner

import (
	"context"
	"fmt"
	"testing"
	"time"

	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-provisioner/internal/awsclient"
	"tenant-provisioner/internal/awsfake"
	"tenant-provisioner/internal/datastore"
	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/stack"
)

type fixture struct {
	home     *awsfake.DynamoDB
	tenantCF *awsfake.CloudFormation
	accounts *awsfake.Accounts
	d        *Deprovisioner
}

func newFixture() *fixture {
	f := &fixture{home: awsfake.NewDynamoDB(), tenantCF: awsfake.NewCloudFormation()}
	f.accounts = &awsfake.Accounts{Bundle: &awsclient.Bundle{CloudFormation: f.tenantCF}}
	f.d = New(&awsclient.Bundle{DynamoDB: f.home}, f.accounts, Config{
		Entity:      model.EntityTenant,
		SharedTable: "SHARED_PUBLIC",
		Retry:       datastore.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	return f
}

func TestDeprovisionPublicDeletesPartition(t *testing.T) {
	f := newFixture()
	sks := []string{"init"}
	for i := range 40 {
		sks = append(sks, fmt.Sprintf("ORDER#%02d", i))
	}
	f.home.Seed("SHARED_PUBLIC", "TENANT#251018ab", sks...)
	f.home.Seed("SHARED_PUBLIC", "TENANT#other", "init")

	res, err := f.d.Deprovision(context.Background(), model.Request{
		Operation: model.OperationDelete, TenantID: "251018ab", SubscriptionTier: model.TierPublic,
	})
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseSucceeded, res.Phase)
	require.NotNil(t, res.Report)
	assert.Equal(t, 41, res.Report.Deleted)
	assert.Zero(t, f.home.Count("SHARED_PUBLIC", "TENANT#251018ab"))
	assert.Equal(t, 1, f.home.Count("SHARED_PUBLIC", "TENANT#other"))
}

func TestDeprovisionPublicResidueDoesNotFail(t *testing.T) {
	f := newFixture()
	f.home.Seed("SHARED_PUBLIC", "TENANT#x", "init", "A", "B")
	f.home.UnprocessedPerCall = []int{1, 1, 1}

	res, err := f.d.Deprovision(context.Background(), model.Request{TenantID: "x", SubscriptionTier: model.TierPublic})
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseSucceeded, res.Phase)
	assert.Equal(t, 1, res.Report.Unprocessed)
}

func TestDeprovisionPublicRejectedBatchFails(t *testing.T) {
	f := newFixture()
	f.home.Seed("SHARED_PUBLIC", "TENANT#x", "init", "A", "B")
	f.home.Err["BatchWriteItem"] = awsfake.APIError("ResourceNotFoundException", "table not found")

	res, err := f.d.Deprovision(context.Background(), model.Request{TenantID: "x", SubscriptionTier: model.TierPublic})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ResourceNotFoundException")
	assert.Nil(t, res.Report)
	assert.Equal(t, 3, f.home.Count("SHARED_PUBLIC", "TENANT#x"))
}

func TestDeprovisionPrivateSubmitsDelete(t *testing.T) {
	f := newFixture()
	s := f.tenantCF.Put("tenant-251018ab-dynamodb", cftypes.StackStatusCreateComplete)

	res, err := f.d.Deprovision(context.Background(), model.Request{
		Operation:        model.OperationDelete,
		TenantID:         "251018ab",
		TenantAccountID:  "123456789012",
		SubscriptionTier: model.TierPrivate,
		StackID:          s.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseInProgress, res.Phase)
	assert.Equal(t, s.ID, res.StackID)
	assert.Equal(t, 1, f.tenantCF.Calls["DeleteStack"])
}

func TestDeprovisionPrivateMissingStackSucceeds(t *testing.T) {
	f := newFixture()
	res, err := f.d.Deprovision(context.Background(), model.Request{
		TenantID:         "251018ab",
		TenantAccountID:  "123456789012",
		SubscriptionTier: model.TierPrivate,
	})
	require.NoError(t, err)
	assert.Equal(t, stack.PhaseSucceeded, res.Phase)
	assert.Equal(t, "tenant-251018ab-dynamodb", res.StackID)
}

func TestDeprovisionPrivateDeleteError(t *testing.T) {
	f := newFixture()
	f.tenantCF.Err["DeleteStack"] = awsfake.APIError("InternalFailure", "boom")

	_, err := f.d.Deprovision(context.Background(), model.Request{
		TenantID: "x", TenantAccountID: "123456789012", SubscriptionTier: model.TierPrivate,
	})
	assert.True(t, errs.IsCategory(err, errs.CategoryTransient))
}
