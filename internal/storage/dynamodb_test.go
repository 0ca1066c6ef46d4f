package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-provisioner/internal/awsfake"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/registry"
)

const registryTable = "TENANT_REGISTRY"

func newTenant(id string) *model.Tenant {
	return &model.Tenant{
		ID:                id,
		Name:              "Acme",
		Email:             "ops@acme.test",
		SubscriptionTier:  model.TierPrivate,
		ProvisioningState: model.StateCreating,
		AccountID:         "123456789012",
		TableName:         "TENANT_" + id,
		RegisteredOn:      time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC),
	}
}

func TestDynamoStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	db := awsfake.NewDynamoDB()
	s := NewDynamoStore(db, registryTable, model.EntityTenant)

	require.NoError(t, s.Create(ctx, newTenant("251018ab")))
	assert.NotNil(t, db.Item(registryTable, "TENANT#251018ab", "METADATA"))

	got, err := s.Get(ctx, "251018ab")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, model.TierPrivate, got.SubscriptionTier)
	assert.Equal(t, model.StateCreating, got.ProvisioningState)
	assert.True(t, got.RegisteredOn.Equal(time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC)))
	assert.False(t, got.LastModified.IsZero())

	err = s.Create(ctx, newTenant("251018ab"))
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func TestDynamoStoreGetMissing(t *testing.T) {
	_, err := NewDynamoStore(awsfake.NewDynamoDB(), registryTable, model.EntityTenant).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDynamoStoreListLimit(t *testing.T) {
	ctx := context.Background()
	s := NewDynamoStore(awsfake.NewDynamoDB(), registryTable, model.EntityAccount)
	for _, id := range []string{"a1", "b2", "c3"} {
		require.NoError(t, s.Create(ctx, newTenant(id)))
	}

	all, err := s.List(ctx, registry.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	two, err := s.List(ctx, registry.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestDynamoStoreApplyBuildsConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	db := awsfake.NewDynamoDB()
	s := NewDynamoStore(db, registryTable, model.EntityTenant)
	require.NoError(t, s.Create(ctx, newTenant("x")))

	_, err := s.Apply(ctx, "x", registry.Mutation{
		ExpectStates:              []model.State{model.StateActive, model.StateFailed},
		ExpectExecution:           registry.Ptr(""),
		State:                     registry.Ptr(model.StateDeleting),
		ExecutionArn:              registry.Ptr("execution:DELETE:x:1"),
		ProvisioningError:         registry.Ptr(""),
		IncrementDeletionAttempts: true,
	})
	require.NoError(t, err)

	in := db.LastUpdate
	require.NotNil(t, in)
	cond := *in.ConditionExpression
	assert.Contains(t, cond, "attribute_exists")
	assert.Contains(t, cond, "attribute_not_exists")
	assert.Contains(t, cond, " IN ")

	update := *in.UpdateExpression
	assert.True(t, strings.Contains(update, "SET"))
	assert.True(t, strings.Contains(update, "REMOVE"))

	var names []string
	for _, n := range in.ExpressionAttributeNames {
		names = append(names, n)
	}
	assert.Subset(t, names, []string{
		"PK", "provisioningState", "stepFunctionExecutionArn", "provisioningError", "deletionAttempts", "lastModified",
	})
}

func TestDynamoStoreApplyMissingTenant(t *testing.T) {
	s := NewDynamoStore(awsfake.NewDynamoDB(), registryTable, model.EntityTenant)
	_, err := s.Apply(context.Background(), "nope", registry.Mutation{State: registry.Ptr(model.StateActive)})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDynamoStoreApplyStaleExpectation(t *testing.T) {
	ctx := context.Background()
	db := awsfake.NewDynamoDB()
	s := NewDynamoStore(db, registryTable, model.EntityTenant)
	require.NoError(t, s.Create(ctx, newTenant("x")))
	db.Err["UpdateItem"] = awsfake.APIError("ConditionalCheckFailedException", "The conditional request failed")

	_, err := s.Apply(ctx, "x", registry.Mutation{ExpectStates: []model.State{model.StateActive}})
	assert.ErrorIs(t, err, registry.ErrPrecondition)
}
