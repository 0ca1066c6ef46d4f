package stack

import (
	"context"
	"testing"

	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-provisioner/internal/awsfake"
)

func TestManagerCreateIsRetrySafe(t *testing.T) {
	ctx := context.Background()
	cf := awsfake.NewCloudFormation()
	m := NewManager(cf)
	tpl := TableTemplate{TableName: "TENANT_x", TenantID: "x", Entity: "tenant"}

	first, err := m.Create(ctx, "tenant-x-dynamodb", tpl)
	require.NoError(t, err)
	second, err := m.Create(ctx, "tenant-x-dynamodb", tpl)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, cf.Calls["CreateStack"])
}

func TestManagerDescribeMissingStack(t *testing.T) {
	d, err := NewManager(awsfake.NewCloudFormation()).Describe(context.Background(), "tenant-gone-dynamodb")
	require.NoError(t, err)
	assert.Equal(t, NotFound, d.Status)
}

func TestManagerDescribe(t *testing.T) {
	cf := awsfake.NewCloudFormation()
	s := cf.Put("tenant-x-dynamodb", cftypes.StackStatusCreateComplete)

	d, err := NewManager(cf).Describe(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, CreateComplete, d.Status)
	assert.Equal(t, s.ID, d.StackID)
}

func TestManagerDeleteMissingStack(t *testing.T) {
	err := NewManager(awsfake.NewCloudFormation()).Delete(context.Background(), "tenant-gone-dynamodb")
	assert.ErrorIs(t, err, ErrNoStack)
}
