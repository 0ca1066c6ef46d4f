package crossaccount

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tenant-provisioner/internal/awsclient"
	"tenant-provisioner/internal/awsfake"
)

type mockAssumer struct {
	mock.Mock
}

func (m *mockAssumer) AssumeRole(ctx context.Context, accountID, contextID string) (Credentials, error) {
	args := m.Called(ctx, accountID, contextID)
	return args.Get(0).(Credentials), args.Error(1)
}

func TestSessionClientsAssumesEveryCall(t *testing.T) {
	assumer := &mockAssumer{}
	assumer.On("AssumeRole", mock.Anything, "123456789012", "251018ab").
		Return(Credentials{AccessKeyID: "A", Expiry: time.Now().Add(time.Hour)}, nil).Twice()

	bundle := &awsclient.Bundle{DynamoDB: awsfake.NewDynamoDB()}
	s := NewSession(assumer, awsfake.Builder{Bundle: bundle})

	for range 2 {
		got, err := s.Clients(context.Background(), "123456789012", "251018ab")
		require.NoError(t, err)
		assert.Same(t, bundle, got)
	}
	assumer.AssertExpectations(t)
}

func TestSessionClientsPropagatesAuthError(t *testing.T) {
	authErr := &CrossAccountAuthError{AccountID: "123456789012", RoleARN: "arn"}
	assumer := &mockAssumer{}
	assumer.On("AssumeRole", mock.Anything, "123456789012", "x").Return(Credentials{}, authErr)

	_, err := NewSession(assumer, awsfake.Builder{}).Clients(context.Background(), "123456789012", "x")
	assert.ErrorIs(t, err, authErr)
}
