package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tenant-provisioner/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		op     model.Operation
		status Status
		want   Phase
	}{
		{model.OperationCreate, CreateInProgress, PhaseInProgress},
		{model.OperationCreate, CreateComplete, PhaseSucceeded},
		{model.OperationCreate, CreateFailed, PhaseFailed},
		{model.OperationCreate, RollbackInProgress, PhaseInProgress},
		{model.OperationCreate, RollbackComplete, PhaseFailed},
		{model.OperationCreate, RollbackFailed, PhaseFailed},
		{model.OperationCreate, NotFound, PhaseFailed},
		{model.OperationCreate, DeleteComplete, PhaseFailed},
		{model.OperationDelete, DeleteInProgress, PhaseInProgress},
		{model.OperationDelete, DeleteComplete, PhaseSucceeded},
		{model.OperationDelete, NotFound, PhaseSucceeded},
		{model.OperationDelete, DeleteFailed, PhaseFailed},
		{model.OperationDelete, UpdateRollbackFailed, PhaseFailed},
		{model.OperationDelete, CreateComplete, PhaseInProgress},
		{model.Operation("UPDATE"), CreateComplete, PhaseFailed},
	}
	for _, tc := range cases {
		t.Run(string(tc.op)+"/"+string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.op, tc.status))
		})
	}
}

func TestIsTerminalFailure(t *testing.T) {
	assert.True(t, CreateFailed.IsTerminalFailure())
	assert.True(t, RollbackComplete.IsTerminalFailure())
	assert.True(t, UpdateRollbackFailed.IsTerminalFailure())
	assert.False(t, UpdateRollbackComplete.IsTerminalFailure())
	assert.False(t, CreateComplete.IsTerminalFailure())
}

func TestPhaseTerminal(t *testing.T) {
	assert.False(t, PhaseInProgress.Terminal())
	assert.True(t, PhaseSucceeded.Terminal())
	assert.True(t, PhaseFailed.Terminal())
}
