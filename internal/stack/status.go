// Package stack manages the dedicated per-tenant CloudFormation stacks.
package stack

import (
	"strings"

	"tenant-provisioner/internal/model"
)

// Status is a CloudFormation stack status, plus NotFound for a stack that does not exist.
type Status string

const (
	CreateInProgress                        Status = "CREATE_IN_PROGRESS"
	CreateComplete                          Status = "CREATE_COMPLETE"
	CreateFailed                            Status = "CREATE_FAILED"
	RollbackInProgress                      Status = "ROLLBACK_IN_PROGRESS"
	RollbackComplete                        Status = "ROLLBACK_COMPLETE"
	RollbackFailed                          Status = "ROLLBACK_FAILED"
	DeleteInProgress                        Status = "DELETE_IN_PROGRESS"
	DeleteComplete                          Status = "DELETE_COMPLETE"
	DeleteFailed                            Status = "DELETE_FAILED"
	UpdateInProgress                        Status = "UPDATE_IN_PROGRESS"
	UpdateComplete                          Status = "UPDATE_COMPLETE"
	UpdateRollbackComplete                  Status = "UPDATE_ROLLBACK_COMPLETE"
	UpdateRollbackFailed                    Status = "UPDATE_ROLLBACK_FAILED"
	UpdateCompleteCleanupInProgress         Status = "UPDATE_COMPLETE_CLEANUP_IN_PROGRESS"
	UpdateRollbackCompleteCleanupInProgress Status = "UPDATE_ROLLBACK_COMPLETE_CLEANUP_IN_PROGRESS"
	ReviewInProgress                        Status = "REVIEW_IN_PROGRESS"
	NotFound                                Status = "NOT_FOUND"
)

// Phase is the coarse outcome of a status for one operation.
type Phase string

const (
	PhaseInProgress Phase = "in_progress"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

func (p Phase) Terminal() bool {
	return p != PhaseInProgress
}

// IsTerminalFailure is the failure rule shared by both operations: any status
// containing FAILED, or ROLLBACK_COMPLETE, which is where a failed create settles.
func (s Status) IsTerminalFailure() bool {
	return strings.Contains(string(s), "FAILED") || s == RollbackComplete
}

// Classify maps a status observed while running op to a Phase.
//
// NotFound succeeds a DELETE (the stack is already gone) and fails a CREATE
// (a stack that vanishes mid-create is an anomaly). A terminal status belonging to
// the other operation, such as DELETE_COMPLETE during CREATE, is also a failure.
func Classify(op model.Operation, s Status) Phase {
	if s.IsTerminalFailure() {
		return PhaseFailed
	}
	switch op {
	case model.OperationCreate:
		switch s {
		case CreateComplete:
			return PhaseSucceeded
		case NotFound, DeleteComplete:
			return PhaseFailed
		}
	case model.OperationDelete:
		switch s {
		case DeleteComplete, NotFound:
			return PhaseSucceeded
		}
	default:
		return PhaseFailed
	}
	return PhaseInProgress
}
