// Package lifecycle holds the transition table of a tenant's provisioning state.
// Every state change written to the registry is computed here.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"

	"tenant-provisioner/internal/model"
)

type Trigger string

const (
	ProvisionRequested Trigger = "provision_requested"
	ProvisionSucceeded Trigger = "provision_succeeded"
	ProvisionFailed    Trigger = "provision_failed"
	DeleteRequested    Trigger = "delete_requested"
	DeleteSucceeded    Trigger = "delete_succeeded"
	DeleteFailed       Trigger = "delete_failed"
	Suspend            Trigger = "suspend"
	Activate           Trigger = "activate"
)

type transition struct {
	from    model.State
	trigger Trigger
	to      model.State
}

var table = []transition{
	// A failed tenant is offboarded, not re-provisioned: its id may still own a
	// rolled-back stack.
	{model.StateCreating, ProvisionRequested, model.StateCreating},
	{model.StateCreating, ProvisionSucceeded, model.StateActive},
	{model.StateCreating, ProvisionFailed, model.StateFailed},

	{model.StateActive, DeleteRequested, model.StateDeleting},
	{model.StateFailed, DeleteRequested, model.StateDeleting},
	{model.StateInactive, DeleteRequested, model.StateDeleting},
	{model.StateDeletionFailed, DeleteRequested, model.StateDeleting},
	{model.StateDeleting, DeleteSucceeded, model.StateDeleted},
	{model.StateDeleting, DeleteFailed, model.StateDeletionFailed},

	{model.StateActive, Suspend, model.StateInactive},
	{model.StateInactive, Activate, model.StateActive},
}

var ErrTransition = errors.New("illegal provisioning state transition")

// TransitionError names the rejected (state, trigger) pair.
type TransitionError struct {
	From    model.State
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s does not accept %s", ErrTransition, e.From, e.Trigger)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrTransition
}

func newMachine(from model.State) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	for _, t := range table {
		cfg := sm.Configure(t.from)
		if t.from == t.to {
			cfg.PermitReentry(t.trigger)
			continue
		}
		cfg.Permit(t.trigger, t.to)
	}
	// deleted is terminal
	sm.Configure(model.StateDeleted)
	return sm
}

// Next returns the state reached from `from` by trigger.
func Next(ctx context.Context, from model.State, trigger Trigger) (model.State, error) {
	sm := newMachine(from)
	if err := sm.FireCtx(ctx, trigger); err != nil {
		return "", &TransitionError{From: from, Trigger: trigger}
	}
	state, err := sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(model.State), nil
}

// Sources lists the states trigger may fire from. Registry writes use it as the
// expected-state condition.
func Sources(trigger Trigger) []model.State {
	var states []model.State
	for _, t := range table {
		if t.trigger == trigger {
			states = append(states, t.from)
		}
	}
	return states
}

// Permitted lists the triggers accepted in state.
func Permitted(ctx context.Context, state model.State) []Trigger {
	triggers, err := newMachine(state).PermittedTriggersCtx(ctx)
	if err != nil {
		return nil
	}
	out := make([]Trigger, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, t.(Trigger))
	}
	return out
}

// Terminal reports whether no trigger leaves state.
func Terminal(state model.State) bool {
	for _, t := range table {
		if t.from == state && t.to != state {
			return false
		}
	}
	return true
}
