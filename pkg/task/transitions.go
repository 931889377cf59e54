package task

import (
	"errors"
	"fmt"

	"github.com/entrhq/pilot/pkg/types"
)

var (
	// ErrTaskNotFound indicates no task has the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates the operation is not allowed in the
	// task's current state.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("task manager closed")
)

var transitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskPending:          {types.TaskPlanning, types.TaskCancelled},
	types.TaskPlanning:         {types.TaskAwaitingApproval, types.TaskExecuting, types.TaskRetrying, types.TaskFailed, types.TaskCancelled},
	types.TaskAwaitingApproval: {types.TaskApproved, types.TaskCancelled},
	types.TaskApproved:         {types.TaskExecuting, types.TaskCancelled},
	types.TaskExecuting:        {types.TaskCompleted, types.TaskRetrying, types.TaskFailed, types.TaskCancelled},
	types.TaskRetrying:         {types.TaskPlanning, types.TaskExecuting, types.TaskFailed, types.TaskCancelled},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to types.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(id string, from, to types.TaskStatus) error {
	return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, id, from, to)
}
