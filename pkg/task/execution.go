package task

import (
	"context"
	"fmt"

	"github.com/entrhq/pilot/pkg/types"
)

// startExecution moves e to Executing and hands its plan to the executor.
// Called with m.mu held.
func (m *Manager) startExecution(e *entry) {
	e.task.CurrentStep = "starting execution"
	e.task.SessionID = ""
	if !m.setStatus(e, types.TaskExecuting) {
		return
	}
	e.plan.Status = types.PlanExecuting
	e.plan.ResetSteps()
	m.recordPlan(e)

	id, p := e.task.ID, e.plan.Clone()
	m.dispatch(e, func(ctx context.Context, token int) {
		outcome := m.executor.Execute(ctx, id, p, &reporter{m: m, taskID: id, token: token})
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		if cur, ok := m.lookup(id, token); ok {
			m.applyOutcome(cur, outcome)
		}
	})
}

// RecordExecutionResult delivers an execution outcome for a task in
// Executing, superseding any execution still in flight.
func (m *Manager) RecordExecutionResult(taskID string, outcome *types.ExecutionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.task.Status != types.TaskExecuting {
		return transitionError(taskID, e.task.Status, types.TaskCompleted)
	}
	if outcome == nil {
		return types.NewTaskError(types.ErrorInvalidInput, "outcome is required")
	}
	m.abandon(e)
	m.applyOutcome(e, outcome)
	return nil
}

// applyOutcome routes an execution outcome. Called with m.mu held.
func (m *Manager) applyOutcome(e *entry, o *types.ExecutionOutcome) {
	e.cancel = nil
	if o.SessionID != "" {
		e.task.SessionID = o.SessionID
	}
	steps := applySteps(e.plan, o.Steps)
	if e.plan != nil {
		e.task.Progress = e.plan.Progress()
	}

	switch {
	case o.Status == types.OutcomeCompleted:
		m.finish(e, types.TaskCompleted, nil, steps)
	case o.Status == types.OutcomeCancelled:
		m.finish(e, types.TaskCancelled, orTaskError(o.Err, types.ErrorCancelled, "execution cancelled"), steps)
	case o.Recoverable():
		m.logger.Warnf("Task %s execution failed, recoverable: %v", e.task.ID, o.Err)
		m.recordPlan(e)
		m.retryOrFail(e, o.Err.Clone(), types.TaskExecuting)
	default:
		terr := orTaskError(o.Err, types.ErrorStepExecutionFailure, "execution failed")
		if o.Critical {
			terr = terr.WithExtra("critical", "true")
		}
		m.finish(e, types.TaskFailed, terr, steps)
	}
}

func orTaskError(terr *types.TaskError, kind types.ErrorKind, msg string) *types.TaskError {
	if terr != nil {
		return terr.Clone()
	}
	return types.NewTaskError(kind, "%s", msg)
}

// reporter forwards engine progress into the task record. Updates from a
// superseded attempt are dropped.
type reporter struct {
	m      *Manager
	taskID string
	token  int
}

func (r *reporter) SessionAcquired(taskID, sessionID string) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.lookup(r.taskID, r.token)
	if !ok {
		return
	}
	e.task.SessionID = sessionID
	e.task.UpdatedAt = r.m.cfg.Now()
	r.m.logger.Debugf("Task %s acquired session %s", taskID, sessionID)
	r.m.record(e)
}

func (r *reporter) StepChanged(taskID string, u types.StepUpdate) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.lookup(r.taskID, r.token)
	if !ok || e.task.Status != types.TaskExecuting {
		return
	}
	if s := e.plan.Step(u.Step); s != nil {
		s.Status = u.Status
		s.Attempts = u.Attempts
		if u.Result != nil {
			s.Result = u.Result
		}
	}
	e.task.Progress = u.Progress
	e.task.CurrentStep = u.Label
	e.task.UpdatedAt = r.m.cfg.Now()

	r.m.events.publish(types.NewStepEvent(taskID, e.task.Status, u))
	r.m.record(e)
	r.m.recordPlan(e)
}
