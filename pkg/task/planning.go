package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/pilot/pkg/types"
)

// startPlanning moves e to Planning and runs the planner on a worker.
func (m *Manager) startPlanning(e *entry) {
	e.task.CurrentStep = "planning"
	e.task.Progress = 0
	if !m.setStatus(e, types.TaskPlanning) {
		return
	}

	id, goal, page := e.task.ID, e.task.Goal, e.page
	m.dispatch(e, func(ctx context.Context, token int) {
		p, err := m.planner.Generate(ctx, goal, page)
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		if cur, ok := m.lookup(id, token); ok {
			m.applyPlan(cur, p, err)
		}
	})
}

// RecordPlanResult delivers a plan for a task in Planning, superseding any
// plan generation still in flight. Plans without a validation verdict are
// validated first.
func (m *Manager) RecordPlanResult(taskID string, p *types.ExecutionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.task.Status != types.TaskPlanning {
		return transitionError(taskID, e.task.Status, types.TaskExecuting)
	}
	if p == nil {
		return types.NewTaskError(types.ErrorInvalidInput, "plan is required")
	}
	m.abandon(e)
	m.applyPlan(e, p.Clone(), nil)
	return nil
}

// applyPlan routes a planning result. Called with m.mu held.
func (m *Manager) applyPlan(e *entry, p *types.ExecutionPlan, genErr error) {
	e.cancel = nil
	if genErr != nil {
		terr := asTaskError(genErr, types.ErrorReasoningFailure)
		if terr.Kind == types.ErrorCancelled {
			return
		}
		m.logger.Warnf("Task %s planning failed: %v", e.task.ID, terr)
		m.retryOrFail(e, terr, types.TaskPlanning)
		return
	}
	if p == nil {
		m.retryOrFail(e, types.NewTaskError(types.ErrorReasoningFailure, "planner returned no plan"), types.TaskPlanning)
		return
	}

	if p.Validation == nil {
		v := m.cfg.Validator.Validate(p, e.page)
		p.Validation = v
		p.Risk = v.Risk
		p.RequiresApproval = p.RequiresApproval || v.RequiresApproval
		if v.IsValid {
			p.Status = types.PlanValidated
		}
	}

	e.task.PlanVersion++
	p.Version = e.task.PlanVersion
	e.plan = p
	m.recordPlan(e)

	if !p.Validation.IsValid {
		terr := types.NewTaskError(types.ErrorValidationRejected, "plan %s failed validation with %d errors",
			p.ID, len(p.Validation.Errors))
		terr.Detail.Findings = p.Validation.Messages()
		m.logger.Warnf("Task %s plan v%d rejected by validator: %v", e.task.ID, p.Version, terr.Detail.Findings)
		m.retryOrFail(e, terr, types.TaskPlanning)
		return
	}

	if p.RequiresApproval {
		m.requestApproval(e)
		return
	}

	m.logger.Infof("Task %s plan v%d auto-approved (%d steps, risk %s)", e.task.ID, p.Version, len(p.Steps), p.Risk)
	p.Status = types.PlanApproved
	m.startExecution(e)
}

func asTaskError(err error, fallback types.ErrorKind) *types.TaskError {
	var terr *types.TaskError
	if errors.As(err, &terr) {
		return terr.Clone()
	}
	return types.NewTaskError(fallback, "%v", err)
}
