package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/pilot/pkg/types"
)

// ErrNoPendingApproval indicates the task is not awaiting approval.
var ErrNoPendingApproval = errors.New("task is not awaiting approval")

// PendingApproval is what a reviewer needs to decide on a plan.
type PendingApproval struct {
	TaskID      string
	Goal        string
	Plan        *types.ExecutionPlan
	Findings    []string
	Risk        types.RiskLevel
	RequestedAt time.Time

	// ExpiresAt is zero when approvals never time out
	ExpiresAt time.Time
}

// requestApproval parks e in AwaitingApproval. Called with m.mu held.
func (m *Manager) requestApproval(e *entry) {
	e.task.CurrentStep = "awaiting approval"
	if !m.setStatus(e, types.TaskAwaitingApproval) {
		return
	}
	e.approvalRequestedAt = m.cfg.Now()

	findings := e.plan.Validation.Messages()
	m.events.publish(types.NewApprovalRequestedEvent(e.task.ID, findings))
	m.logger.Infof("Task %s plan v%d awaiting approval (risk %s, %d findings)", e.task.ID, e.plan.Version, e.plan.Risk, len(findings))

	if m.cfg.ApprovalTimeout > 0 {
		id, token := e.task.ID, e.attempt
		e.approvalTimer = time.AfterFunc(m.cfg.ApprovalTimeout, func() { m.expireApproval(id, token) })
	}
}

// GetPendingApproval returns the plan and findings a task is waiting on.
func (m *Manager) GetPendingApproval(taskID string) (*PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.task.Status != types.TaskAwaitingApproval {
		return nil, fmt.Errorf("%w: %s is %s", ErrNoPendingApproval, taskID, e.task.Status)
	}

	pa := &PendingApproval{
		TaskID:      taskID,
		Goal:        e.task.Goal,
		Plan:        e.plan.Clone(),
		Findings:    e.plan.Validation.Messages(),
		Risk:        e.plan.Risk,
		RequestedAt: e.approvalRequestedAt,
	}
	if m.cfg.ApprovalTimeout > 0 {
		pa.ExpiresAt = e.approvalRequestedAt.Add(m.cfg.ApprovalTimeout)
	}
	return pa, nil
}

// Approve accepts the pending plan and starts execution.
func (m *Manager) Approve(taskID, feedback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.awaiting(taskID, types.TaskApproved)
	if err != nil {
		return err
	}

	stopTimers(e)
	e.task.Approval = &types.ApprovalDecision{Approved: true, Feedback: feedback, At: m.cfg.Now()}
	e.plan.Status = types.PlanApproved
	e.task.CurrentStep = "approved"
	m.setStatus(e, types.TaskApproved)
	m.recordPlan(e)
	m.logger.Infof("Task %s plan v%d approved", taskID, e.plan.Version)

	m.startExecution(e)
	return nil
}

// Reject declines the pending plan. The task ends Cancelled; rejection is
// a decision, not a failure.
func (m *Manager) Reject(taskID, feedback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.awaiting(taskID, types.TaskCancelled)
	if err != nil {
		return err
	}

	e.task.Approval = &types.ApprovalDecision{Approved: false, Feedback: feedback, At: m.cfg.Now()}
	msg := "plan rejected"
	if feedback != "" {
		msg += ": " + feedback
	}
	m.logger.Infof("Task %s plan v%d rejected", taskID, e.plan.Version)
	m.finish(e, types.TaskCancelled, types.NewTaskError(types.ErrorApprovalRejected, "%s", msg), nil)
	return nil
}

func (m *Manager) awaiting(taskID string, to types.TaskStatus) (*entry, error) {
	e, ok := m.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.task.Status != types.TaskAwaitingApproval {
		return nil, transitionError(taskID, e.task.Status, to)
	}
	return e, nil
}

// expireApproval cancels a task whose approval window elapsed.
func (m *Manager) expireApproval(taskID string, token int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(taskID, token)
	if !ok || e.task.Status != types.TaskAwaitingApproval {
		return
	}
	e.approvalTimer = nil
	e.task.Approval = &types.ApprovalDecision{Approved: false, Feedback: "approval timed out", At: m.cfg.Now()}
	m.logger.Warnf("Task %s approval timed out after %s", taskID, m.cfg.ApprovalTimeout)
	m.finish(e, types.TaskCancelled,
		types.NewTaskError(types.ErrorApprovalRejected, "approval timed out after %s", m.cfg.ApprovalTimeout), nil)
}
