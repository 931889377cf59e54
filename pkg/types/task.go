package types

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskPlanning         TaskStatus = "planning"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskApproved         TaskStatus = "approved"
	TaskExecuting        TaskStatus = "executing"
	TaskRetrying         TaskStatus = "retrying"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
	TaskCancelled        TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ApprovalDecision records a human approval or rejection.
type ApprovalDecision struct {
	Approved bool      `json:"approved"`
	Feedback string    `json:"feedback,omitempty"`
	At       time.Time `json:"at"`
}

// Task is one user-submitted automation job.
type Task struct {
	ID          string     `json:"id"`
	Goal        string     `json:"goal"`
	Status      TaskStatus `json:"status"`
	Progress    float64    `json:"progress"`
	CurrentStep string     `json:"current_step"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	SessionID   string     `json:"session_id,omitempty"`
	PlanVersion int        `json:"plan_version"`

	CreatedAt          time.Time `json:"created_at"`
	PlanningStartedAt  time.Time `json:"planning_started_at"`
	ExecutionStartedAt time.Time `json:"execution_started_at"`
	CompletedAt        time.Time `json:"completed_at"`
	UpdatedAt          time.Time `json:"updated_at"`

	LastError *TaskError        `json:"last_error,omitempty"`
	Approval  *ApprovalDecision `json:"approval,omitempty"`
}

// Duration returns the wall-clock time the task has been alive, or its total
// run time once terminal.
func (t *Task) Duration(now time.Time) time.Duration {
	if t.CreatedAt.IsZero() {
		return 0
	}
	if !t.CompletedAt.IsZero() {
		return t.CompletedAt.Sub(t.CreatedAt)
	}
	return now.Sub(t.CreatedAt)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.LastError = t.LastError.Clone()
	if t.Approval != nil {
		a := *t.Approval
		c.Approval = &a
	}
	return &c
}

// TaskSnapshot is the read-only status view of a task.
type TaskSnapshot struct {
	ID          string        `json:"id"`
	Goal        string        `json:"goal"`
	Status      TaskStatus    `json:"status"`
	Progress    float64       `json:"progress"`
	CurrentStep string        `json:"current_step"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	SessionID   string        `json:"session_id,omitempty"`
	PlanVersion int           `json:"plan_version"`
	LastError   *TaskError    `json:"last_error,omitempty"`
}

// OutcomeStatus is the final state of one plan execution.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// StepResult summarizes one step in an execution outcome.
type StepResult struct {
	Step     int           `json:"step"`
	Kind     ActionKind    `json:"kind"`
	Status   ActionStatus  `json:"status"`
	Attempts int           `json:"attempts"`
	Result   *ActionResult `json:"result,omitempty"`
}

// ExecutionOutcome is what the execution engine reports when a plan run ends.
type ExecutionOutcome struct {
	Status    OutcomeStatus `json:"status"`
	Err       *TaskError    `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	Steps     []StepResult  `json:"steps"`
	SessionID string        `json:"session_id,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Recoverable reports whether a failed outcome may be retried with a fresh
// session.
func (o *ExecutionOutcome) Recoverable() bool {
	return o.Status == OutcomeFailed && !o.Critical && o.Err.Retryable()
}

// Evidence returns every evidence reference captured during the run.
func (o *ExecutionOutcome) Evidence() []string {
	var refs []string
	for _, s := range o.Steps {
		if s.Result == nil {
			continue
		}
		if s.Result.BeforeEvidence != "" {
			refs = append(refs, s.Result.BeforeEvidence)
		}
		if s.Result.AfterEvidence != "" {
			refs = append(refs, s.Result.AfterEvidence)
		}
	}
	return refs
}

// StepUpdate is an incremental step transition reported by the engine.
type StepUpdate struct {
	Step     int           `json:"step"`
	Status   ActionStatus  `json:"status"`
	Attempts int           `json:"attempts"`
	Label    string        `json:"label"`
	Result   *ActionResult `json:"result,omitempty"`
	Progress float64       `json:"progress"`
}
