package types

import "time"

// EventType defines the type of event published for a task.
type EventType string

const (
	EventTypeStatus            EventType = "status"             // EventTypeStatus indicates a task status transition.
	EventTypeProgress          EventType = "progress"           // EventTypeProgress indicates a progress or step label change.
	EventTypeStep              EventType = "step"               // EventTypeStep indicates a step-level transition.
	EventTypeApprovalRequested EventType = "approval_requested" // EventTypeApprovalRequested indicates a plan is waiting for a human decision.
	EventTypeOutcome           EventType = "outcome"            // EventTypeOutcome indicates the task reached a terminal state.
)

// Event is published to task subscribers.
type Event struct {
	// Type indicates the kind of event.
	Type EventType

	// TaskID is the task the event belongs to.
	TaskID string

	// Status is the task status at the time of the event.
	Status TaskStatus

	// Progress is the task progress percentage.
	Progress float64

	// StepLabel is the current step label.
	StepLabel string

	// Step holds the step transition for step events.
	Step *StepUpdate

	// Outcome holds the terminal summary for outcome events.
	Outcome *TerminalOutcome

	// Findings holds validator findings for approval events.
	Findings []string

	Timestamp time.Time
}

// TerminalOutcome summarizes how a task ended.
type TerminalOutcome struct {
	Success  bool          `json:"success"`
	Status   TaskStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Steps    []StepResult  `json:"steps"`
	Evidence []string      `json:"evidence"`
	Err      *TaskError    `json:"error,omitempty"`
}

// NewStatusEvent creates a status transition event.
func NewStatusEvent(taskID string, status TaskStatus, progress float64, label string) *Event {
	return &Event{
		Type:      EventTypeStatus,
		TaskID:    taskID,
		Status:    status,
		Progress:  progress,
		StepLabel: label,
		Timestamp: time.Now(),
	}
}

// NewStepEvent creates a step transition event.
func NewStepEvent(taskID string, status TaskStatus, update StepUpdate) *Event {
	return &Event{
		Type:      EventTypeStep,
		TaskID:    taskID,
		Status:    status,
		Progress:  update.Progress,
		StepLabel: update.Label,
		Step:      &update,
		Timestamp: time.Now(),
	}
}

// NewApprovalRequestedEvent creates an approval request event.
func NewApprovalRequestedEvent(taskID string, findings []string) *Event {
	return &Event{
		Type:      EventTypeApprovalRequested,
		TaskID:    taskID,
		Status:    TaskAwaitingApproval,
		Findings:  findings,
		Timestamp: time.Now(),
	}
}

// NewOutcomeEvent creates a terminal outcome event.
func NewOutcomeEvent(taskID string, progress float64, outcome TerminalOutcome) *Event {
	return &Event{
		Type:      EventTypeOutcome,
		TaskID:    taskID,
		Status:    outcome.Status,
		Progress:  progress,
		Outcome:   &outcome,
		Timestamp: time.Now(),
	}
}

// IsTerminal reports whether the event closes the task's event stream.
func (e *Event) IsTerminal() bool {
	return e.Type == EventTypeOutcome
}
