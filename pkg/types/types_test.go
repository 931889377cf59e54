package types

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{ErrorInvalidInput, false},
		{ErrorReasoningFailure, true},
		{ErrorValidationRejected, true},
		{ErrorPoolExhausted, true},
		{ErrorStepExecutionFailure, true},
		{ErrorApprovalRejected, false},
		{ErrorCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Retryable())
			assert.Equal(t, tt.want, NewTaskError(tt.kind, "x").Retryable())
		})
	}

	var nilErr *TaskError
	assert.False(t, nilErr.Retryable())
}

func TestTaskErrorWrappingAndClone(t *testing.T) {
	terr := NewTaskError(ErrorStepExecutionFailure, "element %s not found", "#login").
		WithStep(2, ActionClick).
		WithExtra("critical", "true")
	terr.Detail.Findings = []string{"fragile locator"}
	assert.Equal(t, "step_execution_failure: element #login not found", terr.Error())

	wrapped := fmt.Errorf("run failed: %w", terr)
	assert.Equal(t, ErrorStepExecutionFailure, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))

	var got *TaskError
	require.True(t, errors.As(wrapped, &got))
	assert.Equal(t, 2, got.Detail.Step)

	c := terr.Clone()
	c.Detail.Extra["critical"] = "false"
	c.Detail.Findings[0] = "changed"
	assert.Equal(t, "true", terr.Detail.Extra["critical"])
	assert.Equal(t, "fragile locator", terr.Detail.Findings[0])

	var nilErr *TaskError
	assert.Nil(t, nilErr.Clone())
}

func TestInferStrategy(t *testing.T) {
	tests := []struct {
		selector string
		want     LocatorStrategy
	}{
		{"#login", LocatorID},
		{"  #email ", LocatorID},
		{"#form .submit", LocatorAttribute},
		{`button[type="submit"]`, LocatorAttribute},
		{"//form/div[2]/button", LocatorStructural},
		{"xpath=//button", LocatorStructural},
		{"(//input)[1]", LocatorStructural},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			assert.Equal(t, tt.want, InferStrategy(tt.selector))
		})
	}
	assert.Equal(t, "#email", NewLocator("  #email ").Value)
}

func TestBestLocatorPrefersID(t *testing.T) {
	el := Element{Locators: []Locator{
		NewLocator("//form/button[1]"),
		{Value: "  "},
		{Value: `button[type="submit"]`},
		NewLocator("#login"),
	}}
	best, ok := el.BestLocator()
	require.True(t, ok)
	assert.Equal(t, "#login", best.Value)

	_, ok = Element{}.BestLocator()
	assert.False(t, ok)
}

func TestPageModelValidate(t *testing.T) {
	tests := []struct {
		name    string
		page    *PageModel
		wantErr string
	}{
		{"nil", nil, "page model is required"},
		{"no url", &PageModel{}, "url is required"},
		{"bad confidence", &PageModel{URL: "https://x", Elements: []Element{{Confidence: 1.5}}}, "confidence"},
		{"bad score", &PageModel{URL: "https://x", AutomationScore: -0.1}, "automation score"},
		{"nan confidence", &PageModel{URL: "https://x", Elements: []Element{{Confidence: math.NaN()}}}, "confidence"},
		{"nan score", &PageModel{URL: "https://x", AutomationScore: math.NaN()}, "automation score"},
		{"valid", &PageModel{URL: "https://x", Elements: []Element{{Confidence: 0.8}}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.page.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, ErrorInvalidInput, KindOf(err))
		})
	}
}

func TestPageFeasibilityAndLookup(t *testing.T) {
	page := &PageModel{URL: "https://x", Elements: []Element{
		{ID: "a", Confidence: 0.9, Enabled: true, Visible: true, Locators: []Locator{NewLocator("#a")}},
		{ID: "b", Confidence: 0.5, Enabled: true, Visible: true},
		{ID: "hidden", Confidence: 0.1, Enabled: true},
	}}
	assert.InDelta(t, 0.7, page.Feasibility(), 1e-9)

	page.AutomationScore = 0.4
	assert.Equal(t, 0.4, page.Feasibility())

	el, ok := page.FindByLocator(" #a ")
	require.True(t, ok)
	assert.Equal(t, "a", el.ID)
	_, ok = page.FindByLocator("#missing")
	assert.False(t, ok)

	var nilPage *PageModel
	assert.Equal(t, 0.0, nilPage.Feasibility())
	assert.Equal(t, "<nil page>", nilPage.String())
}

func TestParseActionKind(t *testing.T) {
	tests := []struct {
		raw     string
		want    ActionKind
		wantErr bool
	}{
		{"click", ActionClick, false},
		{"CLICK", ActionClick, false},
		{"key-press", ActionKeyPress, false},
		{"drag drop", ActionDragDrop, false},
		{"teleport", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseActionKind(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, ActionSubmit.IsSensitive())
	assert.False(t, ActionClick.IsSensitive())
	assert.True(t, ActionType.RequiresTarget())
	assert.False(t, ActionNavigate.RequiresTarget())
}

func TestActionLabel(t *testing.T) {
	assert.Equal(t, "step 1: sign in", (&AtomicAction{Step: 1, Kind: ActionClick, Description: "sign in"}).Label())
	assert.Equal(t, "step 2: click #login", (&AtomicAction{Step: 2, Kind: ActionClick, Target: NewLocator("#login")}).Label())
	assert.Equal(t, "step 3: screenshot", (&AtomicAction{Step: 3, Kind: ActionScreenshot}).Label())
}

func testPlan() *ExecutionPlan {
	return &ExecutionPlan{
		ID: "plan-1",
		Steps: []*AtomicAction{
			{Step: 2, Kind: ActionClick, Target: NewLocator("#login"), DependsOn: []int{1}, Status: ActionFailed, Attempts: 2,
				Result: &ActionResult{Error: NewTaskError(ErrorStepExecutionFailure, "gone")}},
			{Step: 1, Kind: ActionType, Target: NewLocator("#email"), Status: ActionCompleted, Attempts: 1},
			{Step: 3, Kind: ActionVerify, Status: ActionPending},
		},
		Validation: &ValidationResult{
			Errors:   []Finding{{Check: "sequencing", Step: 3, Message: "bad order"}},
			Warnings: []Finding{{Check: "confidence", Message: "low"}},
		},
		Extensions: map[string]string{"source": "test"},
	}
}

func TestPlanHelpers(t *testing.T) {
	p := testPlan()

	assert.Equal(t, ActionType, p.Step(1).Kind)
	assert.Nil(t, p.Step(9))

	ordered := p.Ordered()
	assert.Equal(t, []int{1, 2, 3}, []int{ordered[0].Step, ordered[1].Step, ordered[2].Step})
	assert.Equal(t, 2, p.Steps[0].Step, "Ordered does not reorder the plan")

	assert.InDelta(t, 200.0/3, p.Progress(), 1e-9)
	assert.Equal(t, []string{"error [sequencing] step 3: bad order", "warning [confidence] low"}, p.Validation.Messages())

	p.ResetSteps()
	for _, s := range p.Steps {
		assert.Equal(t, ActionPending, s.Status)
		assert.Zero(t, s.Attempts)
		assert.Nil(t, s.Result)
	}
	assert.Equal(t, 0.0, p.Progress())
	assert.Equal(t, 0.0, (&ExecutionPlan{}).Progress())

	var nilResult *ValidationResult
	assert.Nil(t, nilResult.Messages())
}

func TestPlanCloneIsDeep(t *testing.T) {
	p := testPlan()
	c := p.Clone()

	c.Steps[0].Status = ActionCompleted
	c.Steps[0].DependsOn[0] = 7
	c.Steps[0].Result.Error.Message = "changed"
	c.Validation.Errors[0].Message = "changed"
	c.Extensions["source"] = "changed"

	assert.Equal(t, ActionFailed, p.Steps[0].Status)
	assert.Equal(t, 1, p.Steps[0].DependsOn[0])
	assert.Equal(t, "gone", p.Steps[0].Result.Error.Message)
	assert.Equal(t, "bad order", p.Validation.Errors[0].Message)
	assert.Equal(t, "test", p.Extensions["source"])

	var nilPlan *ExecutionPlan
	assert.Nil(t, nilPlan.Clone())
}

func TestTaskDurationAndClone(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tk := &Task{ID: "t", CreatedAt: created, LastError: NewTaskError(ErrorCancelled, "stop"), Approval: &ApprovalDecision{Approved: true}}

	assert.Equal(t, 5*time.Second, tk.Duration(created.Add(5*time.Second)))
	tk.CompletedAt = created.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, tk.Duration(created.Add(time.Hour)))
	assert.Zero(t, (&Task{}).Duration(created))

	c := tk.Clone()
	c.LastError.Message = "changed"
	c.Approval.Approved = false
	assert.Equal(t, "stop", tk.LastError.Message)
	assert.True(t, tk.Approval.Approved)

	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, TaskRetrying.IsTerminal())
}

func TestOutcomeRecoverableAndEvidence(t *testing.T) {
	failed := &ExecutionOutcome{Status: OutcomeFailed, Err: NewTaskError(ErrorStepExecutionFailure, "x")}
	assert.True(t, failed.Recoverable())

	failed.Critical = true
	assert.False(t, failed.Recoverable())

	assert.False(t, (&ExecutionOutcome{Status: OutcomeFailed, Err: NewTaskError(ErrorInvalidInput, "x")}).Recoverable())
	assert.False(t, (&ExecutionOutcome{Status: OutcomeCancelled, Err: NewTaskError(ErrorCancelled, "x")}).Recoverable())

	o := &ExecutionOutcome{Steps: []StepResult{
		{Step: 1, Result: &ActionResult{BeforeEvidence: "b1.png", AfterEvidence: "a1.png"}},
		{Step: 2},
		{Step: 3, Result: &ActionResult{AfterEvidence: "a3.png"}},
	}}
	assert.Equal(t, []string{"b1.png", "a1.png", "a3.png"}, o.Evidence())
}

func TestEvents(t *testing.T) {
	ev := NewStepEvent("t", TaskExecuting, StepUpdate{Step: 1, Status: ActionCompleted, Label: "step 1: click", Progress: 50})
	assert.Equal(t, EventTypeStep, ev.Type)
	assert.Equal(t, 50.0, ev.Progress)
	assert.Equal(t, "step 1: click", ev.StepLabel)
	assert.False(t, ev.IsTerminal())

	out := NewOutcomeEvent("t", 100, TerminalOutcome{Success: true, Status: TaskCompleted})
	assert.True(t, out.IsTerminal())
	assert.Equal(t, TaskCompleted, out.Status)

	approval := NewApprovalRequestedEvent("t", []string{"warning [safety] submit"})
	assert.Equal(t, TaskAwaitingApproval, approval.Status)
	assert.Len(t, approval.Findings, 1)
}
