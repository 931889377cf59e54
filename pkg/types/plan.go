package types

import (
	"fmt"
	"sort"
	"time"
)

// ActionKind is the kind of browser-level operation a step performs.
type ActionKind string

const (
	ActionNavigate   ActionKind = "navigate"
	ActionClick      ActionKind = "click"
	ActionType       ActionKind = "type"
	ActionSelect     ActionKind = "select"
	ActionUpload     ActionKind = "upload"
	ActionDownload   ActionKind = "download"
	ActionWait       ActionKind = "wait"
	ActionScroll     ActionKind = "scroll"
	ActionSubmit     ActionKind = "submit"
	ActionExtract    ActionKind = "extract"
	ActionVerify     ActionKind = "verify"
	ActionScreenshot ActionKind = "screenshot"
	ActionHover      ActionKind = "hover"
	ActionKeyPress   ActionKind = "key_press"
	ActionDragDrop   ActionKind = "drag_drop"
)

var actionKinds = map[ActionKind]bool{
	ActionNavigate: true, ActionClick: true, ActionType: true, ActionSelect: true,
	ActionUpload: true, ActionDownload: true, ActionWait: true, ActionScroll: true,
	ActionSubmit: true, ActionExtract: true, ActionVerify: true, ActionScreenshot: true,
	ActionHover: true, ActionKeyPress: true, ActionDragDrop: true,
}

// ParseActionKind normalizes a raw action name. Hyphenated and spaced
// spellings ("key-press", "drag drop") are accepted.
func ParseActionKind(raw string) (ActionKind, error) {
	normalized := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
		case c == '-' || c == ' ':
			c = '_'
		}
		normalized = append(normalized, c)
	}
	kind := ActionKind(normalized)
	if !actionKinds[kind] {
		return "", fmt.Errorf("unknown action kind %q", raw)
	}
	return kind, nil
}

// RequiresTarget reports whether the action must carry a target locator.
func (k ActionKind) RequiresTarget() bool {
	switch k {
	case ActionClick, ActionType, ActionSelect, ActionUpload, ActionDownload,
		ActionSubmit, ActionHover, ActionDragDrop:
		return true
	}
	return false
}

// IsSensitive reports whether the action is inherently sensitive and needs a
// human to look at it before it runs.
func (k ActionKind) IsSensitive() bool {
	return k == ActionUpload || k == ActionDownload || k == ActionSubmit
}

// ActionStatus is the execution state of a single step.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
	ActionRetrying  ActionStatus = "retrying"
	ActionBlocked   ActionStatus = "blocked"
)

// IsTerminal reports whether no further transitions are expected.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionSkipped, ActionBlocked:
		return true
	}
	return false
}

// Fallback is an alternative way to perform a step.
type Fallback struct {
	Kind   ActionKind `json:"kind"`
	Target Locator    `json:"target"`
	Value  string     `json:"value,omitempty"`
}

// ActionResult records the outcome of executing a step.
type ActionResult struct {
	Success        bool          `json:"success"`
	Error          *TaskError    `json:"error,omitempty"`
	Output         string        `json:"output,omitempty"`
	BeforeEvidence string        `json:"before_evidence,omitempty"`
	AfterEvidence  string        `json:"after_evidence,omitempty"`
	UsedFallback   int           `json:"used_fallback,omitempty"` // 1-based index; 0 means primary
	Duration       time.Duration `json:"duration"`
}

// AtomicAction is one executable step of a plan.
type AtomicAction struct {
	Step        int           `json:"step"`
	Kind        ActionKind    `json:"kind"`
	Description string        `json:"description"`
	Target      Locator       `json:"target"`
	Value       string        `json:"value,omitempty"`
	Condition   string        `json:"condition,omitempty"`
	Confidence  float64       `json:"confidence"`
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  int           `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay"`
	DependsOn   []int         `json:"depends_on,omitempty"`
	Fallbacks   []Fallback    `json:"fallbacks,omitempty"`
	Critical    bool          `json:"critical"`

	Status   ActionStatus  `json:"status"`
	Attempts int           `json:"attempts"`
	Result   *ActionResult `json:"result,omitempty"`
}

// Label is the human-readable step label shown in progress reports.
func (a *AtomicAction) Label() string {
	if a.Description != "" {
		return fmt.Sprintf("step %d: %s", a.Step, a.Description)
	}
	if a.Target.IsZero() {
		return fmt.Sprintf("step %d: %s", a.Step, a.Kind)
	}
	return fmt.Sprintf("step %d: %s %s", a.Step, a.Kind, a.Target.Value)
}

// Clone returns a deep copy of the action.
func (a *AtomicAction) Clone() *AtomicAction {
	c := *a
	c.DependsOn = append([]int(nil), a.DependsOn...)
	c.Fallbacks = append([]Fallback(nil), a.Fallbacks...)
	if a.Result != nil {
		r := *a.Result
		r.Error = a.Result.Error.Clone()
		c.Result = &r
	}
	return &c
}

// RiskLevel classifies how dangerous executing a plan is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// PlanStatus is the lifecycle state of an ExecutionPlan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanValidated PlanStatus = "validated"
	PlanApproved  PlanStatus = "approved"
	PlanRejected  PlanStatus = "rejected"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Finding is a single validator error or warning.
type Finding struct {
	Check   string `json:"check"`
	Step    int    `json:"step,omitempty"`
	Message string `json:"message"`
}

func (f Finding) String() string {
	if f.Step > 0 {
		return fmt.Sprintf("[%s] step %d: %s", f.Check, f.Step, f.Message)
	}
	return fmt.Sprintf("[%s] %s", f.Check, f.Message)
}

// ValidationResult is the validator's verdict on a plan.
type ValidationResult struct {
	IsValid          bool      `json:"is_valid"`
	ConfidenceScore  float64   `json:"confidence_score"`
	Warnings         []Finding `json:"warnings"`
	Errors           []Finding `json:"errors"`
	RequiresApproval bool      `json:"requires_approval"`
	Risk             RiskLevel `json:"risk"`
}

// Messages flattens the findings into display strings, errors first.
func (v *ValidationResult) Messages() []string {
	if v == nil {
		return nil
	}
	out := make([]string, 0, len(v.Errors)+len(v.Warnings))
	for _, f := range v.Errors {
		out = append(out, "error "+f.String())
	}
	for _, f := range v.Warnings {
		out = append(out, "warning "+f.String())
	}
	return out
}

// ExecutionPlan is the ordered sequence of actions for one task attempt.
type ExecutionPlan struct {
	ID                string            `json:"id"`
	Version           int               `json:"version"`
	Goal              string            `json:"goal"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Category          string            `json:"category"`
	PageURL           string            `json:"page_url"`
	Steps             []*AtomicAction   `json:"steps"`
	Confidence        float64           `json:"confidence"`
	Complexity        float64           `json:"complexity"`
	Risk              RiskLevel         `json:"risk"`
	Sensitive         bool              `json:"sensitive"`
	RequiresApproval  bool              `json:"requires_approval"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
	Validation        *ValidationResult `json:"validation,omitempty"`
	Status            PlanStatus        `json:"status"`
	Fallback          bool              `json:"fallback"`
	Notes             []string          `json:"notes,omitempty"`
	Extensions        map[string]string `json:"extensions,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Step returns the action with the given step number.
func (p *ExecutionPlan) Step(n int) *AtomicAction {
	for _, s := range p.Steps {
		if s.Step == n {
			return s
		}
	}
	return nil
}

// Ordered returns the steps sorted by step number.
func (p *ExecutionPlan) Ordered() []*AtomicAction {
	out := append([]*AtomicAction(nil), p.Steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

// ResetSteps returns every step to pending so the plan can run again.
func (p *ExecutionPlan) ResetSteps() {
	for _, s := range p.Steps {
		s.Status = ActionPending
		s.Attempts = 0
		s.Result = nil
	}
}

// Progress returns the percentage of steps in a terminal state.
func (p *ExecutionPlan) Progress() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range p.Steps {
		if s.Status.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(p.Steps)) * 100
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]*AtomicAction, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s.Clone()
	}
	if p.Validation != nil {
		v := *p.Validation
		v.Warnings = append([]Finding(nil), p.Validation.Warnings...)
		v.Errors = append([]Finding(nil), p.Validation.Errors...)
		c.Validation = &v
	}
	c.Notes = append([]string(nil), p.Notes...)
	if p.Extensions != nil {
		c.Extensions = make(map[string]string, len(p.Extensions))
		for k, v := range p.Extensions {
			c.Extensions[k] = v
		}
	}
	return &c
}
