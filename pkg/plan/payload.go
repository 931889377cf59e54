package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/pilot/pkg/types"
)

// ErrNoPayload is returned when reasoner output carries no JSON plan.
var ErrNoPayload = errors.New("no plan payload found")

// PlanPayload is the structured plan emitted by a reasoner.
type PlanPayload struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Complexity  float64 `json:"complexity"`
	Category    string  `json:"category"`
	Sensitive   bool    `json:"sensitive"`

	// EstimatedSeconds is optional; zero derives it from the steps
	EstimatedSeconds float64       `json:"estimated_duration_seconds,omitempty"`
	Steps            []StepPayload `json:"steps"`
}

// StepPayload is one step as emitted by a reasoner. Optional numeric
// fields are pointers so an explicit zero is distinguishable from absence.
type StepPayload struct {
	Step           int               `json:"step"`
	Action         string            `json:"action"`
	Target         string            `json:"target,omitempty"`
	Strategy       string            `json:"strategy,omitempty"`
	Value          string            `json:"value,omitempty"`
	Description    string            `json:"description,omitempty"`
	Condition      string            `json:"condition,omitempty"`
	Confidence     *float64          `json:"confidence,omitempty"`
	TimeoutSeconds *float64          `json:"timeout_seconds,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	RetryDelayMS   *int              `json:"retry_delay_ms,omitempty"`
	DependsOn      []int             `json:"depends_on,omitempty"`
	Fallbacks      []FallbackPayload `json:"fallbacks,omitempty"`
	Critical       *bool             `json:"critical,omitempty"`
}

// FallbackPayload is an alternative action for a step.
type FallbackPayload struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Value  string `json:"value,omitempty"`
}

// StepDefaults fill step fields the reasoner left out.
type StepDefaults struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Confidence float64
}

// DefaultStepDefaults returns the standard step settings.
func DefaultStepDefaults() StepDefaults {
	return StepDefaults{
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Second,
		Confidence: DefaultStatedConfidence,
	}
}

func (d StepDefaults) withDefaults() StepDefaults {
	def := DefaultStepDefaults()
	if d.Timeout <= 0 {
		d.Timeout = def.Timeout
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	if d.RetryDelay < 0 {
		d.RetryDelay = 0
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		d.Confidence = def.Confidence
	}
	return d
}

// ParsePayload extracts a PlanPayload from reasoner text. The JSON object
// may be wrapped in a markdown fence or surrounded by prose.
func ParsePayload(text string) (*PlanPayload, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, ErrNoPayload
	}
	var payload PlanPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse plan payload: %w", err)
	}
	return &payload, nil
}

// extractJSONObject returns the first balanced {...} object in text.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// observational kinds do not change page state; they default to non-critical.
func defaultCritical(kind types.ActionKind) bool {
	switch kind {
	case types.ActionExtract, types.ActionScreenshot, types.ActionScroll, types.ActionHover, types.ActionWait:
		return false
	}
	return true
}

// BuildPlan converts a payload into a draft ExecutionPlan. Steps whose
// action cannot be parsed are dropped with a warning; survivors are
// renumbered from 1 in their original order and dependency references
// follow them. References to dropped steps are removed, references to
// numbers that never existed are kept for the validator to reject.
func BuildPlan(goal string, page *types.PageModel, payload *PlanPayload, defaults StepDefaults) (*types.ExecutionPlan, []string, error) {
	if payload == nil {
		return nil, nil, ErrNoPayload
	}
	defaults = defaults.withDefaults()

	// Unnumbered payloads keep their emitted order
	ordered := append([]StepPayload(nil), payload.Steps...)
	numbered := true
	for _, sp := range ordered {
		if sp.Step <= 0 {
			numbered = false
			break
		}
	}
	if numbered {
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Step < ordered[j].Step })
	}

	var warnings []string
	type built struct {
		original int
		action   *types.AtomicAction
		deps     []int
	}
	var kept []built
	dropped := map[int]bool{}
	existing := map[int]bool{}

	for i, sp := range ordered {
		original := sp.Step
		if !numbered {
			original = i + 1
		}
		existing[original] = true

		action, warn := buildAction(sp, defaults)
		if action == nil {
			dropped[original] = true
			warnings = append(warnings, fmt.Sprintf("dropped step %d: %s", original, warn))
			continue
		}
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("step %d: %s", original, warn))
		}
		kept = append(kept, built{original: original, action: action, deps: sp.DependsOn})
	}

	renumber := make(map[int]int, len(kept))
	for i, b := range kept {
		renumber[b.original] = i + 1
	}

	steps := make([]*types.AtomicAction, 0, len(kept))
	var total time.Duration
	for i, b := range kept {
		b.action.Step = i + 1
		for _, dep := range b.deps {
			switch {
			case dropped[dep]:
				warnings = append(warnings, fmt.Sprintf("step %d: removed dependency on dropped step %d", b.original, dep))
			case existing[dep]:
				b.action.DependsOn = append(b.action.DependsOn, renumber[dep])
			default:
				b.action.DependsOn = append(b.action.DependsOn, dep)
			}
		}
		steps = append(steps, b.action)
		total += estimateStep(b.action)
	}

	estimated := time.Duration(payload.EstimatedSeconds * float64(time.Second))
	if estimated <= 0 {
		estimated = total
	}

	confidence := payload.Confidence
	if confidence < 0 || confidence > 1 {
		warnings = append(warnings, fmt.Sprintf("plan confidence %.2f clamped to [0,1]", confidence))
		confidence = clamp01(confidence)
	}

	plan := &types.ExecutionPlan{
		ID:                uuid.New().String(),
		Version:           1,
		Goal:              goal,
		Title:             payload.Title,
		Description:       payload.Description,
		Category:          payload.Category,
		Steps:             steps,
		Complexity:        clamp01(payload.Complexity),
		Sensitive:         payload.Sensitive,
		RequiresApproval:  payload.Sensitive,
		EstimatedDuration: estimated,
		Status:            types.PlanDraft,
		Notes:             warnings,
		CreatedAt:         time.Now(),
	}
	if page != nil {
		plan.PageURL = page.URL
	}
	plan.Confidence = PlanConfidence(confidence, steps, page.Feasibility())
	if plan.Complexity == 0 {
		plan.Complexity = estimateComplexity(steps)
	}
	return plan, warnings, nil
}

// buildAction returns nil and a reason for unparseable steps, or the
// action and an optional warning.
func buildAction(sp StepPayload, defaults StepDefaults) (*types.AtomicAction, string) {
	kind, err := types.ParseActionKind(strings.TrimSpace(sp.Action))
	if err != nil {
		return nil, err.Error()
	}

	var warn string
	stated := defaults.Confidence
	if sp.Confidence != nil {
		stated = *sp.Confidence
		if stated < 0 || stated > 1 {
			warn = fmt.Sprintf("confidence %.2f clamped to [0,1]", stated)
			stated = clamp01(stated)
		}
	}

	target := types.Locator{}
	if strings.TrimSpace(sp.Target) != "" {
		target = types.NewLocator(sp.Target)
		if s := types.LocatorStrategy(strings.ToLower(strings.TrimSpace(sp.Strategy))); s == types.LocatorID || s == types.LocatorAttribute || s == types.LocatorStructural {
			target.Strategy = s
		}
	}

	action := &types.AtomicAction{
		Kind:        kind,
		Description: strings.TrimSpace(sp.Description),
		Target:      target,
		Value:       sp.Value,
		Condition:   sp.Condition,
		Confidence:  round2(StepConfidence(kind, target, stated)),
		Timeout:     defaults.Timeout,
		MaxRetries:  defaults.MaxRetries,
		RetryDelay:  defaults.RetryDelay,
		Critical:    defaultCritical(kind),
		Status:      types.ActionPending,
	}
	if sp.TimeoutSeconds != nil && *sp.TimeoutSeconds > 0 {
		action.Timeout = time.Duration(*sp.TimeoutSeconds * float64(time.Second))
	}
	if sp.MaxRetries != nil && *sp.MaxRetries >= 0 {
		action.MaxRetries = *sp.MaxRetries
	}
	if sp.RetryDelayMS != nil && *sp.RetryDelayMS >= 0 {
		action.RetryDelay = time.Duration(*sp.RetryDelayMS) * time.Millisecond
	}
	if sp.Critical != nil {
		action.Critical = *sp.Critical
	}

	for _, fp := range sp.Fallbacks {
		fk, err := types.ParseActionKind(strings.TrimSpace(fp.Action))
		if err != nil {
			continue
		}
		fb := types.Fallback{Kind: fk, Value: fp.Value}
		if strings.TrimSpace(fp.Target) != "" {
			fb.Target = types.NewLocator(fp.Target)
		}
		action.Fallbacks = append(action.Fallbacks, fb)
	}
	return action, warn
}

// estimateStep is the expected duration of a step that succeeds first time.
func estimateStep(a *types.AtomicAction) time.Duration {
	switch a.Kind {
	case types.ActionNavigate, types.ActionDownload, types.ActionUpload, types.ActionSubmit:
		return 3 * time.Second
	case types.ActionWait:
		if d, err := time.ParseDuration(a.Value); err == nil && d > 0 {
			return d
		}
		return 2 * time.Second
	}
	return time.Second
}

// estimateComplexity derives a [0,1] complexity score from step count and
// the share of steps carrying fallbacks or conditions.
func estimateComplexity(steps []*types.AtomicAction) float64 {
	if len(steps) == 0 {
		return 0
	}
	var extra int
	for _, s := range steps {
		if len(s.Fallbacks) > 0 || s.Condition != "" || len(s.DependsOn) > 0 {
			extra++
		}
	}
	score := float64(len(steps))/20 + float64(extra)/float64(len(steps))*0.3
	return round2(clamp01(score))
}
