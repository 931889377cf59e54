package plan

import (
	"fmt"
	"math"
	"strings"

	"github.com/entrhq/pilot/pkg/types"
)

// Check names used in findings.
const (
	CheckMetadata    = "metadata"
	CheckSequencing  = "sequencing"
	CheckLocator     = "locator"
	CheckInput       = "input"
	CheckFeasibility = "feasibility"
	CheckSafety      = "safety"
	CheckConfidence  = "confidence"
	CheckComplexity  = "complexity"
)

// Policy holds the validator's tunable thresholds.
type Policy struct {
	MaxSteps       int
	ErrorPenalty   float64
	WarningPenalty float64

	// DivergenceThreshold is the tolerated gap between plan confidence and
	// mean step confidence.
	DivergenceThreshold float64

	// A plan is suspicious when more than NearCertainFraction of at least
	// NearCertainMinSteps steps claim NearCertainConfidence or more.
	NearCertainConfidence float64
	NearCertainFraction   float64
	NearCertainMinSteps   int

	// ApprovalConfidence is the plan confidence below which approval is required.
	ApprovalConfidence float64

	MaxInputLength int
	MaxFallbacks   int

	DestructiveKeywords []string
	AllowedURLs         []string
	BlockedURLs         []string
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxSteps:              50,
		ErrorPenalty:          0.2,
		WarningPenalty:        0.05,
		DivergenceThreshold:   DivergenceThreshold,
		NearCertainConfidence: 0.95,
		NearCertainFraction:   0.8,
		NearCertainMinSteps:   3,
		ApprovalConfidence:    0.5,
		MaxInputLength:        500,
		MaxFallbacks:          3,
		DestructiveKeywords:   DefaultDestructiveKeywords,
	}
}

// Validator checks plans against a Policy. It holds no mutable state and is
// safe for concurrent use.
type Validator struct {
	policy Policy
	urls   *URLMatcher
}

// NewValidator compiles the policy. Zero-valued thresholds take the
// defaults.
func NewValidator(policy Policy) (*Validator, error) {
	def := DefaultPolicy()
	if policy.MaxSteps <= 0 {
		policy.MaxSteps = def.MaxSteps
	}
	if policy.ErrorPenalty <= 0 {
		policy.ErrorPenalty = def.ErrorPenalty
	}
	if policy.WarningPenalty <= 0 {
		policy.WarningPenalty = def.WarningPenalty
	}
	if policy.DivergenceThreshold <= 0 {
		policy.DivergenceThreshold = def.DivergenceThreshold
	}
	if policy.NearCertainConfidence <= 0 {
		policy.NearCertainConfidence = def.NearCertainConfidence
	}
	if policy.NearCertainFraction <= 0 {
		policy.NearCertainFraction = def.NearCertainFraction
	}
	if policy.NearCertainMinSteps <= 0 {
		policy.NearCertainMinSteps = def.NearCertainMinSteps
	}
	if policy.ApprovalConfidence <= 0 {
		policy.ApprovalConfidence = def.ApprovalConfidence
	}
	if policy.MaxInputLength <= 0 {
		policy.MaxInputLength = def.MaxInputLength
	}
	if policy.MaxFallbacks <= 0 {
		policy.MaxFallbacks = def.MaxFallbacks
	}
	if policy.DestructiveKeywords == nil {
		policy.DestructiveKeywords = def.DestructiveKeywords
	}

	urls, err := NewURLMatcher(policy.AllowedURLs, policy.BlockedURLs)
	if err != nil {
		return nil, err
	}
	return &Validator{policy: policy, urls: urls}, nil
}

// MustValidator is NewValidator for policies known to compile.
func MustValidator(policy Policy) *Validator {
	v, err := NewValidator(policy)
	if err != nil {
		panic(err)
	}
	return v
}

// Policy returns the effective policy.
func (v *Validator) Policy() Policy {
	return v.policy
}

// verdict accumulates findings for one validation run.
type verdict struct {
	errors   []types.Finding
	warnings []types.Finding

	sensitive   bool
	destructive bool
	injection   bool
	blockedURL  bool
}

func (r *verdict) errorf(check string, step int, format string, args ...interface{}) {
	r.errors = append(r.errors, types.Finding{Check: check, Step: step, Message: fmt.Sprintf(format, args...)})
}

func (r *verdict) warnf(check string, step int, format string, args ...interface{}) {
	r.warnings = append(r.warnings, types.Finding{Check: check, Step: step, Message: fmt.Sprintf(format, args...)})
}

// Validate checks plan against page. It never mutates either argument;
// page may be nil when no model is available.
func (v *Validator) Validate(plan *types.ExecutionPlan, page *types.PageModel) *types.ValidationResult {
	r := &verdict{}
	if plan == nil {
		r.errorf(CheckMetadata, 0, "plan is missing")
		return v.result(nil, r)
	}

	v.checkMetadata(plan, r)
	v.checkSequencing(plan, r)
	v.checkLocators(plan, page, r)
	v.checkInputs(plan, r)
	v.checkSafety(plan, r)
	v.checkConfidence(plan, page, r)
	v.checkComplexity(plan, r)
	return v.result(plan, r)
}

func (v *Validator) checkMetadata(plan *types.ExecutionPlan, r *verdict) {
	if strings.TrimSpace(plan.Goal) == "" {
		r.errorf(CheckMetadata, 0, "goal is empty")
	}
	if len(plan.Steps) == 0 {
		r.errorf(CheckMetadata, 0, "plan has no steps")
	}
	if plan.Confidence < 0 || plan.Confidence > 1 || math.IsNaN(plan.Confidence) {
		r.errorf(CheckMetadata, 0, "plan confidence %.2f outside [0,1]", plan.Confidence)
	}
	if plan.EstimatedDuration <= 0 {
		r.errorf(CheckMetadata, 0, "estimated duration must be positive")
	}
	for _, s := range plan.Steps {
		if s.Confidence < 0 || s.Confidence > 1 || math.IsNaN(s.Confidence) {
			r.errorf(CheckMetadata, s.Step, "confidence %.2f outside [0,1]", s.Confidence)
		}
		if !isKnownKind(s.Kind) {
			r.errorf(CheckMetadata, s.Step, "unknown action kind %q", s.Kind)
		}
	}
}

func (v *Validator) checkSequencing(plan *types.ExecutionPlan, r *verdict) {
	seen := make(map[int]bool, len(plan.Steps))
	for i, s := range plan.Steps {
		if s.Step != i+1 {
			r.errorf(CheckSequencing, s.Step, "step number %d at position %d, expected %d", s.Step, i+1, i+1)
		}
		if seen[s.Step] {
			r.errorf(CheckSequencing, s.Step, "duplicate step number %d", s.Step)
		}
		seen[s.Step] = true
	}

	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			switch {
			case !seen[dep]:
				r.errorf(CheckSequencing, s.Step, "depends on nonexistent step %d", dep)
			case dep >= s.Step:
				r.errorf(CheckSequencing, s.Step, "depends on later step %d", dep)
			}
		}
	}

	for i := 1; i < len(plan.Steps); i++ {
		prev, cur := plan.Steps[i-1], plan.Steps[i]
		switch {
		case prev.Kind == types.ActionType && cur.Kind == types.ActionType && prev.Target.Value == cur.Target.Value:
			r.warnf(CheckSequencing, cur.Step, "types into %s again without an intervening action", cur.Target.Value)
		case prev.Kind == types.ActionType && cur.Kind == types.ActionType:
			r.warnf(CheckSequencing, cur.Step, "consecutive type steps with no intervening navigation or click")
		case prev.Kind == types.ActionNavigate && cur.Kind == types.ActionNavigate:
			r.warnf(CheckSequencing, cur.Step, "navigates again before using the previous page")
		case prev.Kind == types.ActionSubmit && cur.Kind == types.ActionSubmit:
			r.warnf(CheckSequencing, cur.Step, "submits twice in a row")
		}
	}
}

func (v *Validator) checkLocators(plan *types.ExecutionPlan, page *types.PageModel, r *verdict) {
	for _, s := range plan.Steps {
		if !s.Kind.RequiresTarget() && s.Target.IsZero() {
			continue
		}
		if s.Target.IsZero() {
			r.errorf(CheckLocator, s.Step, "%s requires a target locator", s.Kind)
			continue
		}
		if err := CheckLocatorSyntax(s.Target); err != nil {
			r.errorf(CheckLocator, s.Step, "invalid locator %q: %v", s.Target.Value, err)
			continue
		}
		if reason := FragileReason(s.Target); reason != "" {
			r.warnf(CheckLocator, s.Step, "fragile locator %q: %s", s.Target.Value, reason)
		}
		if page != nil && len(page.Elements) > 0 {
			el, ok := page.FindByLocator(s.Target.Value)
			switch {
			case !ok:
				r.warnf(CheckFeasibility, s.Step, "locator %q not present in page model", s.Target.Value)
			case s.Kind.RequiresTarget() && !el.Interactable():
				r.warnf(CheckFeasibility, s.Step, "element %q is disabled or hidden", s.Target.Value)
			}
		}
		for i, fb := range s.Fallbacks {
			if fb.Target.IsZero() {
				continue
			}
			if err := CheckLocatorSyntax(fb.Target); err != nil {
				r.warnf(CheckLocator, s.Step, "fallback %d has invalid locator %q: %v", i+1, fb.Target.Value, err)
			}
		}
	}
}

// checkInputs flags value-taking steps without a value. Upload and select
// cannot run without one; an empty type only clears the field.
func (v *Validator) checkInputs(plan *types.ExecutionPlan, r *verdict) {
	for _, s := range plan.Steps {
		if strings.TrimSpace(s.Value) != "" {
			continue
		}
		switch s.Kind {
		case types.ActionUpload:
			r.errorf(CheckInput, s.Step, "upload has no file path")
		case types.ActionSelect:
			r.errorf(CheckInput, s.Step, "select has no option value")
		case types.ActionType:
			r.warnf(CheckInput, s.Step, "type has no input value")
		}
	}
}

func (v *Validator) checkSafety(plan *types.ExecutionPlan, r *verdict) {
	if plan.Sensitive {
		r.sensitive = true
	}
	for _, s := range plan.Steps {
		if s.Kind.IsSensitive() {
			r.sensitive = true
			r.warnf(CheckSafety, s.Step, "%s is a sensitive action", s.Kind)
		}

		text := s.Description + " " + s.Value
		if kw := destructiveKeyword(text, v.policy.DestructiveKeywords); kw != "" {
			r.destructive = true
			r.warnf(CheckSafety, s.Step, "destructive intent keyword %q", kw)
		}
		for _, field := range []string{s.Description, s.Value, s.Target.Value} {
			if name := InjectionPattern(field); name != "" {
				r.injection = true
				r.warnf(CheckSafety, s.Step, "input contains %s pattern", name)
				break
			}
		}

		if s.Kind == types.ActionNavigate {
			target := s.Value
			if target == "" {
				target = s.Target.Value
			}
			if reason := v.urls.Check(target); reason != "" {
				r.blockedURL = true
				r.errorf(CheckSafety, s.Step, "%s: %s", target, reason)
			}
		}
	}
}

func (v *Validator) checkConfidence(plan *types.ExecutionPlan, page *types.PageModel, r *verdict) {
	if len(plan.Steps) == 0 {
		return
	}
	mean := MeanStepConfidence(plan.Steps)
	if gap := math.Abs(plan.Confidence - mean); gap > v.policy.DivergenceThreshold {
		r.warnf(CheckConfidence, 0, "plan confidence %.2f diverges from mean step confidence %.2f", plan.Confidence, mean)
	}

	if n := len(plan.Steps); n >= v.policy.NearCertainMinSteps {
		certain := 0
		for _, s := range plan.Steps {
			if s.Confidence >= v.policy.NearCertainConfidence {
				certain++
			}
		}
		if float64(certain)/float64(n) > v.policy.NearCertainFraction {
			r.warnf(CheckConfidence, 0, "%d of %d steps claim near-certain confidence", certain, n)
		}
	}

	if feasibility := page.Feasibility(); feasibility > 0 {
		if gap := math.Abs(mean - feasibility); gap > v.policy.DivergenceThreshold {
			r.warnf(CheckConfidence, 0, "mean step confidence %.2f disagrees with page feasibility %.2f", mean, feasibility)
		}
	}
}

func (v *Validator) checkComplexity(plan *types.ExecutionPlan, r *verdict) {
	if len(plan.Steps) > v.policy.MaxSteps {
		r.errorf(CheckComplexity, 0, "plan has %d steps, maximum is %d", len(plan.Steps), v.policy.MaxSteps)
	}
	for _, s := range plan.Steps {
		var factors []string

		strategies := map[types.LocatorStrategy]bool{}
		if !s.Target.IsZero() {
			strategies[strategyOf(s.Target)] = true
		}
		for _, fb := range s.Fallbacks {
			if !fb.Target.IsZero() {
				strategies[strategyOf(fb.Target)] = true
			}
		}
		if len(strategies) > 1 {
			factors = append(factors, "multiple locator strategies")
		}
		if len(s.Value) > v.policy.MaxInputLength {
			factors = append(factors, "long input")
		}
		if conditionTerms(s.Condition) > 2 {
			factors = append(factors, "heavy conditional logic")
		}
		if len(s.Fallbacks) > v.policy.MaxFallbacks {
			factors = append(factors, "many fallback actions")
		}

		if len(factors) >= 2 || len(s.Fallbacks) > v.policy.MaxFallbacks {
			r.warnf(CheckComplexity, s.Step, "compounded complexity: %s", strings.Join(factors, ", "))
		}
	}
}

func (v *Validator) result(plan *types.ExecutionPlan, r *verdict) *types.ValidationResult {
	score := 1.0 - float64(len(r.errors))*v.policy.ErrorPenalty - float64(len(r.warnings))*v.policy.WarningPenalty
	score = round2(math.Max(0, score))

	res := &types.ValidationResult{
		IsValid:         len(r.errors) == 0,
		ConfidenceScore: score,
		Warnings:        r.warnings,
		Errors:          r.errors,
	}
	if res.Warnings == nil {
		res.Warnings = []types.Finding{}
	}
	if res.Errors == nil {
		res.Errors = []types.Finding{}
	}

	res.RequiresApproval = r.sensitive || r.destructive || r.injection
	if plan != nil {
		res.RequiresApproval = res.RequiresApproval || plan.RequiresApproval || plan.Fallback ||
			plan.Confidence < v.policy.ApprovalConfidence
	}

	switch {
	case r.injection:
		res.Risk = types.RiskCritical
	case r.sensitive, r.destructive, r.blockedURL:
		res.Risk = types.RiskHigh
	case score < 0.7 || len(r.warnings) >= 3 || plan != nil && plan.Confidence < v.policy.ApprovalConfidence:
		res.Risk = types.RiskMedium
	default:
		res.Risk = types.RiskLow
	}
	return res
}

func strategyOf(l types.Locator) types.LocatorStrategy {
	if l.Strategy != "" {
		return l.Strategy
	}
	return types.InferStrategy(l.Value)
}

// conditionTerms counts the boolean terms in a step condition.
func conditionTerms(cond string) int {
	cond = strings.TrimSpace(strings.ToLower(cond))
	if cond == "" {
		return 0
	}
	n := 1
	for _, op := range []string{"&&", "||", " and ", " or "} {
		n += strings.Count(cond, op)
	}
	return n
}

func isKnownKind(k types.ActionKind) bool {
	kind, err := types.ParseActionKind(string(k))
	return err == nil && kind == k
}
