package plan

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pilot/pkg/types"
)

func step(n int, kind types.ActionKind, target, value string, confidence float64) *types.AtomicAction {
	a := &types.AtomicAction{
		Step:       n,
		Kind:       kind,
		Value:      value,
		Confidence: confidence,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
		Critical:   true,
		Status:     types.ActionPending,
	}
	if target != "" {
		a.Target = types.NewLocator(target)
	}
	return a
}

func validPlan() *types.ExecutionPlan {
	return &types.ExecutionPlan{
		ID:         "plan-1",
		Goal:       "search for shoes",
		Confidence: 0.85,
		Steps: []*types.AtomicAction{
			step(1, types.ActionNavigate, "", "https://shop.example.com", 0.9),
			step(2, types.ActionType, "#q", "shoes", 0.85),
			step(3, types.ActionClick, "button.search", "", 0.8),
		},
		EstimatedDuration: 5 * time.Second,
		Status:            types.PlanDraft,
	}
}

func hasFinding(findings []types.Finding, check string, stepNum int) bool {
	for _, f := range findings {
		if f.Check == check && f.Step == stepNum {
			return true
		}
	}
	return false
}

func TestValidateValidPlan(t *testing.T) {
	v := MustValidator(DefaultPolicy())

	res := v.Validate(validPlan(), nil)

	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1.0, res.ConfidenceScore)
	assert.False(t, res.RequiresApproval)
	assert.Equal(t, types.RiskLow, res.Risk)
}

func TestValidateFindings(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(p *types.ExecutionPlan)
		policy    func(p *Policy)
		wantValid bool
		wantError string
		wantWarn  string
		wantStep  int
	}{
		{
			name:      "empty goal",
			mutate:    func(p *types.ExecutionPlan) { p.Goal = "  " },
			wantError: CheckMetadata,
		},
		{
			name:      "no steps",
			mutate:    func(p *types.ExecutionPlan) { p.Steps = nil },
			wantError: CheckMetadata,
		},
		{
			name:      "confidence out of range",
			mutate:    func(p *types.ExecutionPlan) { p.Confidence = 1.4 },
			wantError: CheckMetadata,
		},
		{
			name:      "zero duration",
			mutate:    func(p *types.ExecutionPlan) { p.EstimatedDuration = 0 },
			wantError: CheckMetadata,
		},
		{
			name:      "gap in step numbers",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[2].Step = 4 },
			wantError: CheckSequencing,
			wantStep:  4,
		},
		{
			name:      "dependency on later step",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[1].DependsOn = []int{3} },
			wantError: CheckSequencing,
			wantStep:  2,
		},
		{
			name:      "dependency on nonexistent step",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[2].DependsOn = []int{9} },
			wantError: CheckSequencing,
			wantStep:  3,
		},
		{
			name:      "missing locator is an error",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[2].Target = types.Locator{} },
			wantError: CheckLocator,
			wantStep:  3,
		},
		{
			name:      "unbalanced locator",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[2].Target = types.NewLocator(`button[name="go"`) },
			wantError: CheckLocator,
			wantStep:  3,
		},
		{
			name:      "empty path segment",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[2].Target = types.NewLocator("//form///button") },
			wantError: CheckLocator,
			wantStep:  3,
		},
		{
			name:      "fragile locator",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[2].Target = types.NewLocator("/html/body/div[2]/div[3]/form/button") },
			wantValid: true,
			wantWarn:  CheckLocator,
			wantStep:  3,
		},
		{
			name: "consecutive type steps",
			mutate: func(p *types.ExecutionPlan) {
				p.Steps[2] = step(3, types.ActionType, "#size", "42", 0.8)
			},
			wantValid: true,
			wantWarn:  CheckSequencing,
			wantStep:  3,
		},
		{
			name:      "upload without a file",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[2] = step(3, types.ActionUpload, "#resume", "", 0.8) },
			wantError: CheckInput,
			wantStep:  3,
		},
		{
			name:      "select without an option",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[2] = step(3, types.ActionSelect, "#size", " ", 0.8) },
			wantError: CheckInput,
			wantStep:  3,
		},
		{
			name:      "type without a value",
			mutate:    func(p *types.ExecutionPlan) { p.Steps[1].Value = "" },
			wantValid: true,
			wantWarn:  CheckInput,
			wantStep:  2,
		},
		{
			name:      "blocked url",
			mutate:    func(p *types.ExecutionPlan) {},
			policy:    func(p *Policy) { p.BlockedURLs = []string{"https://shop.example.com*"} },
			wantError: CheckSafety,
			wantStep:  1,
		},
		{
			name:      "url outside allow list",
			mutate:    func(p *types.ExecutionPlan) {},
			policy:    func(p *Policy) { p.AllowedURLs = []string{"https://*.internal.example.org/*"} },
			wantError: CheckSafety,
			wantStep:  1,
		},
		{
			name:      "plan diverges from steps",
			mutate:    func(p *types.ExecutionPlan) { p.Confidence = 0.3 },
			wantValid: true,
			wantWarn:  CheckConfidence,
		},
		{
			name: "near certain everywhere",
			mutate: func(p *types.ExecutionPlan) {
				for _, s := range p.Steps {
					s.Confidence = 0.99
				}
				p.Confidence = 0.99
			},
			wantValid: true,
			wantWarn:  CheckConfidence,
		},
		{
			name: "too many steps",
			mutate: func(p *types.ExecutionPlan) {
				p.Steps = nil
				for i := 1; i <= 51; i++ {
					p.Steps = append(p.Steps, step(i, types.ActionScroll, "", "", 0.8))
				}
				p.Confidence = 0.8
			},
			wantError: CheckComplexity,
		},
		{
			name: "many fallbacks",
			mutate: func(p *types.ExecutionPlan) {
				for i := 0; i < 4; i++ {
					p.Steps[2].Fallbacks = append(p.Steps[2].Fallbacks, types.Fallback{
						Kind:   types.ActionClick,
						Target: types.NewLocator(fmt.Sprintf("#alt-%d", i)),
					})
				}
			},
			wantValid: true,
			wantWarn:  CheckComplexity,
			wantStep:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultPolicy()
			if tt.policy != nil {
				tt.policy(&policy)
			}
			v, err := NewValidator(policy)
			require.NoError(t, err)

			p := validPlan()
			tt.mutate(p)
			res := v.Validate(p, nil)

			assert.Equal(t, tt.wantValid, res.IsValid, "findings: %v", res.Messages())
			if tt.wantError != "" {
				assert.True(t, hasFinding(res.Errors, tt.wantError, tt.wantStep), "errors: %v", res.Errors)
				assert.False(t, hasFinding(res.Warnings, tt.wantError, tt.wantStep) && tt.wantError == CheckLocator,
					"missing locator must not be a warning")
			}
			if tt.wantWarn != "" {
				assert.True(t, hasFinding(res.Warnings, tt.wantWarn, tt.wantStep), "warnings: %v", res.Warnings)
			}
		})
	}
}

func TestValidateSafetyForcesApproval(t *testing.T) {
	v := MustValidator(DefaultPolicy())

	tests := []struct {
		name     string
		mutate   func(p *types.ExecutionPlan)
		wantRisk types.RiskLevel
	}{
		{
			name:     "sensitive action",
			mutate:   func(p *types.ExecutionPlan) { p.Steps[2].Kind = types.ActionSubmit },
			wantRisk: types.RiskHigh,
		},
		{
			name:     "destructive keyword",
			mutate:   func(p *types.ExecutionPlan) { p.Steps[2].Description = "Delete the account permanently" },
			wantRisk: types.RiskHigh,
		},
		{
			name:     "script injection",
			mutate:   func(p *types.ExecutionPlan) { p.Steps[1].Value = `<script>alert(1)</script>` },
			wantRisk: types.RiskCritical,
		},
		{
			name:     "path traversal",
			mutate:   func(p *types.ExecutionPlan) { p.Steps[1].Value = "../../etc/passwd" },
			wantRisk: types.RiskCritical,
		},
		{
			name:     "payload flagged sensitive",
			mutate:   func(p *types.ExecutionPlan) { p.Sensitive = true },
			wantRisk: types.RiskHigh,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(p)
			res := v.Validate(p, nil)

			assert.True(t, res.IsValid)
			assert.True(t, res.RequiresApproval)
			assert.Equal(t, tt.wantRisk, res.Risk)
		})
	}
}

func TestValidateKeywordsMatchWholeWords(t *testing.T) {
	v := MustValidator(DefaultPolicy())
	p := validPlan()
	p.Steps[2].Description = "Open the payment history dropdown"

	res := v.Validate(p, nil)
	assert.False(t, res.RequiresApproval, "warnings: %v", res.Warnings)
}

func TestValidateScore(t *testing.T) {
	v := MustValidator(DefaultPolicy())
	p := &types.ExecutionPlan{
		Goal:       "fill the form",
		Confidence: 0.8,
		Steps: []*types.AtomicAction{
			step(1, types.ActionType, "#a", "x", 0.8),
			// consecutive type: warning
			step(2, types.ActionType, "#b", "y", 0.8),
			// missing locator: error
			step(3, types.ActionClick, "", "", 0.8),
			// deeply nested path: warning
			step(4, types.ActionHover, "/html/body/div/div/div/span", "", 0.8),
		},
		EstimatedDuration: time.Second,
	}

	res := v.Validate(p, nil)

	require.Len(t, res.Errors, 1)
	require.Len(t, res.Warnings, 2)
	assert.False(t, res.IsValid)
	assert.InDelta(t, 0.7, res.ConfidenceScore, 1e-9)
}

func TestValidateScoreFloorsAtZero(t *testing.T) {
	v := MustValidator(DefaultPolicy())
	p := &types.ExecutionPlan{Goal: "", Confidence: 2}
	for i := 1; i <= 6; i++ {
		p.Steps = append(p.Steps, step(i*2, types.ActionClick, "", "", 0.5))
	}

	res := v.Validate(p, nil)
	assert.Equal(t, 0.0, res.ConfidenceScore)
	assert.False(t, res.IsValid)
}

func TestValidateUsesPageModel(t *testing.T) {
	v := MustValidator(DefaultPolicy())
	page := &types.PageModel{
		URL: "https://shop.example.com",
		Elements: []types.Element{
			{ID: "q", Kind: "input", Locators: []types.Locator{types.NewLocator("#q")}, Confidence: 0.9, Enabled: true, Visible: true},
			{ID: "go", Kind: "button", Locators: []types.Locator{types.NewLocator("button.search")}, Confidence: 0.9, Enabled: false, Visible: true},
		},
	}

	res := v.Validate(validPlan(), page)

	assert.True(t, res.IsValid)
	assert.True(t, hasFinding(res.Warnings, CheckFeasibility, 3), "warnings: %v", res.Warnings)
	assert.False(t, hasFinding(res.Warnings, CheckFeasibility, 2))
}

func TestValidateFeasibilityDisagreement(t *testing.T) {
	v := MustValidator(DefaultPolicy())
	page := &types.PageModel{URL: "https://shop.example.com", AutomationScore: 0.2}

	res := v.Validate(validPlan(), page)
	assert.True(t, hasFinding(res.Warnings, CheckConfidence, 0), "warnings: %v", res.Warnings)
}

func TestValidateDoesNotMutate(t *testing.T) {
	v := MustValidator(DefaultPolicy())
	p := validPlan()
	p.Steps[2].Target = types.Locator{}
	before := p.Clone()

	_ = v.Validate(p, nil)
	_ = v.Validate(p, nil)

	assert.Equal(t, before, p)
}

func TestValidateNilPlan(t *testing.T) {
	res := MustValidator(DefaultPolicy()).Validate(nil, nil)
	assert.False(t, res.IsValid)
	assert.NotEmpty(t, res.Errors)
}

func TestValidateConcurrent(t *testing.T) {
	v := MustValidator(DefaultPolicy())
	p := validPlan()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := v.Validate(p, nil)
			assert.True(t, res.IsValid)
		}()
	}
	wg.Wait()
}

func TestNewValidatorRejectsBadGlob(t *testing.T) {
	policy := DefaultPolicy()
	policy.BlockedURLs = []string{"https://[a-"}

	_, err := NewValidator(policy)
	assert.Error(t, err)
}

func TestCheckLocatorSyntax(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"#login", true},
		{`input[name="q"]`, true},
		{`//button[text()="Go"]`, true},
		{"(//a)[2]", true},
		{"xpath=//div[@id='x']", true},
		{"a[href*='(']", true},
		{"", false},
		{"div[", false},
		{"((//a)", false},
		{"//div/", false},
		{"div[]", false},
		{"> li", false},
		{"ul >", false},
		{"a,,b", false},
		{"#", false},
	}
	for _, tt := range tests {
		err := CheckLocatorSyntax(types.NewLocator(tt.value))
		if tt.ok {
			assert.NoError(t, err, tt.value)
		} else {
			assert.Error(t, err, tt.value)
		}
	}
}
