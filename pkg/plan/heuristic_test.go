package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pilot/pkg/types"
)

func TestHeuristicReasonerEndToEnd(t *testing.T) {
	g := NewGenerator(NewHeuristicReasoner(), nil, GeneratorConfig{}, nil)

	plan, err := g.Generate(context.Background(),
		"type 'bob@example.com' into the email field, then click the log in button", loginPage())
	require.NoError(t, err)

	assert.False(t, plan.Fallback)
	require.Len(t, plan.Steps, 2)

	typ, click := plan.Steps[0], plan.Steps[1]
	assert.Equal(t, types.ActionType, typ.Kind)
	assert.Equal(t, "#email", typ.Target.Value)
	assert.Equal(t, "bob@example.com", typ.Value)

	assert.Equal(t, types.ActionClick, click.Kind)
	assert.Equal(t, "#login", click.Target.Value)
	require.Len(t, click.Fallbacks, 1)
	assert.Equal(t, `button[type="submit"]`, click.Fallbacks[0].Target.Value)

	assert.True(t, plan.Validation.IsValid, "findings: %v", plan.Validation.Messages())
	assert.False(t, plan.RequiresApproval)
}

func TestHeuristicReasonerProtocol(t *testing.T) {
	h := NewHeuristicReasoner()
	req := &ReasonRequest{Goal: "click the log in button", Page: loginPage()}

	resp, err := h.Next(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.ToolCall)
	assert.Equal(t, ToolAssessCapability, resp.ToolCall.Name)

	req.History = append(req.History, Exchange{Call: *resp.ToolCall, Result: NewToolbox().Dispatch(context.Background(), *resp.ToolCall, req.Goal, req.Page)})
	resp, err = h.Next(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.ToolCall)
	assert.Equal(t, ToolInspectElement, resp.ToolCall.Name)
	assert.Equal(t, "the log in button", resp.ToolCall.Arguments["query"])

	req.History = append(req.History, Exchange{Call: *resp.ToolCall})
	resp, err = h.Next(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Plan)
	assert.Len(t, resp.Plan.Steps, 1)
	assert.NotEmpty(t, resp.Raw)
}

func TestHeuristicReasonerUnknownGoalFallsBack(t *testing.T) {
	g := NewGenerator(NewHeuristicReasoner(), nil, GeneratorConfig{}, nil)

	plan, err := g.Generate(context.Background(), "contemplate the meaning of life", loginPage())
	require.NoError(t, err)
	assert.True(t, plan.Fallback)
}

func TestHeuristicReasonerNavigateAndKeys(t *testing.T) {
	h := NewHeuristicReasoner()
	req := &ReasonRequest{
		Goal:    "open https://example.com/docs and press enter; take a screenshot",
		Page:    loginPage(),
		History: []Exchange{{}, {}},
	}

	resp, err := h.Next(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Plan)
	require.Len(t, resp.Plan.Steps, 3)

	assert.Equal(t, "navigate", resp.Plan.Steps[0].Action)
	assert.Equal(t, "https://example.com/docs", resp.Plan.Steps[0].Value)
	assert.Equal(t, "key_press", resp.Plan.Steps[1].Action)
	assert.Equal(t, "Enter", resp.Plan.Steps[1].Value)
	assert.Equal(t, "screenshot", resp.Plan.Steps[2].Action)
}

func TestSplitClauses(t *testing.T) {
	tests := []struct {
		goal string
		want []string
	}{
		{"click login", []string{"click login"}},
		{"type 'a, b' into name, then click save", []string{"type 'a, b' into name", "click save"}},
		{"search for shoes and click the first result", []string{"search for shoes", "click the first result"}},
		{"read terms and conditions", []string{"read terms and conditions"}},
		{"don't wait; scroll down then hover the menu", []string{"don't wait", "scroll down", "hover the menu"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitClauses(tt.goal), tt.goal)
	}
}

func TestClauseAction(t *testing.T) {
	tests := []struct {
		clause string
		want   types.ActionKind
		ok     bool
	}{
		{"click the button", types.ActionClick, true},
		{"press enter", types.ActionKeyPress, true},
		{"press the save button", types.ActionClick, true},
		{"enter 'bob' into name", types.ActionType, true},
		{"choose 'Blue' from colour", types.ActionSelect, true},
		{"drag the card to done", types.ActionDragDrop, true},
		{"take a screenshot", types.ActionScreenshot, true},
		{"make sure it is 'done'", "", false},
	}
	for _, tt := range tests {
		kind, ok := clauseAction(tt.clause)
		assert.Equal(t, tt.ok, ok, tt.clause)
		assert.Equal(t, tt.want, kind, tt.clause)
	}
}

func TestClauseValue(t *testing.T) {
	tests := []struct {
		clause string
		kind   types.ActionKind
		want   string
	}{
		{"upload resume.pdf", types.ActionUpload, "resume.pdf"},
		{"attach ./docs/Resume_2026.PDF to the application", types.ActionUpload, "./docs/Resume_2026.PDF"},
		{"upload the resume", types.ActionUpload, ""},
		{"type bob@example.com into the email field", types.ActionType, "bob@example.com"},
		{"enter New York in the city box.", types.ActionType, "New York"},
		{"fill the name field with Bob Smith", types.ActionType, "Bob Smith"},
		{"fill the email field", types.ActionType, ""},
		{"select Canada from the country list", types.ActionSelect, "Canada"},
		{"click the Submit button", types.ActionClick, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clauseValue(tt.clause, tt.kind), tt.clause)
	}
}

func TestHeuristicReasonerUnquotedValue(t *testing.T) {
	g := NewGenerator(NewHeuristicReasoner(), nil, GeneratorConfig{}, nil)

	plan, err := g.Generate(context.Background(), "type bob@example.com into the email field", loginPage())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "#email", plan.Steps[0].Target.Value)
	assert.Equal(t, "bob@example.com", plan.Steps[0].Value)
	assert.False(t, hasFinding(plan.Validation.Warnings, CheckInput, 1), "warnings: %v", plan.Validation.Warnings)
}
