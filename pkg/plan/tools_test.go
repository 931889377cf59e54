package plan

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pilot/pkg/types"
)

func TestToolboxSpecs(t *testing.T) {
	specs := NewToolbox().Specs()
	require.Len(t, specs, 3)
	assert.Equal(t, ToolAnalyzePage, specs[0].Name)
	assert.Equal(t, ToolInspectElement, specs[1].Name)
	assert.Equal(t, ToolAssessCapability, specs[2].Name)
}

func TestAnalyzePage(t *testing.T) {
	page := loginPage()
	page.Elements = append(page.Elements, types.Element{ID: "help", Kind: "link", Text: "Help", Confidence: 0.4, Enabled: true, Visible: false})

	res := NewToolbox().Dispatch(context.Background(), ToolCall{Name: ToolAnalyzePage}, "log in", page)
	require.Empty(t, res.Error)

	var out PageAnalysis
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.Equal(t, 4, out.Elements)
	assert.Equal(t, 3, out.Interactable)
	assert.Equal(t, 2, out.ByKind["input"])
	assert.Equal(t, []string{"Welcome back"}, out.KeyContent)
	assert.Equal(t, "login", out.TopElements[0].ID)
}

func TestInspectElement(t *testing.T) {
	tb := NewToolbox()

	res := tb.Dispatch(context.Background(), ToolCall{Name: ToolInspectElement, Arguments: map[string]string{"query": "password field"}}, "", loginPage())
	require.Empty(t, res.Error)
	var out ElementMatches
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	require.NotEmpty(t, out.Matches)
	assert.Equal(t, "#password", out.Matches[0].Locator)
	assert.Equal(t, "id", out.Matches[0].Strategy)

	res = tb.Dispatch(context.Background(), ToolCall{Name: ToolInspectElement}, "", loginPage())
	assert.Contains(t, res.Error, "query is required")
}

func TestAssessCapability(t *testing.T) {
	tb := NewToolbox()

	res := tb.Dispatch(context.Background(), ToolCall{Name: ToolAssessCapability}, "upload 'cv.pdf' to the resume field", loginPage())
	require.Empty(t, res.Error)
	var out CapabilityAssessment
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.Equal(t, []string{"upload"}, out.Actions)
	assert.False(t, out.Supported)
	assert.True(t, out.Sensitive)
	assert.NotEmpty(t, out.Missing)

	res = tb.Dispatch(context.Background(), ToolCall{Name: ToolAssessCapability, Arguments: map[string]string{"goal": "type 'x' into email"}}, "ignored", loginPage())
	var typed CapabilityAssessment
	require.NoError(t, json.Unmarshal([]byte(res.Content), &typed))
	assert.True(t, typed.Supported)
	assert.False(t, typed.Sensitive)
	assert.Equal(t, "type 'x' into email", typed.Goal)
}

func TestDispatchUnknownTool(t *testing.T) {
	res := NewToolbox().Dispatch(context.Background(), ToolCall{Name: "rm_rf"}, "", loginPage())
	assert.Contains(t, res.Error, "unknown tool")
	assert.Empty(t, res.Content)
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 79) + "日本語"
	got := summarize(types.Element{ID: "x", Text: long})
	assert.True(t, utf8.ValidString(got.Text))
	assert.Equal(t, strings.Repeat("é", 79)+"日...", got.Text)

	short := summarize(types.Element{Text: "Log in"})
	assert.Equal(t, "Log in", short.Text)
}
