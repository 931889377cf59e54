package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pilot/pkg/plan"
	"github.com/entrhq/pilot/pkg/types"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	replies  []string
	requests []chatRequest
	auth     []string
	status   int
}

func newFakeServer(t *testing.T, replies ...string) *fakeServer {
	t.Helper()
	fs := &fakeServer{replies: replies, status: http.StatusOK}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}

	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	fs.mu.Lock()
	fs.requests = append(fs.requests, req)
	fs.auth = append(fs.auth, r.Header.Get("Authorization"))
	status := fs.status
	reply := ""
	if len(fs.replies) > 0 {
		reply = fs.replies[0]
		fs.replies = fs.replies[1:]
	}
	fs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
		return
	}

	body := map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   req.Model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]interface{}{"role": "assistant", "content": reply},
		}},
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (fs *fakeServer) Requests() []chatRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]chatRequest(nil), fs.requests...)
}

func newTestReasoner(t *testing.T, fs *fakeServer, opts ...ReasonerOption) *Reasoner {
	t.Helper()
	opts = append([]ReasonerOption{
		WithBaseURL(fs.URL + "/v1"),
		WithModel("test-model"),
		WithTokenCounter(EstimateCounter{}),
	}, opts...)
	r, err := NewReasoner("sk-test", opts...)
	require.NoError(t, err)
	return r
}

func loginPage() *types.PageModel {
	return &types.PageModel{
		URL:   "https://example.com/login",
		Title: "Sign in",
		Elements: []types.Element{
			{ID: "e1", Kind: "input", Text: "Email", Locators: []types.Locator{types.NewLocator("#email")}, Confidence: 0.9, Enabled: true, Visible: true},
			{ID: "e2", Kind: "button", Text: "Log in", Locators: []types.Locator{types.NewLocator("#login")}, Confidence: 0.95, Enabled: true, Visible: true},
		},
	}
}

func TestNewReasoner(t *testing.T) {
	t.Run("requires api key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		_, err := NewReasoner("")
		require.Error(t, err)
	})

	t.Run("reads key and base url from environment", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-env")
		t.Setenv("OPENAI_BASE_URL", "http://localhost:8080/v1")
		r, err := NewReasoner("", WithTokenCounter(EstimateCounter{}))
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080/v1/", r.BaseURL())
		assert.Equal(t, DefaultModel, r.Model())
	})

	t.Run("explicit base url wins", func(t *testing.T) {
		t.Setenv("OPENAI_BASE_URL", "http://ignored/v1")
		r, err := NewReasoner("sk", WithBaseURL("http://local/v1/"), WithTokenCounter(EstimateCounter{}))
		require.NoError(t, err)
		assert.Equal(t, "http://local/v1/", r.BaseURL())
	})
}

func TestReasonerToolCall(t *testing.T) {
	fs := newFakeServer(t, "Let me look first.\n<tool>\n<tool_name>inspect_element</tool_name>\n<arguments>\n  <query>log in</query>\n  <kind>button</kind>\n</arguments>\n</tool>")
	r := newTestReasoner(t, fs)

	resp, err := r.Next(context.Background(), &plan.ReasonRequest{
		Goal:          "log in",
		Page:          loginPage(),
		Tools:         plan.NewToolbox().Specs(),
		Iteration:     1,
		MaxIterations: 4,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ToolCall)
	assert.Nil(t, resp.Plan)
	assert.Equal(t, "inspect_element", resp.ToolCall.Name)
	assert.Equal(t, map[string]string{"query": "log in", "kind": "button"}, resp.ToolCall.Arguments)

	reqs := fs.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-model", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, "system", reqs[0].Messages[0].Role)
	assert.Contains(t, reqs[0].Messages[0].Content, "inspect_element")
	assert.Equal(t, "user", reqs[0].Messages[1].Role)
	assert.Contains(t, reqs[0].Messages[1].Content, "Goal: log in")
	assert.Contains(t, reqs[0].Messages[1].Content, "#login")
	assert.Equal(t, "Bearer sk-test", fs.auth[0])
}

func TestReasonerPlanAndHistory(t *testing.T) {
	fs := newFakeServer(t, "Here is the plan:\n```json\n"+
		`{"title":"Log in","confidence":0.9,"steps":[{"step":1,"action":"click","target":"#login","confidence":0.9}]}`+
		"\n```")
	r := newTestReasoner(t, fs)

	resp, err := r.Next(context.Background(), &plan.ReasonRequest{
		Goal:  "log in",
		Page:  loginPage(),
		Tools: plan.NewToolbox().Specs(),
		History: []plan.Exchange{{
			Call:   plan.ToolCall{Name: "analyze_page"},
			Result: plan.ToolResult{Name: "analyze_page", Content: `{"url":"https://example.com/login"}`},
		}},
		Iteration:     2,
		MaxIterations: 2,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.ToolCall)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, "Log in", resp.Plan.Title)
	require.Len(t, resp.Plan.Steps, 1)
	assert.Equal(t, "#login", resp.Plan.Steps[0].Target)

	msgs := fs.Requests()[0].Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "<tool_name>analyze_page</tool_name>")
	assert.Contains(t, msgs[3].Content, `<tool_result name="analyze_page">`)
	assert.Equal(t, finalIterationPrompt, msgs[4].Content)
}

func TestReasonerMalformedReply(t *testing.T) {
	fs := newFakeServer(t, "I am not sure what to do.")
	r := newTestReasoner(t, fs)

	resp, err := r.Next(context.Background(), &plan.ReasonRequest{Goal: "x", Page: loginPage()})
	require.NoError(t, err)
	assert.Nil(t, resp.ToolCall)
	assert.Nil(t, resp.Plan)
	assert.Equal(t, "I am not sure what to do.", resp.Raw)
}

func TestReasonerServerError(t *testing.T) {
	fs := newFakeServer(t)
	fs.status = http.StatusInternalServerError
	r := newTestReasoner(t, fs)

	_, err := r.Next(context.Background(), &plan.ReasonRequest{Goal: "x", Page: loginPage()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion failed")
	assert.Len(t, fs.Requests(), 1, "SDK retries must be disabled")
}

func TestReasonerWithGenerator(t *testing.T) {
	fs := newFakeServer(t,
		"<tool><tool_name>assess_capability</tool_name><arguments></arguments></tool>",
		`{"title":"Log in","confidence":0.9,"steps":[`+
			`{"step":1,"action":"type","target":"#email","value":"bob@example.com","confidence":0.9},`+
			`{"step":2,"action":"click","target":"#login","confidence":0.9,"depends_on":[1]}]}`,
	)
	r := newTestReasoner(t, fs)

	gen := plan.NewGenerator(r, nil, plan.GeneratorConfig{MaxIterations: 3}, nil)
	p, err := gen.Generate(context.Background(), "log in as bob", loginPage())
	require.NoError(t, err)
	assert.False(t, p.Fallback)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, types.ActionType, p.Steps[0].Kind)
	require.NotNil(t, p.Validation)
	assert.True(t, p.Validation.IsValid, p.Validation.Messages())
	assert.Len(t, fs.Requests(), 2)
}

func TestParseToolCall(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *plan.ToolCall
		wantErr bool
	}{
		{
			name: "no arguments",
			text: "<tool><tool_name>analyze_page</tool_name></tool>",
			want: &plan.ToolCall{Name: "analyze_page", Arguments: map[string]string{}},
		},
		{
			name: "unescaped ampersand",
			text: "<tool><tool_name>inspect_element</tool_name><arguments><query>terms & conditions</query></arguments></tool>",
			want: &plan.ToolCall{Name: "inspect_element", Arguments: map[string]string{"query": "terms & conditions"}},
		},
		{
			name: "existing entities preserved",
			text: "<tool><tool_name>inspect_element</tool_name><arguments><query>a &amp; b &lt;c&gt;</query></arguments></tool>",
			want: &plan.ToolCall{Name: "inspect_element", Arguments: map[string]string{"query": "a & b <c>"}},
		},
		{
			name: "surrounding prose",
			text: "thinking...\n<tool>\n<tool_name> assess_capability </tool_name>\n</tool>\ntrailing",
			want: &plan.ToolCall{Name: "assess_capability", Arguments: map[string]string{}},
		},
		{name: "missing name", text: "<tool><arguments><q>x</q></arguments></tool>", wantErr: true},
		{name: "no tool block", text: "just text", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseToolCall(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatToolCallRoundTrip(t *testing.T) {
	call := plan.ToolCall{Name: "inspect_element", Arguments: map[string]string{"query": `"Sign in" & go`, "kind": "button"}}
	got, err := ParseToolCall(FormatToolCall(call))
	require.NoError(t, err)
	assert.Equal(t, &call, got)
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func TestPageDigestBudget(t *testing.T) {
	page := loginPage()
	page.Elements = append(page.Elements, types.Element{
		ID: "e3", Kind: "link", Text: "hidden help", Locators: []types.Locator{types.NewLocator("#help")},
		Confidence: 0.99, Visible: false,
	})
	page.Blocks = []types.ContentBlock{{Kind: "paragraph", Text: "Welcome back", Importance: 0.5}}

	full := pageDigest(page, 10000, wordCounter{})
	assert.NotContains(t, full, "omitted")
	assert.Less(t, strings.Index(full, "#login"), strings.Index(full, "#email"), "higher confidence first")
	assert.Less(t, strings.Index(full, "#email"), strings.Index(full, "#help"), "interactable first")
	assert.Contains(t, full, "hidden")
	assert.Contains(t, full, "Welcome back")

	small := pageDigest(page, 20, wordCounter{})
	assert.Contains(t, small, "https://example.com/login")
	assert.Contains(t, small, "more entries omitted")
	assert.NotContains(t, small, "Welcome back")

	assert.Equal(t, "Page: (none)\n", pageDigest(nil, 100, wordCounter{}))
}

func TestEstimateCounter(t *testing.T) {
	assert.Equal(t, 0, EstimateCounter{}.Count(""))
	assert.Equal(t, 1, EstimateCounter{}.Count("abcd"))
	assert.Equal(t, 2, EstimateCounter{}.Count("abcde"))
}
