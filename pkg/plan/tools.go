package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/entrhq/pilot/pkg/types"
)

// Inspection tool names.
const (
	ToolAnalyzePage      = "analyze_page"
	ToolInspectElement   = "inspect_element"
	ToolAssessCapability = "assess_capability"
)

// ToolCall is a reasoner's request to run an inspection tool.
type ToolCall struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// ToolResult is the JSON-encoded outcome of a tool call.
type ToolResult struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolSpec describes a tool to a reasoner.
type ToolSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// Tool is a read-only inspection capability over the page model.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, goal string, page *types.PageModel, args map[string]string) (interface{}, error)
}

// Toolbox is the closed set of tools exposed to reasoners.
type Toolbox struct {
	tools map[string]Tool
	order []string
}

// NewToolbox returns the standard inspection tools.
func NewToolbox() *Toolbox {
	tb := &Toolbox{tools: make(map[string]Tool)}
	for _, t := range []Tool{analyzePageTool{}, inspectElementTool{}, assessCapabilityTool{}} {
		name := t.Spec().Name
		tb.tools[name] = t
		tb.order = append(tb.order, name)
	}
	return tb
}

// Specs describes every tool in a stable order.
func (tb *Toolbox) Specs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(tb.order))
	for _, name := range tb.order {
		specs = append(specs, tb.tools[name].Spec())
	}
	return specs
}

// Dispatch runs a tool call. Unknown tools and tool failures are reported
// in the result rather than returned, so the reasoner can recover.
func (tb *Toolbox) Dispatch(ctx context.Context, call ToolCall, goal string, page *types.PageModel) ToolResult {
	tool, ok := tb.tools[call.Name]
	if !ok {
		return ToolResult{
			Name:  call.Name,
			Error: fmt.Sprintf("unknown tool %q, available tools: %s", call.Name, strings.Join(tb.order, ", ")),
		}
	}
	out, err := tool.Execute(ctx, goal, page, call.Arguments)
	if err != nil {
		return ToolResult{Name: call.Name, Error: err.Error()}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return ToolResult{Name: call.Name, Error: fmt.Sprintf("failed to encode result: %v", err)}
	}
	return ToolResult{Name: call.Name, Content: string(data)}
}

// ElementSummary is the compact element view shared by the tools.
type ElementSummary struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Text        string  `json:"text,omitempty"`
	Locator     string  `json:"locator"`
	Strategy    string  `json:"strategy"`
	Confidence  float64 `json:"confidence"`
	Interactive bool    `json:"interactive"`
	Score       float64 `json:"score,omitempty"`
}

// summaryTextLimit is the number of characters of element text in a summary.
const summaryTextLimit = 80

func summarize(el types.Element) ElementSummary {
	loc, _ := el.BestLocator()
	text := el.Text
	if runes := []rune(text); len(runes) > summaryTextLimit {
		text = string(runes[:summaryTextLimit]) + "..."
	}
	return ElementSummary{
		ID:          el.ID,
		Kind:        el.Kind,
		Text:        text,
		Locator:     loc.Value,
		Strategy:    string(loc.Strategy),
		Confidence:  el.Confidence,
		Interactive: el.Interactable(),
	}
}

// PageAnalysis is the analyze_page result.
type PageAnalysis struct {
	URL          string           `json:"url"`
	Title        string           `json:"title"`
	Elements     int              `json:"elements"`
	Interactable int              `json:"interactable"`
	ByKind       map[string]int   `json:"by_kind"`
	Feasibility  float64          `json:"feasibility"`
	KeyContent   []string         `json:"key_content,omitempty"`
	TopElements  []ElementSummary `json:"top_elements"`
}

type analyzePageTool struct{}

func (analyzePageTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        ToolAnalyzePage,
		Description: "Summarize page structure: element counts by kind, interactability, automation feasibility and the most important content.",
	}
}

func (analyzePageTool) Execute(ctx context.Context, goal string, page *types.PageModel, args map[string]string) (interface{}, error) {
	if page == nil {
		return nil, fmt.Errorf("no page model")
	}
	out := PageAnalysis{
		URL:         page.URL,
		Title:       page.Title,
		Elements:    len(page.Elements),
		ByKind:      make(map[string]int),
		Feasibility: round2(page.Feasibility()),
	}
	for _, el := range page.Elements {
		out.ByKind[el.Kind]++
		if el.Interactable() {
			out.Interactable++
		}
	}

	blocks := append([]types.ContentBlock(nil), page.Blocks...)
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Importance > blocks[j].Importance })
	for i, b := range blocks {
		if i == 5 {
			break
		}
		text := b.Text
		if len(text) > 160 {
			text = text[:160] + "..."
		}
		out.KeyContent = append(out.KeyContent, text)
	}

	elements := append([]types.Element(nil), page.Elements...)
	sort.SliceStable(elements, func(i, j int) bool { return elements[i].Confidence > elements[j].Confidence })
	for i, el := range elements {
		if i == 30 {
			break
		}
		out.TopElements = append(out.TopElements, summarize(el))
	}
	return out, nil
}

// ElementMatches is the inspect_element result.
type ElementMatches struct {
	Query   string           `json:"query"`
	Matches []ElementSummary `json:"matches"`
}

type inspectElementTool struct{}

func (inspectElementTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        ToolInspectElement,
		Description: "Find elements matching a query against their text, kind, id and locators. Returns the best matches with their most reliable locator.",
		Parameters:  map[string]string{"query": "words describing the element, e.g. 'search button'", "kind": "optional element kind filter"},
	}
}

func (inspectElementTool) Execute(ctx context.Context, goal string, page *types.PageModel, args map[string]string) (interface{}, error) {
	query := strings.TrimSpace(args["query"])
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	return ElementMatches{Query: query, Matches: MatchElements(page, query, args["kind"], 5)}, nil
}

// MatchElements scores page elements against query words and returns the
// best limit matches. kind, when set, restricts results to that kind.
func MatchElements(page *types.PageModel, query, kind string, limit int) []ElementSummary {
	if page == nil {
		return nil
	}
	words := queryWords(query)
	kind = strings.ToLower(strings.TrimSpace(kind))

	var out []ElementSummary
	for _, el := range page.Elements {
		if kind != "" && !strings.EqualFold(el.Kind, kind) {
			continue
		}
		score := matchScore(el, words)
		if score <= 0 {
			continue
		}
		s := summarize(el)
		s.Score = round2(score)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var kindSynonyms = map[string][]string{
	"button":   {"button", "submit"},
	"link":     {"link", "a", "anchor"},
	"input":    {"input", "field", "box", "textbox", "textarea"},
	"select":   {"select", "dropdown", "menu", "option"},
	"checkbox": {"checkbox", "tick", "check"},
	"file":     {"file", "upload", "attachment"},
}

func matchScore(el types.Element, words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	haystack := strings.ToLower(el.Text + " " + el.ID)
	for _, l := range el.Locators {
		haystack += " " + strings.ToLower(l.Value)
	}
	elKind := strings.ToLower(el.Kind)

	var hits float64
	for _, w := range words {
		switch {
		case strings.Contains(haystack, w):
			hits++
		case containsString(kindSynonyms[elKind], w):
			hits += 0.5
		}
	}
	if hits == 0 {
		return 0
	}
	score := hits/float64(len(words)) + 0.1*el.Confidence
	if !el.Interactable() {
		score *= 0.5
	}
	return score
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "on": true, "in": true, "into": true, "to": true,
	"of": true, "for": true, "with": true, "and": true, "then": true, "my": true, "it": true,
	"page": true, "from": true, "at": true, "this": true, "that": true,
}

// queryWords lowercases and splits a query, dropping stop words and quoted
// input values.
func queryWords(query string) []string {
	var words []string
	for _, w := range strings.FieldsFunc(strings.ToLower(stripQuoted(query)), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	}) {
		if !stopWords[w] {
			words = append(words, w)
		}
	}
	return words
}

// CapabilityAssessment is the assess_capability result.
type CapabilityAssessment struct {
	Goal        string   `json:"goal"`
	Actions     []string `json:"actions"`
	Supported   bool     `json:"supported"`
	Missing     []string `json:"missing,omitempty"`
	Sensitive   bool     `json:"sensitive"`
	Feasibility float64  `json:"feasibility"`
}

type assessCapabilityTool struct{}

func (assessCapabilityTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        ToolAssessCapability,
		Description: "Assess which action kinds the goal needs and whether the page offers elements able to perform them.",
		Parameters:  map[string]string{"goal": "optional goal override; defaults to the task goal"},
	}
}

func (assessCapabilityTool) Execute(ctx context.Context, goal string, page *types.PageModel, args map[string]string) (interface{}, error) {
	if g := strings.TrimSpace(args["goal"]); g != "" {
		goal = g
	}
	if page == nil {
		return nil, fmt.Errorf("no page model")
	}
	out := CapabilityAssessment{Goal: goal, Supported: true, Feasibility: round2(page.Feasibility())}

	kinds := map[string]int{}
	for _, el := range page.Elements {
		if el.Interactable() {
			kinds[strings.ToLower(el.Kind)]++
		}
	}

	for _, clause := range splitClauses(goal) {
		kind, ok := clauseAction(clause)
		if !ok {
			continue
		}
		out.Actions = append(out.Actions, string(kind))
		if kind.IsSensitive() {
			out.Sensitive = true
		}
		if need := requiredElementKind(kind); need != "" && kinds[need] == 0 && !hasAnyInteractable(kinds, kind) {
			out.Supported = false
			out.Missing = append(out.Missing, fmt.Sprintf("%s needs a %s element", kind, need))
		}
	}
	if len(out.Actions) == 0 {
		out.Supported = false
		out.Missing = append(out.Missing, "no recognizable action in goal")
	}
	return out, nil
}

// requiredElementKind is the element kind an action usually targets.
func requiredElementKind(kind types.ActionKind) string {
	switch kind {
	case types.ActionType:
		return "input"
	case types.ActionSelect:
		return "select"
	case types.ActionUpload:
		return "file"
	}
	return ""
}

// hasAnyInteractable relaxes the element kind requirement for pages whose
// parser reports generic kinds.
func hasAnyInteractable(kinds map[string]int, kind types.ActionKind) bool {
	if kind != types.ActionType {
		return false
	}
	return kinds["textarea"] > 0 || kinds["text"] > 0 || kinds["search"] > 0
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
