package openai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/entrhq/pilot/pkg/plan"
	"github.com/entrhq/pilot/pkg/types"
)

const finalIterationPrompt = "This is your final turn. Do not call any more tools; reply with the JSON plan now."

var actionKinds = []types.ActionKind{
	types.ActionNavigate, types.ActionClick, types.ActionType, types.ActionSelect,
	types.ActionUpload, types.ActionDownload, types.ActionWait, types.ActionScroll,
	types.ActionSubmit, types.ActionExtract, types.ActionVerify, types.ActionScreenshot,
	types.ActionHover, types.ActionKeyPress, types.ActionDragDrop,
}

func systemPrompt(tools []plan.ToolSpec) string {
	var b strings.Builder
	b.WriteString("You plan browser automation. Given a goal and a structured model of the current page, ")
	b.WriteString("produce an ordered plan of atomic browser actions that achieves the goal.\n\n")

	b.WriteString("You may inspect the page before planning. To call a tool, reply with exactly one block:\n\n")
	b.WriteString("<tool>\n<tool_name>NAME</tool_name>\n<arguments>\n  <param>value</param>\n</arguments>\n</tool>\n\n")

	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		params := make([]string, 0, len(t.Parameters))
		for name := range t.Parameters {
			params = append(params, name)
		}
		sort.Strings(params)
		for _, name := range params {
			fmt.Fprintf(&b, "    %s: %s\n", name, t.Parameters[name])
		}
	}

	b.WriteString("\nWhen you are ready, reply with a single JSON object and no tool block:\n")
	b.WriteString(`{"title": "...", "description": "...", "confidence": 0.0-1.0, "complexity": 0.0-1.0, "sensitive": false,
 "steps": [{"step": 1, "action": "click", "target": "#login", "strategy": "id", "value": "",
            "description": "...", "confidence": 0.0-1.0, "timeout_seconds": 10, "max_retries": 2,
            "depends_on": [], "fallbacks": [{"action": "click", "target": "button[type=submit]"}], "critical": true}]}`)
	b.WriteString("\n\nAction kinds: ")
	names := make([]string, len(actionKinds))
	for i, k := range actionKinds {
		names[i] = string(k)
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("\nUse only locators present in the page model. Prefer ids over attribute selectors over positional paths. ")
	b.WriteString("Set sensitive to true for payments, deletions, or account changes.\n")
	return b.String()
}

func (r *Reasoner) goalPrompt(req *plan.ReasonRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", req.Goal)
	if req.MaxIterations > 0 {
		fmt.Fprintf(&b, "Turn %d of %d.\n\n", req.Iteration, req.MaxIterations)
	}
	b.WriteString(pageDigest(req.Page, r.maxPromptTokens, r.counter))
	return b.String()
}

// pageDigest renders the page model as compact lines, interactable and
// high-confidence elements first, dropping whatever does not fit in
// maxTokens.
func pageDigest(page *types.PageModel, maxTokens int, counter TokenCounter) string {
	if page == nil {
		return "Page: (none)\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Page: %s\nTitle: %s\n", page.URL, page.Title)
	if page.AutomationScore > 0 {
		fmt.Fprintf(&b, "Automation feasibility: %.2f\n", page.AutomationScore)
	}
	used := counter.Count(b.String())

	elements := append([]types.Element(nil), page.Elements...)
	sort.SliceStable(elements, func(i, j int) bool {
		ii, ji := elements[i].Interactable(), elements[j].Interactable()
		if ii != ji {
			return ii
		}
		return elements[i].Confidence > elements[j].Confidence
	})

	blocks := append([]types.ContentBlock(nil), page.Blocks...)
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].Importance > blocks[j].Importance
	})

	lines := make([]string, 0, len(elements)+len(blocks)+2)
	lines = append(lines, "Elements:")
	for _, el := range elements {
		lines = append(lines, elementLine(el))
	}
	if len(blocks) > 0 {
		lines = append(lines, "Content:")
		for _, blk := range blocks {
			lines = append(lines, blockLine(blk))
		}
	}

	omitted := 0
	for i, line := range lines {
		cost := counter.Count(line + "\n")
		if used+cost > maxTokens {
			for _, rest := range lines[i:] {
				if rest != "Elements:" && rest != "Content:" {
					omitted++
				}
			}
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
		used += cost
	}
	if omitted > 0 {
		fmt.Fprintf(&b, "(%d more entries omitted)\n", omitted)
	}
	return b.String()
}

func elementLine(el types.Element) string {
	locators := make([]string, 0, len(el.Locators))
	for _, l := range el.Locators {
		if !l.IsZero() {
			locators = append(locators, l.Value)
		}
	}
	state := ""
	if !el.Visible {
		state += " hidden"
	}
	if !el.Enabled {
		state += " disabled"
	}
	text := el.Text
	if len(text) > 80 {
		text = text[:80] + "..."
	}
	return fmt.Sprintf("- [%s] %s %q locators=%s confidence=%.2f%s",
		el.ID, el.Kind, text, strings.Join(locators, " | "), el.Confidence, state)
}

func blockLine(blk types.ContentBlock) string {
	text := blk.Text
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return fmt.Sprintf("- (%s) %s", blk.Kind, text)
}
