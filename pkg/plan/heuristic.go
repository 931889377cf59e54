package plan

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/entrhq/pilot/pkg/types"
)

// HeuristicReasoner is a deterministic rule-based Reasoner. It assesses
// the goal, inspects the first targeted element, then maps each goal
// clause ("click the login button", "type 'bob' into the name field") to a
// step using the same element matching as inspect_element.
type HeuristicReasoner struct{}

// NewHeuristicReasoner returns a heuristic reasoner.
func NewHeuristicReasoner() *HeuristicReasoner {
	return &HeuristicReasoner{}
}

// Next implements Reasoner.
func (h *HeuristicReasoner) Next(ctx context.Context, req *ReasonRequest) (*ReasonResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch len(req.History) {
	case 0:
		return &ReasonResponse{ToolCall: &ToolCall{Name: ToolAssessCapability}}, nil
	case 1:
		if subject := firstSubject(req.Goal); subject != "" {
			return &ReasonResponse{ToolCall: &ToolCall{
				Name:      ToolInspectElement,
				Arguments: map[string]string{"query": subject},
			}}, nil
		}
	}

	payload := h.buildPayload(req)
	data, _ := json.Marshal(payload)
	return &ReasonResponse{Plan: payload, Raw: string(data)}, nil
}

func (h *HeuristicReasoner) buildPayload(req *ReasonRequest) *PlanPayload {
	payload := &PlanPayload{
		Title:       "Plan: " + req.Goal,
		Description: "Rule-based plan derived from the goal wording",
		Category:    "heuristic",
	}

	var assessment CapabilityAssessment
	for _, ex := range req.History {
		if ex.Call.Name == ToolAssessCapability && ex.Result.Error == "" {
			_ = json.Unmarshal([]byte(ex.Result.Content), &assessment)
		}
	}
	payload.Sensitive = assessment.Sensitive

	confidence := 0.0
	for _, clause := range splitClauses(req.Goal) {
		step, ok := h.buildStep(clause, req.Page)
		if !ok {
			continue
		}
		step.Step = len(payload.Steps) + 1
		if step.Confidence != nil {
			confidence += *step.Confidence
		}
		payload.Steps = append(payload.Steps, step)
	}
	if n := len(payload.Steps); n > 0 {
		payload.Confidence = round2(confidence / float64(n))
		payload.Complexity = round2(clamp01(float64(n) / 20))
	}
	return payload
}

func (h *HeuristicReasoner) buildStep(clause string, page *types.PageModel) (StepPayload, bool) {
	kind, ok := clauseAction(clause)
	if !ok {
		return StepPayload{}, false
	}
	step := StepPayload{
		Action:      string(kind),
		Description: strings.TrimSpace(clause),
		Value:       firstQuoted(clause),
	}
	if step.Value == "" {
		step.Value = clauseValue(clause, kind)
	}

	switch kind {
	case types.ActionNavigate:
		step.Value = firstURL(clause)
		if step.Value == "" && page != nil {
			step.Value = page.URL
		}
		step.Confidence = floatPtr(0.9)
		return step, step.Value != ""

	case types.ActionKeyPress:
		if step.Value == "" {
			step.Value = keyName(clause)
		}
		step.Confidence = floatPtr(0.85)
		return step, true

	case types.ActionWait, types.ActionScreenshot:
		step.Confidence = floatPtr(0.9)
		return step, true
	}

	subject, destination := clauseSubject(clause, kind)
	matches := MatchElements(page, subject, preferredKind(kind), 1)
	if len(matches) == 0 {
		if kind.RequiresTarget() {
			return StepPayload{}, false
		}
		// Page-wide extract, verify, scroll or hover without a target
		step.Confidence = floatPtr(0.75)
		return step, true
	}

	best := matches[0]
	step.Target = best.Locator
	step.Strategy = best.Strategy
	step.Confidence = floatPtr(round2(clamp01(best.Score)))
	// Other locators of the same element become fallbacks
	if el, ok := page.FindByLocator(best.Locator); ok {
		for _, l := range el.Locators {
			if l.IsZero() || l.Value == best.Locator {
				continue
			}
			step.Fallbacks = append(step.Fallbacks, FallbackPayload{Action: string(kind), Target: l.Value, Value: step.Value})
		}
	}

	if kind == types.ActionDragDrop {
		dest := MatchElements(page, destination, "", 1)
		if len(dest) == 0 {
			return StepPayload{}, false
		}
		step.Value = dest[0].Locator
	}
	return step, true
}

var verbs = map[string]types.ActionKind{
	"click": types.ActionClick, "tap": types.ActionClick, "hit": types.ActionClick, "press": types.ActionClick,
	"type": types.ActionType, "enter": types.ActionType, "fill": types.ActionType, "input": types.ActionType,
	"write": types.ActionType, "search": types.ActionType,
	"select": types.ActionSelect, "choose": types.ActionSelect, "pick": types.ActionSelect,
	"upload": types.ActionUpload, "attach": types.ActionUpload,
	"download": types.ActionDownload,
	"wait": types.ActionWait,
	"scroll": types.ActionScroll,
	"submit": types.ActionSubmit,
	"extract": types.ActionExtract, "read": types.ActionExtract, "scrape": types.ActionExtract,
	"copy": types.ActionExtract, "collect": types.ActionExtract, "get": types.ActionExtract,
	"verify": types.ActionVerify, "check": types.ActionVerify, "confirm": types.ActionVerify,
	"ensure": types.ActionVerify, "assert": types.ActionVerify,
	"screenshot": types.ActionScreenshot, "capture": types.ActionScreenshot, "snapshot": types.ActionScreenshot,
	"hover": types.ActionHover,
	"drag": types.ActionDragDrop,
	"navigate": types.ActionNavigate, "go": types.ActionNavigate, "open": types.ActionNavigate,
	"visit": types.ActionNavigate, "browse": types.ActionNavigate,
}

var keyNames = map[string]string{
	"enter": "Enter", "return": "Enter", "tab": "Tab", "escape": "Escape", "esc": "Escape",
	"space": "Space", "backspace": "Backspace",
}

// clauseAction returns the action of the first verb in clause.
func clauseAction(clause string) (types.ActionKind, bool) {
	words := strings.Fields(strings.ToLower(stripQuoted(clause)))
	for i, w := range words {
		w = strings.Trim(w, ".,!?:")
		kind, ok := verbs[w]
		if !ok {
			continue
		}
		if (w == "press" || w == "hit") && i+1 < len(words) {
			if _, isKey := keyNames[strings.Trim(words[i+1], ".,!?")]; isKey {
				return types.ActionKeyPress, true
			}
		}
		if w == "enter" && i+1 >= len(words) {
			return types.ActionKeyPress, true
		}
		return kind, true
	}
	return "", false
}

func startsWithVerb(s string) bool {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return false
	}
	_, ok := verbs[fields[0]]
	return ok
}

// splitClauses splits a goal at top-level separators (";", ",", "then")
// and at "and" when the next word is a verb. Quoted text is never split.
func splitClauses(goal string) []string {
	var pieces []string
	var b strings.Builder
	var quote rune
	for _, r := range goal {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			b.WriteRune(r)
		case r == '"' || r == '\'' && !midWord(b.String()):
			quote = r
			b.WriteRune(r)
		case r == ';' || r == ',' || r == '\n':
			pieces = append(pieces, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	pieces = append(pieces, b.String())

	var clauses []string
	for _, piece := range pieces {
		words := strings.Fields(piece)
		var cur []string
		flush := func() {
			if len(cur) > 0 {
				clauses = append(clauses, strings.Join(cur, " "))
				cur = nil
			}
		}
		for i := 0; i < len(words); i++ {
			w := strings.ToLower(words[i])
			rest := strings.Join(words[i+1:], " ")
			if (w == "then" || w == "and") && startsWithVerb(strings.TrimPrefix(strings.ToLower(rest), "then ")) {
				flush()
				continue
			}
			cur = append(cur, words[i])
		}
		flush()
	}
	return clauses
}

// midWord reports whether the builder ends inside a word, so an apostrophe
// ("don't") is not mistaken for a quote.
func midWord(s string) bool {
	if s == "" {
		return false
	}
	c := s[len(s)-1]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// clauseSubject returns the words describing the target element and, for
// drag-and-drop, the destination.
func clauseSubject(clause string, kind types.ActionKind) (subject, destination string) {
	text := strings.ToLower(stripQuoted(clause))
	for _, sep := range []string{" into ", " in ", " on ", " from ", " to "} {
		if kind == types.ActionDragDrop && sep == " to " {
			if i := strings.Index(text, sep); i >= 0 {
				return dropVerb(text[:i]), text[i+len(sep):]
			}
		}
		if kind == types.ActionType || kind == types.ActionSelect || kind == types.ActionUpload {
			if i := strings.Index(text, sep); i >= 0 {
				return text[i+len(sep):], ""
			}
		}
	}
	return dropVerb(text), ""
}

func dropVerb(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		if _, ok := verbs[w]; ok {
			return strings.Join(append(append([]string(nil), words[:i]...), words[i+1:]...), " ")
		}
	}
	return text
}

func preferredKind(kind types.ActionKind) string {
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

// firstSubject is the element query of the first clause that targets one.
func firstSubject(goal string) string {
	for _, clause := range splitClauses(goal) {
		kind, ok := clauseAction(clause)
		if !ok || !kind.RequiresTarget() {
			continue
		}
		subject, _ := clauseSubject(clause, kind)
		if s := strings.TrimSpace(subject); s != "" {
			return s
		}
	}
	return ""
}

// stripQuoted removes quoted literals so they do not count as words.
func stripQuoted(s string) string {
	var b strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'' && !midWord(b.String()):
			quote = r
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// targetWords separate a typed, selected or uploaded value from the element
// that receives it.
var targetWords = map[string]bool{"into": true, "in": true, "on": true, "from": true, "to": true}

var fileWord = regexp.MustCompile(`^[\w~./\\-]*\.[A-Za-z0-9]{1,5}$|/`)

// clauseValue reads an unquoted input value for type, select and upload:
// the words between the verb and a target word ("type bob@example.com into
// the email field"), the words after "with" ("fill the name with Bob"), or
// for upload the first word that looks like a file path.
func clauseValue(clause string, kind types.ActionKind) string {
	if kind != types.ActionType && kind != types.ActionSelect && kind != types.ActionUpload {
		return ""
	}
	words := strings.Fields(clause)
	verb := -1
	for i, w := range words {
		if _, ok := verbs[normalizeWord(w)]; ok {
			verb = i
			break
		}
	}
	if verb < 0 {
		return ""
	}
	rest := words[verb+1:]

	for i, w := range rest {
		if normalizeWord(w) == "with" && i+1 < len(rest) {
			return trimValue(strings.Join(rest[i+1:], " "))
		}
	}

	end := len(rest)
	for i, w := range rest {
		if targetWords[normalizeWord(w)] {
			end = i
			break
		}
	}
	object := rest[:end]

	if kind == types.ActionUpload {
		for _, w := range object {
			if v := trimValue(w); fileWord.MatchString(v) {
				return v
			}
		}
	}
	if end == len(rest) || len(object) == 0 {
		// Without a target word the object names the element, not the value
		return ""
	}
	return trimValue(strings.Join(object, " "))
}

func normalizeWord(w string) string {
	return strings.Trim(strings.ToLower(w), ".,!?:;")
}

func trimValue(v string) string {
	return strings.TrimRight(v, ".,!?:;")
}

// firstQuoted returns the first quoted literal in s.
func firstQuoted(s string) string {
	var b strings.Builder
	var quote rune
	var prev string
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				return b.String()
			}
			b.WriteRune(r)
		case r == '"' || r == '\'' && !midWord(prev):
			quote = r
		}
		prev = string(r)
	}
	return ""
}

func firstURL(s string) string {
	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, `"'.,;()`)
		if strings.HasPrefix(w, "http://") || strings.HasPrefix(w, "https://") {
			return w
		}
	}
	return ""
}

func keyName(clause string) string {
	for _, w := range strings.Fields(strings.ToLower(clause)) {
		if k, ok := keyNames[strings.Trim(w, ".,!?")]; ok {
			return k
		}
	}
	return "Enter"
}

func floatPtr(v float64) *float64 {
	return &v
}
