package types

import (
	"fmt"
	"math"
	"strings"
)

// LocatorStrategy describes how a locator addresses its element.
type LocatorStrategy string

const (
	// LocatorStructural is a positional path such as an XPath.
	LocatorStructural LocatorStrategy = "structural"

	// LocatorAttribute is an attribute-based selector such as a CSS selector.
	LocatorAttribute LocatorStrategy = "attribute"

	// LocatorID addresses an element by its unique id.
	LocatorID LocatorStrategy = "id"
)

// Locator identifies a target element.
type Locator struct {
	Value    string          `json:"value"`
	Strategy LocatorStrategy `json:"strategy"`
}

// IsZero reports whether the locator is empty.
func (l Locator) IsZero() bool {
	return strings.TrimSpace(l.Value) == ""
}

// InferStrategy guesses the strategy of a raw selector string.
func InferStrategy(selector string) LocatorStrategy {
	s := strings.TrimSpace(selector)
	switch {
	case strings.HasPrefix(s, "xpath="), strings.HasPrefix(s, "/"), strings.HasPrefix(s, "("):
		return LocatorStructural
	case strings.HasPrefix(s, "#") && !strings.ContainsAny(s[1:], " .>[:+~#"):
		return LocatorID
	default:
		return LocatorAttribute
	}
}

// NewLocator builds a locator, inferring the strategy from the selector.
func NewLocator(selector string) Locator {
	return Locator{Value: strings.TrimSpace(selector), Strategy: InferStrategy(selector)}
}

// Bounds is an element's bounding box in CSS pixels.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element is an interactive element reported by the page parser.
type Element struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text"`
	Locators   []Locator `json:"locators"`
	Confidence float64   `json:"confidence"`
	Bounds     Bounds    `json:"bounds"`
	Enabled    bool      `json:"enabled"`
	Visible    bool      `json:"visible"`
}

// BestLocator returns the most reliable locator of the element.
func (e Element) BestLocator() (Locator, bool) {
	rank := map[LocatorStrategy]int{LocatorID: 3, LocatorAttribute: 2, LocatorStructural: 1}
	var best Locator
	found := false
	for _, l := range e.Locators {
		if l.IsZero() {
			continue
		}
		if l.Strategy == "" {
			l.Strategy = InferStrategy(l.Value)
		}
		if !found || rank[l.Strategy] > rank[best.Strategy] {
			best = l
			found = true
		}
	}
	return best, found
}

// Interactable reports whether the element can receive input.
func (e Element) Interactable() bool {
	return e.Enabled && e.Visible
}

// ContentBlock is a non-interactive region of the page.
type ContentBlock struct {
	Kind       string  `json:"kind"`
	Text       string  `json:"text"`
	Importance float64 `json:"importance"`
}

// PageModel is the structured page representation produced by the page parser.
type PageModel struct {
	URL      string         `json:"url"`
	Title    string         `json:"title"`
	Elements []Element      `json:"elements"`
	Blocks   []ContentBlock `json:"blocks"`

	// AutomationScore is the parser's measured automation feasibility in
	// [0,1]. Zero means unmeasured.
	AutomationScore float64 `json:"automation_score,omitempty"`
}

// Validate checks that the page model carries the fields the pipeline needs.
func (p *PageModel) Validate() error {
	if p == nil {
		return NewTaskError(ErrorInvalidInput, "page model is required")
	}
	if strings.TrimSpace(p.URL) == "" {
		return NewTaskError(ErrorInvalidInput, "page model url is required")
	}
	for i, el := range p.Elements {
		if math.IsNaN(el.Confidence) || el.Confidence < 0 || el.Confidence > 1 {
			return NewTaskError(ErrorInvalidInput, "element %d confidence %.2f outside [0,1]", i, el.Confidence)
		}
	}
	if math.IsNaN(p.AutomationScore) || p.AutomationScore < 0 || p.AutomationScore > 1 {
		return NewTaskError(ErrorInvalidInput, "automation score %.2f outside [0,1]", p.AutomationScore)
	}
	return nil
}

// Feasibility returns the automation feasibility score. When the parser did
// not measure one it is derived from the mean confidence of interactable
// elements.
func (p *PageModel) Feasibility() float64 {
	if p == nil {
		return 0
	}
	if p.AutomationScore > 0 {
		return p.AutomationScore
	}
	var sum float64
	var n int
	for _, el := range p.Elements {
		if !el.Interactable() {
			continue
		}
		sum += el.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// FindByLocator returns the element carrying the given locator value.
func (p *PageModel) FindByLocator(value string) (Element, bool) {
	if p == nil {
		return Element{}, false
	}
	value = strings.TrimSpace(value)
	for _, el := range p.Elements {
		for _, l := range el.Locators {
			if l.Value == value {
				return el, true
			}
		}
	}
	return Element{}, false
}

// String returns a short description used in logs.
func (p *PageModel) String() string {
	if p == nil {
		return "<nil page>"
	}
	return fmt.Sprintf("%s (%d elements, %d blocks)", p.URL, len(p.Elements), len(p.Blocks))
}
