package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// DefaultMaxTextLength bounds text extracted by extract steps.
const DefaultMaxTextLength = 10000

// PageText is visible text pulled out of an HTML document.
type PageText struct {
	Title     string
	Text      string
	Truncated bool
}

// ExtractText parses rawHTML and returns its visible text with scripts,
// styles and other noise removed. Block elements are separated by newlines.
func ExtractText(rawHTML string, maxLength int) (*PageText, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxTextLength
	}
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	result := &PageText{Title: extractTitle(doc)}

	var builder strings.Builder
	result.Truncated = collectText(doc, &builder, maxLength)
	result.Text = strings.TrimSpace(collapseBlankLines(builder.String()))
	return result, nil
}

// collectText walks the tree appending text, returning true once maxLength
// was reached.
func collectText(n *html.Node, builder *strings.Builder, maxLength int) bool {
	if builder.Len() >= maxLength {
		return true
	}

	switch n.Type {
	case html.CommentNode:
		return false
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if isSkippedElement(tag) || tag == "head" {
			return false
		}
		if isBlockElement(tag) || tag == "br" {
			builder.WriteString("\n")
		}
	case html.TextNode:
		text := strings.Join(strings.Fields(n.Data), " ")
		if text == "" {
			return false
		}
		if builder.Len() > 0 && !strings.HasSuffix(builder.String(), "\n") {
			builder.WriteString(" ")
		}
		if builder.Len()+len(text) > maxLength {
			remaining := maxLength - builder.Len()
			if remaining > 0 {
				builder.WriteString(text[:remaining])
			}
			builder.WriteString("...")
			return true
		}
		builder.WriteString(text)
		return false
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if collectText(c, builder, maxLength) {
			return true
		}
	}
	return false
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// isSkippedElement returns true for elements that should be completely removed
func isSkippedElement(tagName string) bool {
	switch tagName {
	case "script", "style", "noscript", "iframe", "embed", "object", "svg", "template":
		return true
	}
	return false
}

// isBlockElement returns true for block-level elements
func isBlockElement(tagName string) bool {
	switch tagName {
	case "div", "p", "section", "article", "header", "footer", "nav", "main", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "table", "tr",
		"form", "fieldset", "blockquote", "pre", "label":
		return true
	}
	return false
}

// extractTitle extracts the page title from the document
func extractTitle(doc *html.Node) string {
	var title string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil && title == ""; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return title
}
