package openai

import (
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/entrhq/pilot/pkg/plan"
)

const (
	maxXMLSize       = 1024 * 1024 // 1MB limit for XML tool calls
	argumentsTagName = "arguments"
)

var toolRegex = regexp.MustCompile(`(?s)<tool>.*?</tool>`)

// ampersandEntityRegex matches ampersands that are already part of XML entities
// to avoid double-escaping them. Matches: &amp; &lt; &gt; &quot; &apos; &#123; &#xAB;
var ampersandEntityRegex = regexp.MustCompile(`&(?:amp|lt|gt|quot|apos|#\d+|#x[0-9a-fA-F]+);`)

type xmlToolCall struct {
	XMLName   xml.Name       `xml:"tool"`
	ToolName  string         `xml:"tool_name"`
	Arguments argumentsBlock `xml:"arguments"`
}

type argumentsBlock struct {
	InnerXML []byte `xml:",innerxml"`
}

// HasToolCall checks if the text contains a tool call.
func HasToolCall(text string) bool {
	return toolRegex.MatchString(text)
}

// ParseToolCall extracts the first tool call from a completion.
//
// Expected format:
//
//	<tool>
//	<tool_name>inspect_element</tool_name>
//	<arguments>
//	  <query>login button</query>
//	  <kind>button</kind>
//	</arguments>
//	</tool>
func ParseToolCall(text string) (*plan.ToolCall, error) {
	if len(text) > maxXMLSize {
		return nil, fmt.Errorf("tool call XML exceeds maximum size of %d bytes", maxXMLSize)
	}

	match := toolRegex.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no tool call found in text")
	}

	var raw xmlToolCall
	if err := unmarshalXMLWithFallback([]byte(strings.TrimSpace(match)), &raw); err != nil {
		snippet := match
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return nil, fmt.Errorf("failed to unmarshal tool call XML: %w\nXML snippet: %s", err, snippet)
	}

	name := strings.TrimSpace(raw.ToolName)
	if name == "" {
		return nil, fmt.Errorf("tool_name is required in tool call")
	}

	args, err := argumentsToMap(raw.Arguments.InnerXML)
	if err != nil {
		return nil, err
	}
	return &plan.ToolCall{Name: name, Arguments: args}, nil
}

// FormatToolCall renders a call in the same XML form ParseToolCall reads.
func FormatToolCall(call plan.ToolCall) string {
	var b strings.Builder
	b.WriteString("<tool>\n<tool_name>")
	b.WriteString(html.EscapeString(call.Name))
	b.WriteString("</tool_name>\n<arguments>\n")

	keys := make([]string, 0, len(call.Arguments))
	for k := range call.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  <%s>%s</%s>\n", k, html.EscapeString(call.Arguments[k]), k)
	}
	b.WriteString("</arguments>\n</tool>")
	return b.String()
}

func formatToolResult(r plan.ToolResult) string {
	if r.Error != "" {
		return fmt.Sprintf("<tool_result name=%q>\nERROR: %s\n</tool_result>", r.Name, r.Error)
	}
	return fmt.Sprintf("<tool_result name=%q>\n%s\n</tool_result>", r.Name, r.Content)
}

// unmarshalXMLWithFallback retries with bare ampersands escaped when the
// first parse fails.
func unmarshalXMLWithFallback(data []byte, v interface{}) error {
	err := xml.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	return xml.Unmarshal(escapeUnescapedAmpersands(data), v)
}

// escapeUnescapedAmpersands replaces bare & with &amp; while preserving
// existing entities.
func escapeUnescapedAmpersands(data []byte) []byte {
	text := string(data)

	entityPositions := make(map[int]bool)
	for _, match := range ampersandEntityRegex.FindAllStringIndex(text, -1) {
		entityPositions[match[0]] = true
	}

	var result strings.Builder
	result.Grow(len(text) + 20)
	for i := 0; i < len(text); i++ {
		if text[i] == '&' && !entityPositions[i] {
			result.WriteString("&amp;")
		} else {
			result.WriteByte(text[i])
		}
	}
	return []byte(result.String())
}

// argumentsToMap flattens the direct children of <arguments> into a map.
// Nested elements are folded into their parent's text.
func argumentsToMap(inner []byte) (map[string]string, error) {
	result := make(map[string]string)
	if len(strings.TrimSpace(string(inner))) == 0 {
		return result, nil
	}

	wrapped := "<" + argumentsTagName + ">" + string(inner) + "</" + argumentsTagName + ">"
	decoder := xml.NewDecoder(strings.NewReader(wrapped))

	var path []string
	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			escaped := escapeUnescapedAmpersands([]byte(wrapped))
			if string(escaped) != wrapped {
				return argumentsToMap(escapeUnescapedAmpersands(inner))
			}
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			if len(path) == 2 {
				text.Reset()
			}
		case xml.EndElement:
			if len(path) == 0 {
				continue
			}
			if len(path) == 2 {
				if v := strings.TrimSpace(text.String()); v != "" {
					result[path[1]] = v
				}
			}
			path = path[:len(path)-1]
		case xml.CharData:
			if len(path) >= 2 {
				text.Write(t)
			}
		}
	}
	return result, nil
}
