package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultDestructiveKeywords flag descriptions or inputs that suggest an
// irreversible effect.
var DefaultDestructiveKeywords = []string{
	"delete", "remove", "destroy", "drop", "erase", "wipe", "purge",
	"terminate", "cancel subscription", "close account", "deactivate",
	"purchase", "buy now", "pay", "checkout", "transfer", "withdraw",
	"unsubscribe", "revoke", "reset password",
}

var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"script tag", regexp.MustCompile(`(?i)<\s*/?\s*script`)},
	{"javascript url", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"inline event handler", regexp.MustCompile(`(?i)\bon(?:error|load|click|mouseover)\s*=`)},
	{"path traversal", regexp.MustCompile(`(?:\.\./|\.\.\\|%2e%2e%2f)`)},
	{"sql injection", regexp.MustCompile(`(?i)(?:'\s*or\s+'?1'?\s*=\s*'?1|;\s*drop\s+table|union\s+select)`)},
	{"template injection", regexp.MustCompile(`\$\{[^}]*\}|\{\{[^}]*\}\}`)},
}

// InjectionPattern returns the name of the first injection-like pattern in
// s, or "".
func InjectionPattern(s string) string {
	for _, p := range injectionPatterns {
		if p.re.MatchString(s) {
			return p.name
		}
	}
	return ""
}

// destructiveKeyword returns the first keyword found in s as a whole word
// or phrase, or "".
func destructiveKeyword(s string, keywords []string) string {
	lower := " " + strings.ToLower(s) + " "
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		idx := strings.Index(lower, kw)
		for idx >= 0 {
			before := lower[idx-1]
			afterIdx := idx + len(kw)
			after := byte(' ')
			if afterIdx < len(lower) {
				after = lower[afterIdx]
			}
			if !isWordByte(before) && !isWordByte(after) {
				return kw
			}
			next := strings.Index(lower[idx+1:], kw)
			if next < 0 {
				break
			}
			idx += next + 1
		}
	}
	return ""
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

// URLMatcher applies allow and block glob patterns to navigation targets.
// Block patterns take precedence; an empty allow list allows everything.
type URLMatcher struct {
	allowed []glob.Glob
	blocked []glob.Glob
}

// NewURLMatcher compiles the given patterns.
func NewURLMatcher(allowed, blocked []string) (*URLMatcher, error) {
	m := &URLMatcher{}
	for _, pattern := range allowed {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed url pattern '%s': %w", pattern, err)
		}
		m.allowed = append(m.allowed, g)
	}
	for _, pattern := range blocked {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked url pattern '%s': %w", pattern, err)
		}
		m.blocked = append(m.blocked, g)
	}
	return m, nil
}

// Check returns why url is not allowed, or "".
func (m *URLMatcher) Check(url string) string {
	if m == nil {
		return ""
	}
	url = strings.TrimSpace(url)
	for _, g := range m.blocked {
		if g.Match(url) {
			return "url matches a blocked pattern"
		}
	}
	if len(m.allowed) == 0 {
		return ""
	}
	for _, g := range m.allowed {
		if g.Match(url) {
			return ""
		}
	}
	return "url is outside the allowed patterns"
}
